package transporttest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"satlink/internal/transport"
)

// Modem is an in-memory modem implementing transport.Commander. Tests mutate
// its state directly (registration, fix, queued MT messages, MO dispositions)
// and the session under test observes the changes through the Commander
// contract, the same way it would observe a real modem through polling.
type Modem struct {
	mu sync.Mutex

	FamilyValue transport.Family
	ID          string
	Firmware    string

	Fix        bool
	Registered bool
	Signal     int
	SNRValue   float64

	// NextErr, when set, fails the next commander call and clears itself.
	NextErr error
	// FailAll, when set, fails every call until cleared.
	FailAll error

	EventMask transport.EventFlags
	Events    transport.EventFlags

	nextMOID    int
	moQueue     map[string]*moEntry
	mtQueue     map[string][]byte
	Wakeup      int
	PowerMode   int
	PingCount   int
	SubmitLimit int // 0 = unlimited; else reject submits beyond this many in queue
}

type moEntry struct {
	payload     []byte
	disposition transport.MODisposition
}

func NewModem() *Modem {
	return &Modem{
		ID:       "01234567ABCDEF0",
		Firmware: "5.2.1",
		Signal:   4,
		SNRValue: 41.5,
		moQueue:  map[string]*moEntry{},
		mtQueue:  map[string][]byte{},
	}
}

func (m *Modem) step() error {
	if m.FailAll != nil {
		return m.FailAll
	}
	if err := m.NextErr; err != nil {
		m.NextErr = nil
		return err
	}
	return nil
}

func (m *Modem) Family() transport.Family { return m.FamilyValue }

func (m *Modem) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCount++
	return m.step()
}

func (m *Modem) MobileID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (m *Modem) FirmwareVersion(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return "", err
	}
	return m.Firmware, nil
}

func (m *Modem) GnssFix(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return false, err
	}
	return m.Fix, nil
}

func (m *Modem) Registration(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return false, err
	}
	return m.Registered, nil
}

func (m *Modem) NetInfo(context.Context) (transport.NetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return transport.NetInfo{}, err
	}
	state := 1
	if m.Registered {
		state = 10
	}
	return transport.NetInfo{
		State:         state,
		Registered:    m.Registered,
		GnssFix:       m.Fix,
		SignalQuality: m.Signal,
		SNR:           m.SNRValue,
	}, nil
}

func (m *Modem) Location(context.Context) (transport.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return transport.Location{}, err
	}
	return transport.Location{
		FixValid: m.Fix,
		Latitude: 45.42, Longitude: -75.69, Altitude: 70,
	}, nil
}

func (m *Modem) SetEventMask(_ context.Context, mask transport.EventFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return err
	}
	m.EventMask = mask
	return nil
}

func (m *Modem) ActiveEvents(context.Context) (transport.EventFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return 0, err
	}
	ev := m.Events
	m.Events = 0 // reading clears latched events
	return ev, nil
}

func (m *Modem) SubmitMO(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return "", err
	}
	if m.SubmitLimit > 0 && len(m.moQueue) >= m.SubmitLimit {
		return "", fmt.Errorf("queue full: %w", transport.ErrRejected)
	}
	m.nextMOID++
	id := strconv.Itoa(m.nextMOID)
	m.moQueue[id] = &moEntry{payload: append([]byte(nil), payload...)}
	return id, nil
}

func (m *Modem) MOStatus(_ context.Context, id string) (transport.MODisposition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return transport.MOPending, err
	}
	entry, ok := m.moQueue[id]
	if !ok {
		return transport.MOPending, fmt.Errorf("mo %s: %w", id, transport.ErrNotFound)
	}
	return entry.disposition, nil
}

func (m *Modem) DequeueMO(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return err
	}
	if _, ok := m.moQueue[id]; !ok {
		return fmt.Errorf("mo %s: %w", id, transport.ErrNotFound)
	}
	delete(m.moQueue, id)
	return nil
}

func (m *Modem) ListMT(context.Context) ([]transport.MTEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return nil, err
	}
	var entries []transport.MTEntry
	for id, payload := range m.mtQueue {
		entries = append(entries, transport.MTEntry{ID: id, Size: len(payload)})
	}
	return entries, nil
}

func (m *Modem) RetrieveMT(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return nil, err
	}
	payload, ok := m.mtQueue[id]
	if !ok {
		return nil, fmt.Errorf("mt %s: %w", id, transport.ErrNotFound)
	}
	return append([]byte(nil), payload...), nil
}

func (m *Modem) DequeueMT(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return err
	}
	if _, ok := m.mtQueue[id]; !ok {
		return fmt.Errorf("mt %s: %w", id, transport.ErrNotFound)
	}
	delete(m.mtQueue, id)
	return nil
}

func (m *Modem) Configure(_ context.Context, wakeup, powerMode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step(); err != nil {
		return err
	}
	m.Wakeup = wakeup
	m.PowerMode = powerMode
	return nil
}

// ============================================================================
// Test-side controls
// ============================================================================

// AddMT queues an MT message on the modem side.
func (m *Modem) AddMT(id string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mtQueue[id] = append([]byte(nil), payload...)
	m.Events |= transport.EventMTReceived
}

// CompleteMO marks a queued MO message with a terminal disposition.
func (m *Modem) CompleteMO(id string, d transport.MODisposition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.moQueue[id]; ok {
		entry.disposition = d
		m.Events |= transport.EventMOComplete
	}
}

// SetAcquired flips fix and registration together, the common bring-up path.
func (m *Modem) SetAcquired(fix, registered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fix = fix
	m.Registered = registered
}

// MOQueueLen reports how many MO messages the modem still tracks.
func (m *Modem) MOQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.moQueue)
}

// MTQueueLen reports how many MT messages the modem still holds.
func (m *Modem) MTQueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mtQueue)
}
