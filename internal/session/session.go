package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"satlink/internal/notify"
	"satlink/internal/queue"
	"satlink/internal/transport"
)

// State is the top-level session state.
type State int

const (
	StateOff State = iota
	StateBooting
	StateAwaitingGnss
	StateAwaitingRegistration
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateBooting:
		return "booting"
	case StateAwaitingGnss:
		return "awaiting_gnss"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotRegistered is returned for MO submissions attempted before the
	// modem is attached to the network. It is a rejection, never queued.
	ErrNotRegistered = fmt.Errorf("not registered: %w", transport.ErrRejected)
	// ErrUnavailable is returned by location queries without a valid fix.
	ErrUnavailable = errors.New("location unavailable")
	// ErrPoweredOff is returned for operations that need a live session.
	ErrPoweredOff = errors.New("session powered off")
	// ErrPoweredOn is returned when powering on an already-running session.
	ErrPoweredOn = errors.New("session already powered on")
	// ErrConfig marks an invalid reconfiguration value.
	ErrConfig = errors.New("invalid configuration")
)

// Options carries the session tunables read at power-on.
type Options struct {
	Wakeup              int
	PowerMode           int
	PollInterval        time.Duration
	CoalesceWindow      time.Duration
	AcquisitionInterval time.Duration
	LocationInterval    time.Duration
	BootAttempts        int
	Queue               queue.Options
}

// Status is a read-only snapshot handed to the API layer.
type Status struct {
	State         string    `json:"state"`
	MobileID      string    `json:"mobile_id,omitempty"`
	Firmware      string    `json:"firmware,omitempty"`
	GnssFix       bool      `json:"gnss_fix"`
	Registered    bool      `json:"registered"`
	SignalQuality int       `json:"signal_quality"`
	SNR           float64   `json:"snr"`
	LastError     string    `json:"last_error,omitempty"`
	Since         time.Time `json:"since"`
}

// Session owns one modem end to end: power sequencing, GNSS and registration
// acquisition, and steady-state servicing of the MO/MT queues. All modem
// traffic funnels through a single mutex so no two command sequences
// interleave; callers from any goroutine see a serialized modem.
type Session struct {
	cmd  transport.Commander
	rec  *notify.Reconciler
	mon  *Monitor
	sink Sink
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	opts      Options
	queue     *queue.Manager
	announced map[string]bool

	mobileID string
	firmware string
	net      transport.NetInfo
	lastErr  error
	since    time.Time

	lastLocation time.Time
	location     transport.Location

	hintMu sync.Mutex
	hints  []notify.Hint

	wake chan struct{}
	now  func() time.Time
}

func New(cmd transport.Commander, opts Options, sink Sink, log zerolog.Logger) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	if opts.BootAttempts <= 0 {
		opts.BootAttempts = 3
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = opts.PollInterval / 2
	}
	return &Session{
		cmd:       cmd,
		rec:       notify.NewReconciler(opts.CoalesceWindow),
		mon:       NewMonitor(cmd, opts.AcquisitionInterval),
		sink:      sink,
		log:       log,
		opts:      opts,
		queue:     queue.NewManager(cmd, opts.Queue, log),
		announced: map[string]bool{},
		since:     time.Now(),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// ============================================================================
// Power sequencing
// ============================================================================

// PowerOn walks the modem from off to the acquisition phase: wait for the
// first answered status query, read identity, arm the event monitor, apply
// the configured wakeup and power mode. GNSS and registration are left to
// the control loop.
func (s *Session) PowerOn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOff {
		return ErrPoweredOn
	}
	s.setState(StateBooting)

	var err error
	for attempt := 1; attempt <= s.opts.BootAttempts; attempt++ {
		if err = s.cmd.Ping(ctx); err == nil {
			break
		}
		s.log.Debug().Int("attempt", attempt).Err(err).Msg("modem not answering yet")
	}
	if err != nil {
		s.setState(StateOff)
		return fmt.Errorf("modem did not answer: %w", err)
	}

	// Identity reads are best-effort, the session runs without them.
	if id, err := s.cmd.MobileID(ctx); err == nil {
		s.mobileID = id
	} else {
		s.log.Warn().Err(err).Msg("mobile id query failed")
	}
	if fw, err := s.cmd.FirmwareVersion(ctx); err == nil {
		s.firmware = fw
	} else {
		s.log.Warn().Err(err).Msg("firmware query failed")
	}

	mask := transport.EventGnssFix | transport.EventRegistered |
		transport.EventMOComplete | transport.EventMTReceived |
		transport.EventNetworkChange
	if err := s.cmd.SetEventMask(ctx, mask); err != nil {
		s.log.Warn().Err(err).Msg("event mask not applied, poll-only operation")
	}
	if err := s.cmd.Configure(ctx, s.opts.Wakeup, s.opts.PowerMode); err != nil {
		s.log.Warn().Err(err).Msg("configure failed, modem keeps prior settings")
	}

	s.queue.Reset()
	s.announced = map[string]bool{}
	s.mon.Invalidate()
	s.setState(StateAwaitingGnss)
	s.log.Info().Str("mobile_id", s.mobileID).Str("firmware", s.firmware).
		Msg("modem answering, acquiring")
	return nil
}

// PowerOff shuts the session down. It always succeeds: a failed final
// exchange is logged and local state is forced to off regardless. Residual
// queue entries are discarded, the next power-on re-derives queue state from
// the modem. Taking the mutex defers the shutdown past any in-flight
// exchange rather than cutting a command in half.
func (s *Session) PowerOff(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateOff {
		return
	}
	if err := s.cmd.Configure(ctx, 0, 0); err != nil {
		s.log.Warn().Err(err).Msg("power-down exchange failed, forcing off")
	}
	s.queue.Reset()
	s.announced = map[string]bool{}
	s.lastErr = nil
	s.setState(StateOff)
}

// ============================================================================
// Application API
// ============================================================================

func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:         s.state.String(),
		MobileID:      s.mobileID,
		Firmware:      s.firmware,
		GnssFix:       s.net.GnssFix,
		Registered:    s.net.Registered,
		SignalQuality: s.net.SignalQuality,
		SNR:           s.net.SNR,
		Since:         s.since,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// SubmitMO queues an MO message. Submissions outside the registered state
// are rejected outright, never held back locally.
func (s *Session) SubmitMO(ctx context.Context, payload []byte) (queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered {
		return queue.Message{}, ErrNotRegistered
	}
	return s.queue.Submit(ctx, payload)
}

// PollMT lists MT messages announced by the modem and not yet retrieved.
func (s *Session) PollMT(ctx context.Context) ([]queue.MTSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOff || s.state == StateBooting {
		return nil, ErrPoweredOff
	}
	return s.listNewMT(ctx)
}

// RetrieveMT fetches a full MT payload and schedules its dequeue.
func (s *Session) RetrieveMT(ctx context.Context, id string) (queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOff || s.state == StateBooting {
		return queue.Message{}, ErrPoweredOff
	}
	msg, err := s.queue.RetrieveMT(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			delete(s.announced, id)
		}
		return queue.Message{}, err
	}
	delete(s.announced, id)
	s.sink.MTRetrieved(msg)
	s.queue.ServiceDequeues(ctx)
	return msg, nil
}

// MOMessage reports the tracked state of one MO message.
func (s *Session) MOMessage(id string) (queue.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.MOMessage(id)
}

// PendingMessages snapshots both queues for the API layer.
func (s *Session) PendingMessages() (mo, mt []queue.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.PendingMO(), s.queue.PendingMT()
}

// LocationQuery asks the modem for its last GNSS solution.
func (s *Session) LocationQuery(ctx context.Context) (transport.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOff || s.state == StateBooting {
		return transport.Location{}, ErrPoweredOff
	}
	loc, err := s.cmd.Location(ctx)
	if err != nil {
		return transport.Location{}, err
	}
	if !loc.FixValid {
		return transport.Location{}, ErrUnavailable
	}
	s.location = loc
	return loc, nil
}

// Reconfigure applies a new wakeup period and power mode through the modem.
// Values are validated first; the session state is untouched on rejection.
func (s *Session) Reconfigure(ctx context.Context, wakeup, powerMode int) error {
	if wakeup < 0 || wakeup > 11 {
		return fmt.Errorf("%w: wakeup period %d out of range 0..11", ErrConfig, wakeup)
	}
	if powerMode < 0 || powerMode > 4 {
		return fmt.Errorf("%w: power mode %d out of range 0..4", ErrConfig, powerMode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOff || s.state == StateBooting {
		return ErrPoweredOff
	}
	if err := s.cmd.Configure(ctx, wakeup, powerMode); err != nil {
		return err
	}
	s.opts.Wakeup = wakeup
	s.opts.PowerMode = powerMode
	return nil
}

// ============================================================================
// Notification entry points
// ============================================================================

// OnEventLinePulse is invoked on each hardware event-line edge.
func (s *Session) OnEventLinePulse() {
	s.pushHints(s.rec.OnEventLinePulse())
}

// OnURC is invoked with each unsolicited line read off the serial port.
func (s *Session) OnURC(raw string) {
	s.pushHints(s.rec.OnURC(raw))
}

func (s *Session) pushHints(hints []notify.Hint) {
	if len(hints) == 0 {
		return
	}
	s.hintMu.Lock()
	s.hints = append(s.hints, hints...)
	s.hintMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drainHints() []notify.Hint {
	s.hintMu.Lock()
	defer s.hintMu.Unlock()
	hints := s.hints
	s.hints = nil
	return hints
}

// ============================================================================
// Control loop
// ============================================================================

// Run services the session until ctx is cancelled. Each iteration wakes on
// the poll timer or on a notification, whichever fires first.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx, true)
		case <-s.wake:
			s.Step(ctx, false)
		}
	}
}

// Step runs one control-loop iteration. pollDue marks the periodic tick, as
// opposed to a notification-driven wake.
func (s *Session) Step(ctx context.Context, pollDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOff, StateBooting:
	case StateAwaitingGnss, StateAwaitingRegistration:
		s.advanceAcquisition(ctx)
	case StateRegistered:
		s.serviceRegistered(ctx, pollDue)
	}
}

// advanceAcquisition moves the session through fix and registration. A hint
// forces an early re-query but never a transition on its own: every
// transition rests on a direct status read.
func (s *Session) advanceAcquisition(ctx context.Context) {
	var forceGnss, forceReg bool
	for _, h := range s.drainHints() {
		switch h.Kind {
		case notify.KindGnss:
			forceGnss = true
		case notify.KindRegistration, notify.KindNetwork:
			forceReg = true
		case notify.KindEventLine:
			forceGnss, forceReg = true, true
		case notify.KindUnparseable:
			s.log.Warn().Str("raw", h.Raw).Msg("unparseable notification")
		}
	}

	if s.state == StateAwaitingGnss {
		fix, err := s.mon.GnssReady(ctx, forceGnss)
		if err != nil {
			s.fault(err, "gnss query")
			return
		}
		if !fix {
			return
		}
		s.setState(StateAwaitingRegistration)
	}

	reg, err := s.mon.RegistrationReady(ctx, forceReg)
	if err != nil {
		s.fault(err, "registration query")
		return
	}
	if !reg {
		return
	}
	s.enterRegistered(ctx)
}

func (s *Session) enterRegistered(ctx context.Context) {
	s.setState(StateRegistered)
	// Re-derive queue state: the modem may have cleared or reassigned IDs
	// while the session was down, so local entries start from enumeration.
	if _, err := s.listNewMT(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial mt enumeration failed")
	}
	if info, err := s.cmd.NetInfo(ctx); err == nil {
		s.net = info
	}
}

// serviceRegistered is the steady-state iteration. Ordering matters:
// regressions first (lost registration invalidates in-flight queue work),
// then MO completions, new MT arrivals, dequeue backlog, and only then the
// optional location query.
func (s *Session) serviceRegistered(ctx context.Context, pollDue bool) {
	hints := s.drainHints()
	if pollDue {
		flags, err := s.cmd.ActiveEvents(ctx)
		if err != nil {
			s.fault(err, "event poll")
		} else {
			hints = append(hints, s.rec.PollTick(flags)...)
		}
	}

	var checkNet, checkMT, sweepMO bool
	moIDs := map[string]bool{}
	for _, h := range hints {
		switch h.Kind {
		case notify.KindGnss, notify.KindRegistration, notify.KindNetwork:
			checkNet = true
		case notify.KindMOState:
			if h.ID != "" {
				moIDs[h.ID] = true
			} else {
				sweepMO = true
			}
		case notify.KindMTState:
			checkMT = true
		case notify.KindEventLine:
			checkNet, checkMT, sweepMO = true, true, true
		case notify.KindUnparseable:
			s.log.Warn().Str("raw", h.Raw).Msg("unparseable notification")
		}
	}

	if checkNet || pollDue {
		info, err := s.cmd.NetInfo(ctx)
		if err != nil {
			s.fault(err, "net info")
			return
		}
		s.net = info
		if !info.Registered {
			s.log.Warn().Msg("registration lost")
			s.mon.Invalidate()
			if info.GnssFix {
				s.setState(StateAwaitingRegistration)
			} else {
				s.setState(StateAwaitingGnss)
			}
			return
		}
	}

	// MO completions: hinted IDs plus, on poll ticks or a detail-less
	// completion event, every pending entry.
	if pollDue || sweepMO {
		for _, msg := range s.queue.PendingMO() {
			if !msg.State.TerminalMO() {
				moIDs[msg.ID] = true
			}
		}
	}
	for id := range moIDs {
		msg, err := s.queue.CheckMOStatus(ctx, id)
		if errors.Is(err, transport.ErrNotFound) {
			// Stale hint, the confirmatory query disproved it.
			s.log.Debug().Str("id", id).Msg("discarding stale mo notification")
			continue
		}
		if err != nil {
			s.fault(err, "mo status")
			continue
		}
		if msg.State.TerminalMO() {
			s.sink.MOCompleted(msg)
		}
	}

	if checkMT || pollDue {
		if _, err := s.listNewMT(ctx); err != nil {
			s.fault(err, "mt list")
		}
	}

	s.queue.ServiceDequeues(ctx)

	if s.opts.LocationInterval > 0 && s.now().Sub(s.lastLocation) >= s.opts.LocationInterval {
		loc, err := s.cmd.Location(ctx)
		if err != nil {
			s.fault(err, "location query")
		} else if loc.FixValid {
			s.location = loc
			s.lastLocation = s.now()
		}
	}
}

// listNewMT enumerates and announces fresh MT arrivals. Callers hold s.mu.
func (s *Session) listNewMT(ctx context.Context) ([]queue.MTSummary, error) {
	summaries, err := s.queue.ListNewMT(ctx)
	if err != nil {
		return nil, err
	}
	for _, sum := range summaries {
		if !s.announced[sum.ID] {
			s.announced[sum.ID] = true
			s.sink.MTAnnounced(sum)
		}
	}
	return summaries, nil
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.since = time.Now()
	s.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("session state")
	s.sink.StateChanged(from, to)
}

func (s *Session) fault(err error, op string) {
	s.lastErr = err
	s.log.Warn().Err(err).Str("op", op).Msg("control loop fault")
}
