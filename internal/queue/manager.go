package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"satlink/internal/transport"
)

// entry wraps a Message with manager bookkeeping. Never exposed by reference.
type entry struct {
	msg            Message
	retries        int
	lastPoll       time.Time
	pendingDequeue bool
}

// Options tune the manager's transport retry policy.
type Options struct {
	MaxRetries int
	Backoff    time.Duration
}

// Manager tracks in-flight MO and MT messages and drives their lifecycle
// over the Commander. Transport failures are retried with bounded
// exponential backoff; modem rejections are surfaced immediately.
type Manager struct {
	cmd  transport.Commander
	log  zerolog.Logger
	opts Options

	mo map[string]*entry
	mt map[string]*entry

	// stateKnown is false until a fresh MT enumeration has run, which is
	// how post-reboot queue state stops being untrusted.
	stateKnown bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager over cmd. The Manager is not safe for
// concurrent use; the session serializes access.
func NewManager(cmd transport.Commander, opts Options, log zerolog.Logger) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Manager{
		cmd:   cmd,
		log:   log.With().Str("component", "queue").Logger(),
		opts:  opts,
		mo:    map[string]*entry{},
		mt:    map[string]*entry{},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn, retrying transport-level failures with exponential
// backoff. Modem rejections and context cancellation pass through.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := m.opts.Backoff
	var err error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			m.log.Debug().Str("op", op).Int("attempt", attempt).Msg("retrying after transport error")
			if serr := m.sleep(ctx, backoff); serr != nil {
				return serr
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || !transport.IsTransport(err) {
			return err
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

// Submit sends an MO payload and begins tracking it under the modem's
// assigned ID. Rejections (e.g. queue full) are returned for the caller to
// back off on; they are not retried here.
func (m *Manager) Submit(ctx context.Context, payload []byte) (Message, error) {
	var id string
	err := m.withRetry(ctx, "submit mo", func() error {
		var err error
		id, err = m.cmd.SubmitMO(ctx, payload)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        id,
		Token:     uuid.New(),
		Direction: MO,
		State:     StateSubmitted,
		Payload:   append([]byte(nil), payload...),
		Size:      len(payload),
		Created:   time.Now().UTC(),
	}
	m.mo[id] = &entry{msg: msg}
	m.log.Info().Str("id", id).Int("size", msg.Size).Msg("mo message submitted")
	return msg, nil
}

// CheckMOStatus polls the modem for an MO message's completion. Terminal
// dispositions flag the entry for dequeue. Unknown IDs return ErrNotFound.
// A modem-side NotFound for a tracked entry (message cleared behind our
// back) prunes the local entry and is reported, matching RetrieveMT.
func (m *Manager) CheckMOStatus(ctx context.Context, id string) (Message, error) {
	e, ok := m.mo[id]
	if !ok {
		return Message{}, fmt.Errorf("mo %s: %w", id, transport.ErrNotFound)
	}

	var disp transport.MODisposition
	err := m.withRetry(ctx, "mo status", func() error {
		var err error
		disp, err = m.cmd.MOStatus(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			delete(m.mo, id)
			m.log.Warn().Str("id", id).Str("state", e.msg.State.String()).
				Msg("mo message gone from modem before completion")
		}
		return Message{}, err
	}
	e.lastPoll = time.Now().UTC()

	if !disp.Terminal() {
		if e.msg.State == StateSubmitted {
			e.msg.State = StatePending
		}
		return e.msg, nil
	}
	switch disp {
	case transport.MODelivered:
		m.complete(e, StateDelivered)
	case transport.MOFailed:
		m.complete(e, StateFailed)
	case transport.MOCancelled:
		m.complete(e, StateCancelled)
	}
	return e.msg, nil
}

func (m *Manager) complete(e *entry, s State) {
	if e.msg.State.TerminalMO() {
		return // duplicate completion report
	}
	e.msg.State = s
	e.msg.Completed = time.Now().UTC()
	e.pendingDequeue = true
	m.log.Info().Str("id", e.msg.ID).Str("state", s.String()).Msg("mo message complete")
}

// ListNewMT enumerates MT messages the modem holds that are not yet
// retrieved locally. The returned slice is a single snapshot of one
// enumeration exchange. Newly announced messages begin local tracking; the
// enumeration also marks queue state as known after a power cycle.
func (m *Manager) ListNewMT(ctx context.Context) ([]MTSummary, error) {
	var listed []transport.MTEntry
	err := m.withRetry(ctx, "list mt", func() error {
		var err error
		listed, err = m.cmd.ListMT(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.stateKnown = true

	var summaries []MTSummary
	for _, le := range listed {
		e, tracked := m.mt[le.ID]
		if !tracked {
			e = &entry{msg: Message{
				ID:        le.ID,
				Token:     uuid.New(),
				Direction: MT,
				State:     StateAnnounced,
				Size:      le.Size,
				Created:   time.Now().UTC(),
			}}
			m.mt[le.ID] = e
			m.log.Info().Str("id", le.ID).Int("size", le.Size).Msg("mt message announced")
		}
		if e.msg.State == StateAnnounced {
			summaries = append(summaries, MTSummary{ID: le.ID, Size: le.Size})
		}
	}
	return summaries, nil
}

// RetrieveMT fetches an MT message's full payload. A modem-side NotFound
// (message expired or cleared) prunes the local entry and is reported, not
// retried.
func (m *Manager) RetrieveMT(ctx context.Context, id string) (Message, error) {
	e, ok := m.mt[id]
	if !ok {
		return Message{}, fmt.Errorf("mt %s: %w", id, transport.ErrNotFound)
	}
	e.msg.State = StateRetrieving

	var payload []byte
	err := m.withRetry(ctx, "retrieve mt", func() error {
		var err error
		payload, err = m.cmd.RetrieveMT(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			delete(m.mt, id)
			m.log.Warn().Str("id", id).Msg("mt message gone from modem before retrieval")
		} else {
			e.msg.State = StateAnnounced // retry-able on a later pass
		}
		return Message{}, err
	}

	e.msg.State = StateRetrieved
	e.msg.Payload = payload
	e.msg.Size = len(payload)
	e.msg.Completed = time.Now().UTC()
	e.pendingDequeue = true
	m.log.Info().Str("id", id).Int("size", len(payload)).Msg("mt message retrieved")
	return e.msg, nil
}

// DequeueMO acknowledges a completed MO message to the modem, freeing its
// buffer slot. Idempotent: an unknown or already-dequeued ID is a no-op
// success, because the notification channels can report the same completion
// more than once. The local entry is pruned only on modem acknowledgment.
func (m *Manager) DequeueMO(ctx context.Context, id string) error {
	e, ok := m.mo[id]
	if !ok {
		return nil
	}
	if !e.msg.State.TerminalMO() {
		return fmt.Errorf("mo %s in state %s: %w", id, e.msg.State, ErrNotReady)
	}
	return m.dequeue(ctx, id, e, m.mo, m.cmd.DequeueMO)
}

// DequeueMT acknowledges a retrieved MT message. Same idempotence contract
// as DequeueMO; requires the entry to have passed through Retrieved.
func (m *Manager) DequeueMT(ctx context.Context, id string) error {
	e, ok := m.mt[id]
	if !ok {
		return nil
	}
	if e.msg.State != StateRetrieved {
		return fmt.Errorf("mt %s in state %s: %w", id, e.msg.State, ErrNotReady)
	}
	return m.dequeue(ctx, id, e, m.mt, m.cmd.DequeueMT)
}

func (m *Manager) dequeue(ctx context.Context, id string, e *entry,
	table map[string]*entry, op func(context.Context, string) error) error {

	err := m.withRetry(ctx, "dequeue "+e.msg.Direction.String(), func() error {
		return op(ctx, id)
	})
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotFound):
		// Modem already cleared it; treat as acknowledged.
	default:
		// Not acknowledged: leave the entry pending so a later pass retries.
		e.pendingDequeue = true
		return err
	}

	e.msg.State = StateDequeued
	delete(table, id)
	m.log.Info().Str("id", id).Str("dir", e.msg.Direction.String()).Msg("message dequeued")
	return nil
}

// ServiceDequeues retries every entry in a terminal-but-undequeued state.
// Called each control-loop iteration; errors are logged and left for the
// next pass so a degraded link cannot wedge the loop.
func (m *Manager) ServiceDequeues(ctx context.Context) {
	for id, e := range m.mo {
		if e.pendingDequeue {
			if err := m.DequeueMO(ctx, id); err != nil {
				m.log.Warn().Err(err).Str("id", id).Msg("mo dequeue deferred")
			}
		}
	}
	for id, e := range m.mt {
		if e.pendingDequeue {
			if err := m.DequeueMT(ctx, id); err != nil {
				m.log.Warn().Err(err).Str("id", id).Msg("mt dequeue deferred")
			}
		}
	}
}

// PendingMO returns copies of MO entries that have not reached Dequeued.
func (m *Manager) PendingMO() []Message {
	var msgs []Message
	for _, e := range m.mo {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

// PendingMT returns copies of tracked MT entries.
func (m *Manager) PendingMT() []Message {
	var msgs []Message
	for _, e := range m.mt {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

// MOMessage returns a copy of one tracked MO message.
func (m *Manager) MOMessage(id string) (Message, bool) {
	e, ok := m.mo[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// StateKnown reports whether queue state has been re-derived from the modem
// since the last power cycle.
func (m *Manager) StateKnown() bool { return m.stateKnown }

// Reset discards all local tracking. Used at power-down: the modem may
// clear or reassign IDs across a power cycle, so stale entries must never
// survive into a new session.
func (m *Manager) Reset() {
	n := len(m.mo) + len(m.mt)
	m.mo = map[string]*entry{}
	m.mt = map[string]*entry{}
	m.stateKnown = false
	if n > 0 {
		m.log.Info().Int("discarded", n).Msg("queue tracking reset")
	}
}
