// Package notify reconciles the three overlapping modem notification
// channels (status poll, hardware event line, URC) into one deduplicated
// hint stream. Hints are advisory: the session confirms every one with a
// direct query before acting on it.
package notify

import (
	"strings"
	"sync"
	"time"

	"satlink/internal/transport"
)

// Kind labels what a hint is about.
type Kind int

const (
	// KindEventLine is a bare "something changed" pulse with no detail;
	// the consumer reads the modem's latched event register to refine it.
	KindEventLine Kind = iota
	KindGnss
	KindRegistration
	KindMOState
	KindMTState
	KindNetwork
	// KindUnparseable marks URC text that did not match the event grammar.
	// Consumers log and drop it.
	KindUnparseable
)

func (k Kind) String() string {
	switch k {
	case KindEventLine:
		return "event-line"
	case KindGnss:
		return "gnss"
	case KindRegistration:
		return "registration"
	case KindMOState:
		return "mo-state"
	case KindMTState:
		return "mt-state"
	case KindNetwork:
		return "network"
	default:
		return "unparseable"
	}
}

// Hint is one deduplicated change notification. ID is set only when the
// source named a specific message; Raw carries the original URC text for
// unparseable hints.
type Hint struct {
	Kind Kind
	ID   string
	Raw  string
}

// Reconciler deduplicates hints by (kind, id) within a coalescing window so
// a burst of notifications for the same underlying change surfaces at most
// once. It never talks to the transport.
type Reconciler struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	// byID tracks the last emit per kind+id; byKind tracks the last emit
	// per kind regardless of id, so an id-less poll flag arriving right
	// after an id-carrying URC for the same change is suppressed.
	byID   map[string]time.Time
	byKind map[Kind]time.Time
}

// NewReconciler creates a Reconciler with the given coalescing window.
func NewReconciler(window time.Duration) *Reconciler {
	return &Reconciler{
		window: window,
		now:    time.Now,
		byID:   map[string]time.Time{},
		byKind: map[Kind]time.Time{},
	}
}

// PollTick converts a freshly read event register into hints. The caller has
// already fetched the flags from the modem; the reconciler only filters.
func (r *Reconciler) PollTick(flags transport.EventFlags) []Hint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hints []Hint
	add := func(k Kind) {
		if h, ok := r.admit(Hint{Kind: k}); ok {
			hints = append(hints, h)
		}
	}
	if flags&transport.EventGnssFix != 0 {
		add(KindGnss)
	}
	if flags&transport.EventRegistered != 0 {
		add(KindRegistration)
	}
	if flags&transport.EventMOComplete != 0 {
		add(KindMOState)
	}
	if flags&transport.EventMTReceived != 0 {
		add(KindMTState)
	}
	if flags&(transport.EventNetworkChange|transport.EventWakeupChange) != 0 {
		add(KindNetwork)
	}
	return hints
}

// OnEventLinePulse records a hardware event-line edge. The pulse carries no
// detail; repeated pulses inside the window coalesce to one hint.
func (r *Reconciler) OnEventLinePulse() []Hint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.admit(Hint{Kind: KindEventLine}); ok {
		return []Hint{h}
	}
	return nil
}

// OnURC parses one unsolicited result code line. Malformed text yields an
// unparseable hint rather than an error.
func (r *Reconciler) OnURC(raw string) []Hint {
	r.mu.Lock()
	defer r.mu.Unlock()

	hint, ok := parseURC(raw)
	if !ok {
		// Unparseable hints bypass dedup; each one is surfaced for logging.
		return []Hint{{Kind: KindUnparseable, Raw: raw}}
	}
	if h, admitted := r.admit(hint); admitted {
		return []Hint{h}
	}
	return nil
}

// admit applies the coalescing window. Caller holds r.mu. Per-id records
// older than the window can no longer suppress anything, so they are
// evicted here to keep the map bounded over a long session.
func (r *Reconciler) admit(h Hint) (Hint, bool) {
	now := r.now()
	for key, last := range r.byID {
		if now.Sub(last) >= r.window {
			delete(r.byID, key)
		}
	}
	kindLast := r.byKind[h.Kind]

	if h.ID == "" {
		if now.Sub(kindLast) < r.window {
			return Hint{}, false
		}
	} else {
		key := h.Kind.String() + "/" + h.ID
		if now.Sub(r.byID[key]) < r.window {
			return Hint{}, false
		}
		r.byID[key] = now
	}
	r.byKind[h.Kind] = now
	return h, true
}

// parseURC matches the families' shared event grammar:
//
//	%EVNT: MT,"<id>"
//	%EVNT: MO,"<id>"
//	%EVNT: GNSS,<0|1>
//	%EVNT: REG,<state>
//	%EVNT: NET,<state>
func parseURC(raw string) (Hint, bool) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), "%EVNT:")
	if !ok {
		return Hint{}, false
	}
	topic, arg, _ := strings.Cut(strings.TrimSpace(body), ",")
	arg = strings.Trim(strings.TrimSpace(arg), `"`)

	switch strings.ToUpper(strings.TrimSpace(topic)) {
	case "MT":
		if arg == "" {
			return Hint{}, false
		}
		return Hint{Kind: KindMTState, ID: arg, Raw: raw}, true
	case "MO":
		if arg == "" {
			return Hint{}, false
		}
		return Hint{Kind: KindMOState, ID: arg, Raw: raw}, true
	case "GNSS":
		return Hint{Kind: KindGnss, Raw: raw}, true
	case "REG":
		return Hint{Kind: KindRegistration, Raw: raw}, true
	case "NET":
		return Hint{Kind: KindNetwork, Raw: raw}, true
	default:
		return Hint{}, false
	}
}
