package notify

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"satlink/internal/transport"
)

// fakeClock lets tests step through the coalescing window.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReconciler(window time.Duration) (*Reconciler, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1756500000, 0)}
	r := NewReconciler(window)
	r.now = clock.now
	return r, clock
}

func TestOnURCParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
		id   string
	}{
		{"mt with id", `%EVNT: MT,"3"`, KindMTState, "3"},
		{"mo with id", `%EVNT: MO,"7"`, KindMOState, "7"},
		{"gnss", "%EVNT: GNSS,1", KindGnss, ""},
		{"registration", "%EVNT: REG,10", KindRegistration, ""},
		{"network", "%EVNT: NET,4", KindNetwork, ""},
		{"garbage", "+CRNG noise", KindUnparseable, ""},
		{"unknown topic", "%EVNT: XYZ,1", KindUnparseable, ""},
		{"mt missing id", "%EVNT: MT,", KindUnparseable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestReconciler(time.Second)
			hints := r.OnURC(tt.raw)
			if len(hints) != 1 {
				t.Fatalf("got %d hints, want 1", len(hints))
			}
			if hints[0].Kind != tt.kind {
				t.Errorf("kind = %v, want %v", hints[0].Kind, tt.kind)
			}
			if hints[0].ID != tt.id {
				t.Errorf("id = %q, want %q", hints[0].ID, tt.id)
			}
		})
	}
}

func TestURCBurstCoalesced(t *testing.T) {
	r, clock := newTestReconciler(2 * time.Second)

	if got := len(r.OnURC(`%EVNT: MT,"3"`)); got != 1 {
		t.Fatalf("first URC: %d hints, want 1", got)
	}
	for i := 0; i < 5; i++ {
		clock.advance(100 * time.Millisecond)
		if got := len(r.OnURC(`%EVNT: MT,"3"`)); got != 0 {
			t.Fatalf("burst URC %d surfaced a duplicate hint", i)
		}
	}

	// A different message is a distinct change.
	if got := len(r.OnURC(`%EVNT: MT,"4"`)); got != 1 {
		t.Errorf("different id suppressed: %d hints, want 1", got)
	}

	// Past the window the same id is a new change.
	clock.advance(3 * time.Second)
	if got := len(r.OnURC(`%EVNT: MT,"3"`)); got != 1 {
		t.Errorf("post-window URC suppressed: %d hints, want 1", got)
	}
}

func TestPollAfterURCSuppressed(t *testing.T) {
	r, clock := newTestReconciler(2 * time.Second)

	r.OnURC(`%EVNT: MT,"3"`)
	clock.advance(time.Second)

	// The poll confirms the same arrival; the id-less flag must not
	// surface a second hint inside the window.
	if hints := r.PollTick(transport.EventMTReceived); len(hints) != 0 {
		t.Errorf("poll duplicated URC hint: %v", hints)
	}

	clock.advance(2 * time.Second)
	if hints := r.PollTick(transport.EventMTReceived); len(hints) != 1 {
		t.Errorf("fresh poll flag suppressed: %v", hints)
	}
}

func TestPollTickFlags(t *testing.T) {
	r, _ := newTestReconciler(time.Second)

	flags := transport.EventGnssFix | transport.EventMOComplete | transport.EventMTReceived
	hints := r.PollTick(flags)
	if len(hints) != 3 {
		t.Fatalf("got %d hints, want 3: %v", len(hints), hints)
	}
	kinds := map[Kind]bool{}
	for _, h := range hints {
		kinds[h.Kind] = true
	}
	for _, want := range []Kind{KindGnss, KindMOState, KindMTState} {
		if !kinds[want] {
			t.Errorf("missing %v hint", want)
		}
	}
}

func TestEventLinePulseCoalesced(t *testing.T) {
	r, clock := newTestReconciler(2 * time.Second)

	if got := len(r.OnEventLinePulse()); got != 1 {
		t.Fatalf("first pulse: %d hints, want 1", got)
	}
	if got := len(r.OnEventLinePulse()); got != 0 {
		t.Errorf("bounce pulse surfaced a hint")
	}
	clock.advance(3 * time.Second)
	if got := len(r.OnEventLinePulse()); got != 1 {
		t.Errorf("post-window pulse suppressed")
	}
}

func TestExpiredIDRecordsEvicted(t *testing.T) {
	r, clock := newTestReconciler(2 * time.Second)

	for i := 0; i < 50; i++ {
		r.OnURC(fmt.Sprintf("%%EVNT: MT,%q", strconv.Itoa(i)))
	}
	if len(r.byID) != 50 {
		t.Fatalf("byID holds %d records, want 50", len(r.byID))
	}

	clock.advance(3 * time.Second)
	if got := len(r.OnURC(`%EVNT: MT,"50"`)); got != 1 {
		t.Fatalf("fresh URC suppressed after window")
	}
	if len(r.byID) != 1 {
		t.Errorf("byID holds %d records after window, want 1", len(r.byID))
	}
}

func TestUnparseableBypassesDedup(t *testing.T) {
	r, _ := newTestReconciler(time.Minute)
	for i := 0; i < 3; i++ {
		hints := r.OnURC("garbled \xff text")
		if len(hints) != 1 || hints[0].Kind != KindUnparseable {
			t.Fatalf("unparseable URC %d: %v", i, hints)
		}
		if hints[0].Raw == "" {
			t.Error("raw text not preserved for logging")
		}
	}
}
