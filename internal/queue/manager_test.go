package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"satlink/internal/transport"
	"satlink/internal/transport/transporttest"
)

func newTestManager(modem *transporttest.Modem) *Manager {
	m := NewManager(modem, Options{MaxRetries: 2, Backoff: time.Millisecond}, zerolog.Nop())
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestMOLifecycle(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	msg, err := mgr.Submit(ctx, make([]byte, 100))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("no modem-assigned id")
	}
	if msg.Size != 100 {
		t.Errorf("size = %d, want 100", msg.Size)
	}

	got, err := mgr.CheckMOStatus(ctx, msg.ID)
	if err != nil {
		t.Fatalf("CheckMOStatus: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}

	modem.CompleteMO(msg.ID, transport.MODelivered)
	got, err = mgr.CheckMOStatus(ctx, msg.ID)
	if err != nil {
		t.Fatalf("CheckMOStatus after delivery: %v", err)
	}
	if got.State != StateDelivered {
		t.Errorf("state = %s, want delivered", got.State)
	}
	if got.Completed.IsZero() {
		t.Error("completion timestamp not set")
	}

	if err := mgr.DequeueMO(ctx, msg.ID); err != nil {
		t.Fatalf("DequeueMO: %v", err)
	}
	if modem.MOQueueLen() != 0 {
		t.Error("modem buffer slot not freed")
	}

	if _, err := mgr.CheckMOStatus(ctx, msg.ID); !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("post-dequeue status err = %v, want ErrNotFound", err)
	}
}

func TestMODequeueRequiresTerminalState(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	msg, err := mgr.Submit(ctx, []byte{1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := mgr.DequeueMO(ctx, msg.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("dequeue of pending mo err = %v, want ErrNotReady", err)
	}
}

func TestMTLifecycle(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	modem.AddMT("3", payload)

	summaries, err := mgr.ListNewMT(ctx)
	if err != nil {
		t.Fatalf("ListNewMT: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "3" || summaries[0].Size != 40 {
		t.Fatalf("summaries = %+v", summaries)
	}

	msg, err := mgr.RetrieveMT(ctx, "3")
	if err != nil {
		t.Fatalf("RetrieveMT: %v", err)
	}
	if msg.State != StateRetrieved {
		t.Errorf("state = %s, want retrieved", msg.State)
	}
	if len(msg.Payload) != 40 {
		t.Errorf("payload size = %d, want 40", len(msg.Payload))
	}

	if err := mgr.DequeueMT(ctx, "3"); err != nil {
		t.Fatalf("DequeueMT: %v", err)
	}

	summaries, err = mgr.ListNewMT(ctx)
	if err != nil {
		t.Fatalf("ListNewMT after dequeue: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("dequeued message listed again: %+v", summaries)
	}
}

func TestMTDequeueRequiresRetrieved(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	modem.AddMT("3", []byte{1, 2})
	if _, err := mgr.ListNewMT(ctx); err != nil {
		t.Fatalf("ListNewMT: %v", err)
	}

	// Announced but not retrieved: the dequeue must be refused locally.
	if err := mgr.DequeueMT(ctx, "3"); !errors.Is(err, ErrNotReady) {
		t.Errorf("dequeue of announced mt err = %v, want ErrNotReady", err)
	}
}

func TestDequeueIdempotent(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	msg, _ := mgr.Submit(ctx, []byte{1})
	modem.CompleteMO(msg.ID, transport.MODelivered)
	mgr.CheckMOStatus(ctx, msg.ID)

	modem.AddMT("3", []byte{9})
	mgr.ListNewMT(ctx)
	mgr.RetrieveMT(ctx, "3")

	for i := 0; i < 2; i++ {
		if err := mgr.DequeueMO(ctx, msg.ID); err != nil {
			t.Errorf("DequeueMO call %d: %v", i+1, err)
		}
		if err := mgr.DequeueMT(ctx, "3"); err != nil {
			t.Errorf("DequeueMT call %d: %v", i+1, err)
		}
	}
}

func TestDequeueMTModemAlreadyCleared(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	modem.AddMT("5", []byte{1})
	mgr.ListNewMT(ctx)
	mgr.RetrieveMT(ctx, "5")

	// The modem clears the message on its own (e.g. duplicate dequeue
	// raced a completion report). The local dequeue must still succeed.
	modem.DequeueMT(ctx, "5")
	if err := mgr.DequeueMT(ctx, "5"); err != nil {
		t.Errorf("dequeue after modem-side clear: %v", err)
	}
	if len(mgr.PendingMT()) != 0 {
		t.Error("entry not pruned after modem-side clear")
	}
}

func TestDequeueKeptPendingOnTransportFailure(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	modem.AddMT("4", []byte{7})
	mgr.ListNewMT(ctx)
	mgr.RetrieveMT(ctx, "4")

	modem.FailAll = &transport.Error{Kind: transport.KindTimeout, Msg: "link down"}
	if err := mgr.DequeueMT(ctx, "4"); err == nil {
		t.Fatal("expected dequeue failure on dead link")
	}
	if len(mgr.PendingMT()) != 1 {
		t.Fatal("entry pruned despite unacknowledged dequeue")
	}

	// Link recovers; the periodic pass clears the backlog.
	modem.FailAll = nil
	mgr.ServiceDequeues(ctx)
	if len(mgr.PendingMT()) != 0 {
		t.Error("pending dequeue not serviced after link recovery")
	}
	if modem.MTQueueLen() != 0 {
		t.Error("modem still holds the message")
	}
}

func TestSubmitRejectedNotRetried(t *testing.T) {
	modem := transporttest.NewModem()
	modem.SubmitLimit = 1
	mgr := newTestManager(modem)
	ctx := context.Background()

	if _, err := mgr.Submit(ctx, []byte{1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := mgr.Submit(ctx, []byte{2})
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if len(mgr.PendingMO()) != 1 {
		t.Error("rejected submit must not create a tracking entry")
	}
}

func TestSubmitRetriesTransportError(t *testing.T) {
	modem := transporttest.NewModem()
	modem.NextErr = &transport.Error{Kind: transport.KindTimeout, Msg: "AT%MGRT"}
	mgr := newTestManager(modem)

	msg, err := mgr.Submit(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Submit should retry past a single timeout: %v", err)
	}
	if msg.ID == "" {
		t.Error("no id after retried submit")
	}
}

func TestSubmitRetriesExhausted(t *testing.T) {
	modem := transporttest.NewModem()
	modem.FailAll = &transport.Error{Kind: transport.KindTimeout, Msg: "AT%MGRT"}
	mgr := newTestManager(modem)

	_, err := mgr.Submit(context.Background(), []byte{1})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !transport.IsTransport(err) {
		t.Errorf("err = %v, want wrapped transport error", err)
	}
}

func TestRetrieveMTGoneFromModem(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	modem.AddMT("9", []byte{1})
	mgr.ListNewMT(ctx)
	modem.DequeueMT(ctx, "9") // expires on the modem side

	_, err := mgr.RetrieveMT(ctx, "9")
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(mgr.PendingMT()) != 0 {
		t.Error("expired entry still tracked")
	}
}

func TestCheckMOStatusGoneFromModem(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	msg, err := mgr.Submit(ctx, []byte{1, 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	modem.DequeueMO(ctx, msg.ID) // cleared behind the manager's back

	_, err = mgr.CheckMOStatus(ctx, msg.ID)
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(mgr.PendingMO()) != 0 {
		t.Error("vanished entry still tracked")
	}

	// The pruned id behaves like any unknown id from here on.
	_, err = mgr.CheckMOStatus(ctx, msg.ID)
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("repeat check err = %v, want ErrNotFound", err)
	}
}

func TestReset(t *testing.T) {
	modem := transporttest.NewModem()
	mgr := newTestManager(modem)
	ctx := context.Background()

	mgr.Submit(ctx, []byte{1})
	modem.AddMT("3", []byte{2})
	mgr.ListNewMT(ctx)
	if !mgr.StateKnown() {
		t.Fatal("enumeration should mark state known")
	}

	mgr.Reset()
	if mgr.StateKnown() {
		t.Error("reset must mark queue state unknown")
	}
	if len(mgr.PendingMO()) != 0 || len(mgr.PendingMT()) != 0 {
		t.Error("reset left tracked entries")
	}

	// Re-derivation: the modem still holds both; a fresh enumeration
	// re-announces the MT message under its modem ID.
	summaries, err := mgr.ListNewMT(ctx)
	if err != nil {
		t.Fatalf("ListNewMT after reset: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "3" {
		t.Errorf("re-derived summaries = %+v", summaries)
	}
	if !mgr.StateKnown() {
		t.Error("state still unknown after fresh enumeration")
	}
}
