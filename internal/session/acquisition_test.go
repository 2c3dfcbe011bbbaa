package session

import (
	"context"
	"testing"
	"time"

	"satlink/internal/transport"
	"satlink/internal/transport/transporttest"
)

func TestMonitorRespectsRequeryInterval(t *testing.T) {
	modem := transporttest.NewModem()
	m := NewMonitor(modem, time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	fix, err := m.GnssReady(ctx, false)
	if err != nil || fix {
		t.Fatalf("initial GnssReady = %v, %v", fix, err)
	}

	// The fix arrives, but within the interval the cached answer stands.
	modem.SetAcquired(true, false)
	fix, err = m.GnssReady(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if fix {
		t.Error("re-queried inside the interval")
	}

	clock = clock.Add(2 * time.Minute)
	fix, err = m.GnssReady(ctx, false)
	if err != nil || !fix {
		t.Fatalf("after interval GnssReady = %v, %v", fix, err)
	}
}

func TestMonitorForceBypassesInterval(t *testing.T) {
	modem := transporttest.NewModem()
	m := NewMonitor(modem, time.Hour)
	ctx := context.Background()

	if reg, _ := m.RegistrationReady(ctx, false); reg {
		t.Fatal("registered before attach")
	}
	modem.SetAcquired(true, true)
	if reg, _ := m.RegistrationReady(ctx, false); reg {
		t.Fatal("interval ignored without force")
	}
	reg, err := m.RegistrationReady(ctx, true)
	if err != nil || !reg {
		t.Fatalf("forced RegistrationReady = %v, %v", reg, err)
	}
}

func TestMonitorSurfacesTransportError(t *testing.T) {
	modem := transporttest.NewModem()
	modem.FailAll = &transport.Error{Kind: transport.KindTimeout, Msg: "%GNSS?"}
	m := NewMonitor(modem, 0)

	if _, err := m.GnssReady(context.Background(), false); !transport.IsTransport(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
}
