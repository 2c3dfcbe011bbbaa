package session

import (
	"context"
	"time"

	"satlink/internal/transport"
)

// Monitor paces GNSS-fix and registration queries. The satellite link budget
// is tight, so the same status question is not asked again before the
// configured interval elapses unless a notification hint forces an early
// re-check. Not-ready is a normal answer, not an error.
type Monitor struct {
	cmd      transport.Commander
	interval time.Duration
	now      func() time.Time

	lastGnss time.Time
	gnss     bool
	lastReg  time.Time
	reg      bool
}

func NewMonitor(cmd transport.Commander, interval time.Duration) *Monitor {
	return &Monitor{cmd: cmd, interval: interval, now: time.Now}
}

// GnssReady reports whether the modem has a valid fix. force bypasses the
// re-query interval; it is set when a GNSS hint arrived since the last check.
func (m *Monitor) GnssReady(ctx context.Context, force bool) (bool, error) {
	if !force && !m.lastGnss.IsZero() && m.now().Sub(m.lastGnss) < m.interval {
		return m.gnss, nil
	}
	fix, err := m.cmd.GnssFix(ctx)
	if err != nil {
		return false, err
	}
	m.gnss = fix
	m.lastGnss = m.now()
	return fix, nil
}

// RegistrationReady reports whether the modem is attached to the network.
func (m *Monitor) RegistrationReady(ctx context.Context, force bool) (bool, error) {
	if !force && !m.lastReg.IsZero() && m.now().Sub(m.lastReg) < m.interval {
		return m.reg, nil
	}
	reg, err := m.cmd.Registration(ctx)
	if err != nil {
		return false, err
	}
	m.reg = reg
	m.lastReg = m.now()
	return reg, nil
}

// Invalidate forgets cached answers so the next call queries the modem.
func (m *Monitor) Invalidate() {
	m.lastGnss = time.Time{}
	m.lastReg = time.Time{}
}
