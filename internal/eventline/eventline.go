// Package eventline watches the modem's hardware notification line through
// the sysfs GPIO interface and turns rising edges into session pulses. The
// line is optional: links wired without it fall back to pure polling.
package eventline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Watcher struct {
	pin      int
	interval time.Duration
	pulse    func()
	log      zerolog.Logger

	valuePath string
	last      int
}

// NewWatcher prepares pin for input. pulse is invoked once per rising edge.
func NewWatcher(pin int, interval time.Duration, pulse func(), log zerolog.Logger) (*Watcher, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	w := &Watcher{
		pin:       pin,
		interval:  interval,
		pulse:     pulse,
		log:       log,
		valuePath: fmt.Sprintf("/sys/class/gpio/gpio%d/value", pin),
	}

	if _, err := os.Stat(w.valuePath); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(pin)), 0644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
		// The kernel needs a moment to create the pin directory.
		time.Sleep(100 * time.Millisecond)
	}
	dirPath := fmt.Sprintf("/sys/class/gpio/gpio%d/direction", pin)
	if err := os.WriteFile(dirPath, []byte("in"), 0644); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", pin, err)
	}

	v, err := w.read()
	if err != nil {
		return nil, err
	}
	w.last = v
	return w, nil
}

func (w *Watcher) read() (int, error) {
	data, err := os.ReadFile(w.valuePath)
	if err != nil {
		return 0, fmt.Errorf("read gpio %d: %w", w.pin, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("gpio %d value %q: %w", w.pin, data, err)
	}
	return v, nil
}

// Run polls the line until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Int("pin", w.pin).Msg("event line armed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v, err := w.read()
			if err != nil {
				w.log.Warn().Err(err).Msg("event line read failed")
				continue
			}
			if v == 1 && w.last == 0 {
				w.pulse()
			}
			w.last = v
		}
	}
}
