// Package transporttest provides in-memory fakes for driving session and
// queue tests without a serial device.
package transporttest

import (
	"context"
	"strings"
	"sync"

	"satlink/internal/transport"
)

// Exchange is one scripted command/response pair. Commands match by prefix.
type Exchange struct {
	Prefix   string
	Response string
	Err      error
}

// Port is a scripted transport.Port. Each Send is matched against the
// script in order; unmatched commands answer plain OK.
type Port struct {
	mu     sync.Mutex
	script []Exchange
	sent   []string
	urcs   chan string
	closed bool
}

func NewPort(script ...Exchange) *Port {
	return &Port{script: script, urcs: make(chan string, 16)}
}

func (p *Port) Send(_ context.Context, cmd string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", transport.ErrClosed
	}
	p.sent = append(p.sent, cmd)
	for _, ex := range p.script {
		if strings.HasPrefix(cmd, ex.Prefix) {
			if ex.Err != nil {
				return "", ex.Err
			}
			return ex.Response, nil
		}
	}
	return "OK\n", nil
}

func (p *Port) URCs() <-chan string { return p.urcs }

// InjectURC delivers an unsolicited line as the serial reader would.
func (p *Port) InjectURC(line string) { p.urcs <- line }

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Sent returns the commands sent so far.
func (p *Port) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// CountSent returns how many sent commands start with prefix.
func (p *Port) CountSent(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cmd := range p.sent {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}
