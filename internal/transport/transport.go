// Package transport is the request/response channel to the satellite modem.
//
// A Port carries raw command strings and returns raw responses; the
// Commander strategies (one per protocol family) translate typed session
// operations into the family's concrete command set. Unsolicited result
// codes arriving outside a command exchange are surfaced on a separate
// channel, never mixed into a response.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrKind classifies a transport-level failure.
type ErrKind int

const (
	// KindTimeout means the modem did not answer within the deadline.
	KindTimeout ErrKind = iota
	// KindMalformed means the modem answered with data that could not be framed.
	KindMalformed
	// KindNak means the link layer refused the exchange (e.g. CRC mismatch).
	KindNak
)

func (k ErrKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindNak:
		return "nak"
	default:
		return "unknown"
	}
}

// Error is a transient transport failure. Callers retry per their own policy.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-level failure of any kind.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

var (
	// ErrRejected indicates the modem understood and refused a command.
	// Not retried; the rejection reason is in the wrapping message.
	ErrRejected = errors.New("rejected by modem")
	// ErrNotFound indicates the modem no longer tracks the referenced message.
	ErrNotFound = fmt.Errorf("message not found: %w", ErrRejected)
	// ErrClosed indicates the port has been closed.
	ErrClosed = errors.New("transport closed")
)

// Port is a synchronous command channel to the modem. One outstanding call
// at a time; implementations serialize concurrent callers.
type Port interface {
	// Send writes one command and returns the complete response text up to
	// the terminating OK/ERROR. A response containing ERROR is returned
	// as-is for the caller to classify; transport-level failures return
	// *Error.
	Send(ctx context.Context, cmd string) (string, error)
	// URCs returns the channel carrying unsolicited result code lines.
	URCs() <-chan string
	Close() error
}
