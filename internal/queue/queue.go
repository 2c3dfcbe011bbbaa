// Package queue owns the authoritative record of in-flight MO and MT
// messages. It is the only component that issues submit, retrieve and
// dequeue commands, and it guarantees each message is drained from the
// modem's buffers exactly once: local entries are pruned only after the
// modem itself acknowledges the dequeue.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Direction of a message transfer.
type Direction int

const (
	MO Direction = iota // mobile-originated, device to network
	MT                  // mobile-terminated, network to device
)

func (d Direction) String() string {
	if d == MT {
		return "mt"
	}
	return "mo"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// State is the local lifecycle of a tracked message.
//
// MO: Submitted → Pending → {Delivered | Failed | Cancelled} → Dequeued.
// MT: Announced → Retrieving → Retrieved → Dequeued.
type State int

const (
	StateSubmitted State = iota
	StatePending
	StateDelivered
	StateFailed
	StateCancelled
	StateAnnounced
	StateRetrieving
	StateRetrieved
	StateDequeued
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateAnnounced:
		return "announced"
	case StateRetrieving:
		return "retrieving"
	case StateRetrieved:
		return "retrieved"
	case StateDequeued:
		return "dequeued"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// TerminalMO reports whether an MO state has a completion code and needs a
// follow-on dequeue.
func (s State) TerminalMO() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

// Message is one MO or MT transfer. Values returned to callers are copies;
// the manager never hands out references into its own table.
type Message struct {
	// ID is modem-assigned, unique per direction until dequeued.
	ID string `json:"id"`
	// Token is the local tracking token, stable across the lifecycle.
	Token     uuid.UUID `json:"token"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	Payload   []byte    `json:"payload,omitempty"`
	Size      int       `json:"size"`
	// Created is the submit time (MO) or announcement time (MT).
	Created time.Time `json:"created"`
	// Completed is the terminal transition time, zero until then.
	Completed time.Time `json:"completed,omitzero"`
}

// MTSummary is the lightweight listing of an announced MT message.
type MTSummary struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

var (
	// ErrNotReady indicates a dequeue was requested before the message
	// reached the state that permits it.
	ErrNotReady = errors.New("message not ready for dequeue")
)
