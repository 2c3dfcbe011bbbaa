package transport

import (
	"context"
	"time"
)

// Family identifies the modem protocol family.
type Family int

const (
	FamilyIDP Family = iota
	FamilyOGx
)

func (f Family) String() string {
	if f == FamilyOGx {
		return "ogx"
	}
	return "idp"
}

// MODisposition is the completion code the modem reports for an MO message.
type MODisposition int

const (
	MOPending MODisposition = iota
	MODelivered
	MOFailed
	MOCancelled
)

func (d MODisposition) String() string {
	switch d {
	case MODelivered:
		return "delivered"
	case MOFailed:
		return "failed"
	case MOCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Terminal reports whether the disposition requires a follow-on dequeue.
func (d MODisposition) Terminal() bool { return d != MOPending }

// MTEntry is the lightweight listing the modem returns for a waiting
// MT message before retrieval.
type MTEntry struct {
	ID   string
	Size int
}

// NetInfo is the acquisition summary: network attachment state plus link
// quality. State values follow the modem's own network state table; anything
// at or above the registered threshold counts as attached.
type NetInfo struct {
	State         int     `json:"state"`
	Registered    bool    `json:"registered"`
	GnssFix       bool    `json:"gnss_fix"`
	SignalQuality int     `json:"signal_quality"` // 0..5 bars
	SNR           float64 `json:"snr"`
}

// Location is one GNSS solution as reported by the modem.
type Location struct {
	FixValid  bool      `json:"fix_valid"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// EventFlags is the modem's event notification bitmask.
type EventFlags uint32

const (
	EventGnssFix       EventFlags = 1 << 0
	EventRegistered    EventFlags = 1 << 1
	EventMOComplete    EventFlags = 1 << 2
	EventMTReceived    EventFlags = 1 << 3
	EventNetworkChange EventFlags = 1 << 4
	EventWakeupChange  EventFlags = 1 << 5
)

// Commander translates session operations into one protocol family's
// concrete command set. Implementations hold no message state; every call
// is a fresh exchange over the Port.
//
// Errors: transport failures return *Error; modem refusals wrap ErrRejected
// (ErrNotFound for unknown message IDs).
type Commander interface {
	Family() Family

	// Ping confirms the modem answers at all. First call of a session.
	Ping(ctx context.Context) error
	MobileID(ctx context.Context) (string, error)
	FirmwareVersion(ctx context.Context) (string, error)

	GnssFix(ctx context.Context) (bool, error)
	Registration(ctx context.Context) (bool, error)
	NetInfo(ctx context.Context) (NetInfo, error)
	Location(ctx context.Context) (Location, error)

	SetEventMask(ctx context.Context, mask EventFlags) error
	ActiveEvents(ctx context.Context) (EventFlags, error)

	SubmitMO(ctx context.Context, payload []byte) (id string, err error)
	MOStatus(ctx context.Context, id string) (MODisposition, error)
	DequeueMO(ctx context.Context, id string) error

	ListMT(ctx context.Context) ([]MTEntry, error)
	RetrieveMT(ctx context.Context, id string) ([]byte, error)
	DequeueMT(ctx context.Context, id string) error

	Configure(ctx context.Context, wakeupPeriod, powerMode int) error
}
