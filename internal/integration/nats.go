// Package integration publishes session and message events on NATS so other
// services on the platform bus can react to satellite traffic without
// touching the modem.
package integration

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"satlink/internal/queue"
	"satlink/internal/session"
)

// Publisher forwards session events to NATS. Publishing is fire-and-forget:
// a down bus must never block or fail modem servicing.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger

	subjState string
	subjMO    string
	subjMT    string
}

type Options struct {
	URL               string
	Name              string
	SubjectPrefix     string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

func Connect(opts Options, log zerolog.Logger) (*Publisher, error) {
	if opts.Name == "" {
		opts.Name = "satlinkd"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "satlink"
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:        nc,
		log:       log,
		subjState: opts.SubjectPrefix + ".event.state",
		subjMO:    opts.SubjectPrefix + ".event.mo",
		subjMT:    opts.SubjectPrefix + ".event.mt",
	}, nil
}

func (p *Publisher) Close() {
	p.nc.Close()
}

type stateEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Time time.Time `json:"time"`
}

type messageEvent struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	State     string    `json:"state,omitempty"`
	Size      int       `json:"size"`
	Time      time.Time `json:"time"`
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("event encode failed")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}

// ============================================================================
// Session sink
// ============================================================================

func (p *Publisher) StateChanged(from, to session.State) {
	p.publish(p.subjState, stateEvent{
		From: from.String(),
		To:   to.String(),
		Time: time.Now().UTC(),
	})
}

func (p *Publisher) MOCompleted(msg queue.Message) {
	p.publish(p.subjMO, messageEvent{
		Event:     "completed",
		ID:        msg.ID,
		Direction: "mo",
		State:     msg.State.String(),
		Size:      msg.Size,
		Time:      time.Now().UTC(),
	})
}

func (p *Publisher) MTAnnounced(sum queue.MTSummary) {
	p.publish(p.subjMT, messageEvent{
		Event:     "announced",
		ID:        sum.ID,
		Direction: "mt",
		Size:      sum.Size,
		Time:      time.Now().UTC(),
	})
}

func (p *Publisher) MTRetrieved(msg queue.Message) {
	p.publish(p.subjMT, messageEvent{
		Event:     "retrieved",
		ID:        msg.ID,
		Direction: "mt",
		Size:      msg.Size,
		Time:      time.Now().UTC(),
	})
}
