package session

import "satlink/internal/queue"

// Sink receives session and message lifecycle events. Implementations must
// not block: the control loop calls them inline between modem exchanges.
type Sink interface {
	StateChanged(from, to State)
	MOCompleted(msg queue.Message)
	MTAnnounced(sum queue.MTSummary)
	MTRetrieved(msg queue.Message)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) StateChanged(State, State)   {}
func (NopSink) MOCompleted(queue.Message)   {}
func (NopSink) MTAnnounced(queue.MTSummary) {}
func (NopSink) MTRetrieved(queue.Message)   {}

type multiSink []Sink

// MultiSink fans events out to several sinks in order.
func MultiSink(sinks ...Sink) Sink { return multiSink(sinks) }

func (m multiSink) StateChanged(from, to State) {
	for _, s := range m {
		s.StateChanged(from, to)
	}
}

func (m multiSink) MOCompleted(msg queue.Message) {
	for _, s := range m {
		s.MOCompleted(msg)
	}
}

func (m multiSink) MTAnnounced(sum queue.MTSummary) {
	for _, s := range m {
		s.MTAnnounced(sum)
	}
}

func (m multiSink) MTRetrieved(msg queue.Message) {
	for _, s := range m {
		s.MTRetrieved(msg)
	}
}
