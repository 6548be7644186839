// Package events provides the gateway's internal publish/subscribe bus.
// Unlike the teacher's package-level singleton (sync.Once over a single
// process-wide bus), Bus here is an explicitly constructed value: the
// Gateway owns one instance and injects it into every Session, so tests
// can construct an isolated Bus per case and nothing reaches for a
// global.
package events

import (
	evbus "github.com/asaskevich/EventBus"
)

const (
	TopicUtteranceStateChanged = "utterance.stateChanged"
	TopicSessionError          = "session.error"
	TopicSessionStarted        = "session.started"
	TopicSessionEnded          = "session.ended"
)

// Bus wraps a single EventBus instance with the narrow surface this
// gateway needs.
type Bus struct {
	inner evbus.Bus
}

// New constructs a fresh, independent bus.
func New() *Bus {
	return &Bus{inner: evbus.New()}
}

// Publish sends args to every subscriber of topic, synchronously.
func (b *Bus) Publish(topic string, args ...interface{}) {
	if b == nil {
		return
	}
	b.inner.Publish(topic, args...)
}

// Subscribe registers fn for topic. fn's signature must match the
// arguments passed to Publish for that topic.
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.inner.Subscribe(topic, fn)
}

// Unsubscribe removes fn from topic's subscriber list.
func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.inner.Unsubscribe(topic, fn)
}

// UtteranceEvent is the payload published on TopicUtteranceStateChanged.
type UtteranceEvent struct {
	SessionID string
	Ordinal   int
	State     string
}

// SessionErrorEvent is the payload published on TopicSessionError.
type SessionErrorEvent struct {
	SessionID string
	Kind      string
	Message   string
}
