// Package fanout distributes one publisher's audio frames to many
// subscribers, generalizing the teacher's websocket session registry
// (internal/transport/ws/hub.go's sync.Map of sessions plus
// connection.go's atomic closed/mutex-guarded write) into a bounded,
// backpressure-aware pub/sub hub per spec.md §4.4: Publish never blocks
// on a slow subscriber, and each subscriber's frame order is preserved.
package fanout

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/parlance-gateway/gateway/internal/apperrors"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the queue's oldest unread frame to make room
	// for the new one, favoring subscribers that prefer continuity over
	// completeness (browser/mobile listeners).
	DropOldest OverflowPolicy = iota
	// Disconnect closes the subscription outright, favoring subscribers
	// that need every frame or none (the host bridge).
	Disconnect
)

const defaultQueueSize = 32

// FrameType distinguishes a text control message from a binary audio
// clip. Its values match gorilla/websocket's TextMessage/BinaryMessage
// opcodes so a Gateway handler can pass Frame.Type straight to
// conn.WriteMessage without translation.
type FrameType int

const (
	TextFrame   FrameType = 1
	BinaryFrame FrameType = 2
)

// Frame is one unit of fan-out: a translation/status text message or a
// synthesized audio clip, tagged so subscribers can relay it over a
// websocket with the right opcode.
type Frame struct {
	Type FrameType
	Data []byte
}

// Subscription is a live feed of published frames. Callers range over
// Frames() until it closes, then should call Unsubscribe (idempotent)
// to release hub-side bookkeeping.
type Subscription struct {
	id     string
	queue  chan Frame
	policy OverflowPolicy
	hub    *Hub

	mu     sync.Mutex
	closed bool
}

// Frames returns the ordered channel of frames delivered to this
// subscriber. It closes once the subscription is unsubscribed or
// disconnected for overflow.
func (s *Subscription) Frames() <-chan Frame {
	return s.queue
}

// ID returns the subscription's hub-assigned identifier, e.g. so a
// Gateway handler can exclude itself from a relayed broadcast.
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe detaches the subscription from the hub. Safe to call more
// than once and safe to call concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.hub.Unsubscribe(s.id)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// closeLocked assumes s.mu is already held by the caller, e.g. deliver's
// Disconnect path, which must close out the subscriber without releasing
// the lock that guards against a racing send.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Hub fans out frames published by one session to any number of
// subscribers, each with its own bounded queue.
type Hub struct {
	subscribers sync.Map // map[string]*Subscription
	nextID      atomic.Uint64
	maxSubs     int
	queueSize   int
}

// Config parameterizes a Hub.
type Config struct {
	MaxSubscribers int
	QueueSize      int
}

// New constructs an empty Hub.
func New(cfg Config) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{maxSubs: cfg.MaxSubscribers, queueSize: queueSize}
}

// Subscribe registers a new listener with the given overflow policy. It
// returns an *apperrors.Error of kind Backpressured (reused here to mean
// "capacity exceeded") once MaxSubscribers is reached.
func (h *Hub) Subscribe(policy OverflowPolicy) (*Subscription, error) {
	if h.maxSubs > 0 && h.Count() >= h.maxSubs {
		return nil, apperrors.New(apperrors.KindBackpressured, "fanout.Subscribe", "subscriber limit reached")
	}

	id := h.newID()
	sub := &Subscription{
		id:     id,
		queue:  make(chan Frame, h.queueSize),
		policy: policy,
		hub:    h,
	}
	h.subscribers.Store(id, sub)
	return sub, nil
}

func (h *Hub) newID() string {
	n := h.nextID.Add(1)
	return "sub-" + strconv.FormatUint(n, 10)
}

// Unsubscribe removes and closes the subscription identified by id. A
// second call, or a call for an unknown id, is a silent no-op.
func (h *Hub) Unsubscribe(id string) {
	v, ok := h.subscribers.LoadAndDelete(id)
	if !ok {
		return
	}
	v.(*Subscription).close()
}

// Publish fans frame out to every current subscriber without a hub-wide
// lock: it walks the subscriber set with sync.Map.Range and each
// per-subscriber send is non-blocking, so a slow or departing subscriber
// can never stall the publisher or a sibling subscriber's delivery.
func (h *Hub) Publish(frame Frame) {
	if len(frame.Data) == 0 {
		return
	}

	h.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscription)
		h.deliver(sub, frame)
		return true
	})
}

// PublishText fans a JSON control/status message out to every
// subscriber, e.g. a translation result or a publisher-occupancy status
// notice.
func (h *Hub) PublishText(data []byte) {
	h.Publish(Frame{Type: TextFrame, Data: data})
}

// PublishAudio fans a synthesized audio clip out to every subscriber.
func (h *Hub) PublishAudio(data []byte) {
	h.Publish(Frame{Type: BinaryFrame, Data: data})
}

// PublishTextExcept fans a text message out to every subscriber other
// than exceptID, e.g. relaying one browser subscriber's volume control
// message to every other listener without echoing it back.
func (h *Hub) PublishTextExcept(data []byte, exceptID string) {
	if len(data) == 0 {
		return
	}
	frame := Frame{Type: TextFrame, Data: data}
	h.subscribers.Range(func(key, value any) bool {
		if key.(string) == exceptID {
			return true
		}
		h.deliver(value.(*Subscription), frame)
		return true
	})
}

// deliver enqueues frame on sub, holding sub.mu across every send so a
// concurrent close() can never observe a send-on-closed-channel: Publish
// and Unsubscribe race freely otherwise, since Publish walks the
// subscribers without a hub-wide lock.
func (h *Hub) deliver(sub *Subscription, frame Frame) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	select {
	case sub.queue <- frame:
		return
	default:
	}

	switch sub.policy {
	case Disconnect:
		h.subscribers.Delete(sub.id)
		sub.closeLocked()
	case DropOldest:
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- frame:
		default:
			// a concurrent Publish beat us to the freed slot; drop frame.
		}
	}
}

// Count reports the number of currently attached subscribers.
func (h *Hub) Count() int {
	n := 0
	h.subscribers.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

// DrainAll discards every currently queued, not-yet-delivered frame on
// every subscriber without closing anything, e.g. when an authoritative
// stop interrupts in-flight broadcast work.
func (h *Hub) DrainAll() {
	h.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscription)
		for {
			select {
			case <-sub.queue:
			default:
				return true
			}
		}
	})
}

// CloseAll detaches and closes every subscription, e.g. when the
// publisher session ends.
func (h *Hub) CloseAll() {
	h.subscribers.Range(func(key, value any) bool {
		value.(*Subscription).close()
		h.subscribers.Delete(key)
		return true
	})
}
