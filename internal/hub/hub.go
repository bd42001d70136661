package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ndefender/internal/metrics"
)

// ErrSubscriberFull is returned by ChanSubscriber when its buffer is full.
var ErrSubscriberFull = errors.New("subscriber buffer full")

// ErrSubscriberClosed is returned after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber receives envelopes. A Send error removes the subscriber.
type Subscriber interface {
	Send(Envelope) error
}

// Hub fans envelopes out to every subscriber.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]Subscriber
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHub returns an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{subs: make(map[string]Subscriber), metrics: m, now: time.Now}
}

// Subscribe adds s and returns its id.
func (h *Hub) Subscribe(s Subscriber) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
	return id
}

// Unsubscribe removes the subscriber with id, if present.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish normalizes obj and broadcasts it. It reports whether anything
// was sent.
func (h *Hub) Publish(obj map[string]any) bool {
	env, ok := Normalize(obj, h.now())
	if !ok {
		return false
	}
	h.PublishEnvelope(env)
	return true
}

// PublishEnvelope delivers env to every subscriber and drops those that fail.
// Sends happen outside the subscriber lock.
func (h *Hub) PublishEnvelope(env Envelope) {
	if suppressed[env.Type] {
		return
	}
	if to, ok := remapped[env.Type]; ok {
		env.Type = to
	}
	if env.Source == "" {
		env.Source = DefaultSource
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	targets := make([]Subscriber, 0, len(h.subs))
	for id, s := range h.subs {
		ids = append(ids, id)
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var dead []string
	for i, s := range targets {
		if err := s.Send(env); err != nil {
			dead = append(dead, ids[i])
		}
	}
	h.metrics.IncBroadcast(env.Type)
	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, id := range dead {
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			h.metrics.IncSubscriberDrop()
		}
	}
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
}

// ChanSubscriber buffers envelopes for an in-process consumer.
type ChanSubscriber struct {
	ch     chan Envelope
	mu     sync.RWMutex
	closed bool
}

// NewChanSubscriber returns a subscriber with the given buffer size.
func NewChanSubscriber(size int) *ChanSubscriber {
	if size <= 0 {
		size = 256
	}
	return &ChanSubscriber{ch: make(chan Envelope, size)}
}

// Send enqueues env without blocking.
func (c *ChanSubscriber) Send(env Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- env:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// C returns the receive side.
func (c *ChanSubscriber) C() <-chan Envelope { return c.ch }

// Close stops delivery and closes the channel.
func (c *ChanSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
