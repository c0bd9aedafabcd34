// Package broker implements the per-task OutputBroker: a
// multi-consumer fanout of subprocess output, backed by a
// small ring buffer so a subscriber that joins late still receives
// recent context. The AgentProcess poller is the sole producer; a slow
// subscriber is dropped rather than allowed to back-pressure it.
package broker

import (
	"sync"
)

// RingBufferSize bounds how much trailing output a late subscriber
// replays on Subscribe.
const RingBufferSize = 256 * 1024

// subscriberChanSize is how many chunks a subscriber may have queued
// before it is considered slow and dropped.
const subscriberChanSize = 64

// Broker multiplexes one task's output to any number of subscribers.
type Broker struct {
	mu          sync.Mutex
	ring        []byte
	subscribers map[int]chan []byte
	nextID      int
	closed      bool
}

// New constructs an empty Broker for one task.
func New() *Broker {
	return &Broker{subscribers: make(map[int]chan []byte)}
}

// Publish appends chunk to the ring buffer and fans it out to every
// current subscriber. Never blocks: a subscriber whose channel is full
// is dropped.
func (b *Broker) Publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.ring = append(b.ring, chunk...)
	if over := len(b.ring) - RingBufferSize; over > 0 {
		b.ring = b.ring[over:]
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id     int
	ch     chan []byte
	broker *Broker
}

// Chunks delivers buffered and live output chunks in arrival order. The
// channel is closed when the broker tears down or the subscriber is
// dropped for being slow.
func (s *Subscription) Chunks() <-chan []byte { return s.ch }

// Unsubscribe removes the subscription. Non-blocking and safe to call
// more than once or after the channel has already been closed by the
// broker.
func (s *Subscription) Unsubscribe() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if ch, ok := s.broker.subscribers[s.id]; ok {
		close(ch)
		delete(s.broker.subscribers, s.id)
	}
}

// Subscribe registers a new subscriber and immediately replays the
// current ring buffer content (if any) as its first chunk.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, subscriberChanSize)
	id := b.nextID
	b.nextID++

	if b.closed {
		close(ch)
		return &Subscription{id: id, ch: ch, broker: b}
	}

	if len(b.ring) > 0 {
		backlog := make([]byte, len(b.ring))
		copy(backlog, b.ring)
		ch <- backlog
	}
	b.subscribers[id] = ch
	return &Subscription{id: id, ch: ch, broker: b}
}

// Snapshot returns the current ring buffer content, used by
// Orchestrator.getLiveOutput for a one-shot read with no subscription.
func (b *Broker) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.ring))
	copy(out, b.ring)
	return out
}

// Close tears down the broker: every pending subscriber channel is
// closed (an end marker) and further Publish/Subscribe
// calls become no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Registry tracks one Broker per task, created lazily. ProjectRunner
// owns one Registry for all its slots.
type Registry struct {
	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]*Broker)}
}

// For returns the Broker for taskID, creating it if necessary.
func (r *Registry) For(taskID string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[taskID]
	if !ok {
		b = New()
		r.brokers[taskID] = b
	}
	return b
}

// Remove closes and forgets the broker for taskID. Called on Slot
// teardown.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.brokers[taskID]; ok {
		b.Close()
		delete(r.brokers, taskID)
	}
}

// Snapshot returns the current output for taskID, or nil if no broker
// has ever been created for it (getLiveOutput treats that as "").
func (r *Registry) Snapshot(taskID string) []byte {
	r.mu.Lock()
	b, ok := r.brokers[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Snapshot()
}
