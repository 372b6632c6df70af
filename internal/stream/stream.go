// Package stream provides the observable plumbing used to publish session
// and scanner state: replaying value streams, fire-and-forget event feeds,
// and a bounded activity history.
//
// Every subscriber owns a drop-oldest RingChannel, so a slow consumer loses
// old items instead of stalling the publisher. Subscribers hold only their
// Subscription handle and never a reference to the publisher's internals.
package stream

import (
	"sync"

	"github.com/cornelk/hashmap"
)

// DefaultCapacity is the per-subscriber buffer used when none is given.
const DefaultCapacity = 64

// Subscription is a handle on one subscriber's buffered channel.
type Subscription[T any] struct {
	id   uint64
	rc   *RingChannel[T]
	hub  *hub[T]
	once sync.Once
}

// C returns the channel delivering published items. It is closed when the
// subscription or its publisher is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.rc.C()
}

// Dropped returns how many items were discarded because the subscriber lagged.
func (s *Subscription[T]) Dropped() int64 {
	return s.rc.GetMetrics().Overwritten
}

// Close detaches the subscription and closes its channel. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

type hub[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	capacity int
	closed   bool
	subs     *hashmap.Map[uint64, *RingChannel[T]]
}

func newHub[T any](capacity int) *hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &hub[T]{
		capacity: capacity,
		subs:     hashmap.New[uint64, *RingChannel[T]](),
	}
}

// subscribe registers a subscriber; replay, if non-nil, is delivered first.
// Caller must hold h.mu.
func (h *hub[T]) subscribeLocked(replay *T) *Subscription[T] {
	rc := NewRingChannel[T](h.capacity)
	h.nextID++
	sub := &Subscription[T]{id: h.nextID, rc: rc, hub: h}

	if h.closed {
		if replay != nil {
			rc.Send(*replay)
		}
		rc.Close()
		return sub
	}
	if replay != nil {
		rc.Send(*replay)
	}
	h.subs.Set(sub.id, rc)
	return sub
}

// publishLocked fans v out to every subscriber. Caller must hold h.mu.
func (h *hub[T]) publishLocked(v T) {
	if h.closed {
		return
	}
	h.subs.Range(func(_ uint64, rc *RingChannel[T]) bool {
		rc.Send(v)
		return true
	})
}

func (h *hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rc, ok := h.subs.Get(id); ok {
		h.subs.Del(id)
		rc.Close()
	}
}

func (h *hub[T]) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	h.subs.Range(func(id uint64, rc *RingChannel[T]) bool {
		rc.Close()
		return true
	})
	h.subs = hashmap.New[uint64, *RingChannel[T]]()
}

func (h *hub[T]) subscribers() int {
	return h.subs.Len()
}
