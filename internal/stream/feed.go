package stream

// Feed is an event stream. Subscribers receive only events published after
// they subscribed.
type Feed[T any] struct {
	hub *hub[T]
}

// NewFeed creates a Feed with the given per-subscriber capacity.
func NewFeed[T any](capacity int) *Feed[T] {
	return &Feed[T]{hub: newHub[T](capacity)}
}

// Publish delivers ev to all current subscribers.
func (f *Feed[T]) Publish(ev T) {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.hub.publishLocked(ev)
}

// Subscribe registers a new subscriber.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.hub.subscribeLocked(nil)
}

// Subscribers returns the number of live subscriptions.
func (f *Feed[T]) Subscribers() int {
	return f.hub.subscribers()
}

// Close closes every subscription; later Publish calls are dropped.
func (f *Feed[T]) Close() {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.hub.closeLocked()
}
