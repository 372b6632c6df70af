package stream

// Value is an observable value. New subscribers first receive the current
// value, then every subsequent Set in order.
type Value[T any] struct {
	hub     *hub[T]
	current T
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T, capacity int) *Value[T] {
	return &Value[T]{hub: newHub[T](capacity), current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	return v.current
}

// Set replaces the current value and publishes it.
func (v *Value[T]) Set(val T) {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	v.current = val
	v.hub.publishLocked(val)
}

// Update atomically derives the next value from the current one and publishes it.
func (v *Value[T]) Update(fn func(T) T) T {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	v.current = fn(v.current)
	v.hub.publishLocked(v.current)
	return v.current
}

// Subscribe returns a subscription that replays the current value.
func (v *Value[T]) Subscribe() *Subscription[T] {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	cur := v.current
	return v.hub.subscribeLocked(&cur)
}

// Subscribers returns the number of live subscriptions.
func (v *Value[T]) Subscribers() int {
	return v.hub.subscribers()
}

// Close closes every subscription. Later Sets only update the current value.
func (v *Value[T]) Close() {
	v.hub.mu.Lock()
	defer v.hub.mu.Unlock()
	v.hub.closeLocked()
}
