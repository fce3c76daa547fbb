package observable

import "sync"

// Property holds a value and notifies subscribers when it changes.
type Property[T comparable] struct {
	mu        sync.RWMutex
	value     T
	listeners Listeners[T]
}

var _ Observable[bool] = (*Property[bool])(nil)

// NewProperty creates a property with an initial value.
func NewProperty[T comparable](initial T) *Property[T] {
	return &Property[T]{value: initial}
}

// Get returns the current value.
func (p *Property[T]) Get() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Set stores v. Subscribers are notified only when v differs from the
// current value.
func (p *Property[T]) Set(v T) {
	p.Update(v)()
}

// Update stores v like Set but returns the notification instead of
// running it. A caller that keeps the property in step with other state
// calls Update under its own lock and deliver after releasing it.
func (p *Property[T]) Update(v T) (deliver func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value == v {
		return func() {}
	}
	p.value = v
	// queued under the lock so concurrent Sets deliver in apply order
	return p.listeners.Queue(v)
}

// Subscribe registers fn for future changes.
func (p *Property[T]) Subscribe(fn func(T)) func() {
	return p.listeners.Add(fn)
}

// ReadOnly hides Set from consumers of a derived value.
func (p *Property[T]) ReadOnly() ReadOnly[T] {
	return readOnly[T]{p}
}

type readOnly[T comparable] struct {
	p *Property[T]
}

func (r readOnly[T]) Get() T                      { return r.p.Get() }
func (r readOnly[T]) Subscribe(fn func(T)) func() { return r.p.Subscribe(fn) }
