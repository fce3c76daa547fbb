// Package observable provides small reactive building blocks: an ordered
// listener list, a change-notifying property and a multicast stream.
//
// Delivery is synchronous. When a value is emitted while an earlier one is
// still being delivered (from inside a listener, or from another goroutine)
// it is queued and delivered right after, so every listener sees values in
// emit order and none is dropped or merged. A listener only receives values
// emitted after it was added.
package observable

import "sync"

// Observable is a value that can be read, written and watched.
type Observable[T any] interface {
	ReadOnly[T]
	Set(v T)
}

// ReadOnly is the watch side of an Observable.
type ReadOnly[T any] interface {
	Get() T
	Subscribe(fn func(T)) (unsubscribe func())
}

type listener[T any] struct {
	id    uint64
	after uint64 // last sequence number emitted before Add
	fn    func(T)
}

type entry[T any] struct {
	seq uint64
	v   T
}

// Listeners is an ordered list of callbacks. The zero value is ready to use.
type Listeners[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	seq      uint64
	list     []listener[T]
	queue    []entry[T]
	emitting bool
}

// Add appends fn and returns a function that removes exactly that
// registration. Calling the returned function more than once is a no-op.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.list = append(l.list, listener[T]{id: id, after: l.seq, fn: fn})
	l.mu.Unlock()

	return func() { l.remove(id) }
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.list {
		if e.id == id {
			// copy so snapshots handed to an in-progress emit stay intact
			next := make([]listener[T], 0, len(l.list)-1)
			next = append(next, l.list[:i]...)
			l.list = append(next, l.list[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

// Emit delivers v to every listener registered at delivery time, in
// registration order. Listener panics are not recovered.
func (l *Listeners[T]) Emit(v T) {
	if l.enqueue(v) {
		l.drain()
	}
}

// Queue schedules v for delivery and returns the function that delivers it.
// A caller that orders emits under its own lock queues while holding that
// lock and calls deliver after releasing it.
func (l *Listeners[T]) Queue(v T) (deliver func()) {
	if l.enqueue(v) {
		return l.drain
	}
	return func() {}
}

// enqueue queues v and reports whether the caller became the one that has
// to drain the queue.
func (l *Listeners[T]) enqueue(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.queue = append(l.queue, entry[T]{seq: l.seq, v: v})
	if l.emitting {
		return false
	}
	l.emitting = true
	return true
}

func (l *Listeners[T]) drain() {
	drained := false
	defer func() {
		if drained {
			return
		}
		// a panicking listener must not wedge later emits
		l.mu.Lock()
		l.emitting = false
		l.queue = nil
		l.mu.Unlock()
	}()

	l.mu.Lock()
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		snapshot := l.list
		l.mu.Unlock()

		for _, e := range snapshot {
			if e.after < next.seq {
				e.fn(next.v)
			}
		}

		l.mu.Lock()
	}
	l.emitting = false
	drained = true
	l.mu.Unlock()
}
