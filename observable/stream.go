package observable

// Stream is a multicast channel of values. Every subscriber receives every
// published value exactly once, in publish order.
type Stream[T any] struct {
	listeners Listeners[T]
}

// NewStream creates an empty stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{}
}

// Publish sends v to all current subscribers.
func (s *Stream[T]) Publish(v T) {
	s.listeners.Emit(v)
}

// Subscribe registers fn and returns its unsubscribe function.
func (s *Stream[T]) Subscribe(fn func(T)) func() {
	return s.listeners.Add(fn)
}
