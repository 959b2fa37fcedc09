// Package ringchan provides a bounded channel-like buffer with drop-oldest
// overflow semantics. Producers never block: when the buffer is full the
// oldest element is discarded so that the most recent values win over
// historical backlog.
package ringchan

// Ring wraps a buffered channel. Writers use Put/TryPut; readers treat C()
// as a normal receive-only channel until it is closed.
type Ring[T any] struct {
	ch chan T
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Put inserts an item, discarding the oldest buffered element if the ring is
// full. It never blocks. Returns false when an element was dropped.
func (r *Ring[T]) Put(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
	}
	// Full: drop the oldest, then retry. The inner default covers a racing
	// reader that drained the ring between the two selects.
	select {
	case <-r.ch:
	default:
	}
	select {
	case r.ch <- v:
	default:
	}
	return false
}

// TryPut inserts without blocking and without dropping.
// Returns false if the ring is full.
func (r *Ring[T]) TryPut(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// TryGet performs a non-blocking receive.
func (r *Ring[T]) TryGet() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the underlying channel. Put after Close panics; the producer
// owns the shutdown order.
func (r *Ring[T]) Close() { close(r.ch) }
