package buffer

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue is closed")

const defaultCapacity = 16

// Queue is an unbounded FIFO used to hand values between goroutines without ever
// blocking the producer. It is meant for a single consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	buffer []T
	mask   uint64
	head   uint64
	tail   uint64
	closed bool

	// Control
	notEmpty chan struct{}
}

// NewQueue creates a queue whose initial ring holds at least capacity values
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	size := nextPowerOfTwo(uint64(capacity))

	return &Queue[T]{
		buffer:   make([]T, size),
		mask:     size - 1,
		notEmpty: make(chan struct{}, 1),
	}
}

// Push appends a value. It never blocks and only fails once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.tail-q.head == uint64(len(q.buffer)) {
		q.grow()
	}
	q.buffer[q.tail&q.mask] = v
	q.tail++
	q.mu.Unlock()

	q.signal()
	return true
}

// TryPop removes the oldest value if there is one
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == q.tail {
		return zero, false
	}

	idx := q.head & q.mask
	v := q.buffer[idx]
	q.buffer[idx] = zero
	q.head++
	return v, true
}

// Pop blocks until a value is available, the queue is closed and drained, or ctx is done
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		if q.Closed() {
			var zero T
			return zero, ErrQueueClosed
		}

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready returns a channel that receives a token after Push or Close. One token may
// stand for many values, so consumers drain with TryPop after waking up.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.notEmpty
}

// Len returns the number of queued values
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// Close stops accepting values. Values already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether the queue is closed and fully drained
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.head == q.tail
}

func (q *Queue[T]) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// grow doubles the ring, keeping values in FIFO order. Caller holds q.mu.
func (q *Queue[T]) grow() {
	size := uint64(len(q.buffer))
	next := make([]T, size*2)
	for i := uint64(0); i < size; i++ {
		next[i] = q.buffer[(q.head+i)&q.mask]
	}
	q.buffer = next
	q.mask = size*2 - 1
	q.head = 0
	q.tail = size
}

// nextPowerOfTwo returns the next power of 2 greater than or equal to n
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
