package bus

import (
	"sync/atomic"

	"github.com/yanun0323/errors"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueEmpty  = errors.New("queue empty")
)

// Queue is a bounded, non-blocking message queue. It is the in-process
// transport between platform components: robots, the order manager, gateways
// and the context manager all exchange messages through one of these per
// edge. Receivers poll with TryPop so that loops can interleave a stop check
// between messages.
type Queue[T any] struct {
	ch     chan T
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues a message without blocking.
func (q *Queue[T]) TryPush(v T) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// TryPop dequeues a message without blocking. ErrQueueEmpty means no message
// was pending; ErrQueueClosed means the queue is closed and drained.
func (q *Queue[T]) TryPop() (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrQueueClosed
		}
		return v, nil
	default:
		if atomic.LoadUint32(&q.closed) != 0 {
			return zero, ErrQueueClosed
		}
		return zero, ErrQueueEmpty
	}
}

// Len reports the number of buffered messages.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new messages. Buffered messages stay
// readable until drained.
func (q *Queue[T]) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// StopSignal is a rendezvous used for cooperative shutdown. Send blocks until
// the owning loop observes the signal on its next poll, so a stop call does
// not return before the loop has seen it.
type StopSignal struct {
	ch chan struct{}
}

// NewStopSignal creates an unbuffered stop signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Send delivers the stop signal, blocking until it is received.
func (s *StopSignal) Send() {
	s.ch <- struct{}{}
}

// TrySend delivers the stop signal only if a receiver is polling for it
// right now. It never blocks.
func (s *StopSignal) TrySend() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Triggered reports whether a stop signal is pending, consuming it. Loops
// call this once per iteration.
func (s *StopSignal) Triggered() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
