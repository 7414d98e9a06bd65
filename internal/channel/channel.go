package channel

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("channel: send on closed channel")

// Channel is a single-producer/single-consumer stream with an
// acknowledgement-based capacity. The first k sends complete without waiting
// for receipt; later sends complete only once the receiver has consumed
// enough to keep at most k items unacknowledged. k = 0 is a rendezvous: a
// send completes only after the matching receive has taken the value.
type Channel[T any] struct {
	capacity int
	queue    *Queue[T]

	mu       sync.Mutex
	sent     uint64
	consumed uint64
	ack      chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a channel with the given capacity. Negative capacities are
// treated as zero.
func New[T any](capacity int) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel[T]{
		capacity: capacity,
		queue:    NewQueue[T](),
		done:     make(chan struct{}),
	}
}

// Send delivers v to the receiver. It fails with ErrClosed once the channel
// has been closed, and with ErrCanceled if cancel fires while the send is
// waiting for acknowledgement. A nil cancel means wait indefinitely.
func (ch *Channel[T]) Send(v T, cancel <-chan struct{}) error {
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}

	ch.mu.Lock()
	ch.sent++
	seq := ch.sent
	ch.mu.Unlock()
	ch.queue.Push(v)

	for {
		ch.mu.Lock()
		acked := ch.consumed+uint64(ch.capacity) >= seq
		if !acked && ch.ack == nil {
			ch.ack = make(chan struct{})
		}
		ack := ch.ack
		ch.mu.Unlock()
		if acked {
			return nil
		}

		select {
		case <-ack:
		case <-ch.done:
			return ErrClosed
		case <-cancel:
			return ErrCanceled
		}
	}
}

// Recv pulls the next value. The second result is false when the stream has
// terminated, either because the channel was closed and drained or because
// cancel fired; both are normal termination. Values buffered before Close
// are still delivered.
func (ch *Channel[T]) Recv(cancel <-chan struct{}) (T, bool) {
	v, err := ch.queue.Pop(ch.done, cancel)
	if err != nil {
		var zero T
		return zero, false
	}
	ch.mu.Lock()
	ch.consumed++
	if ch.ack != nil {
		close(ch.ack)
		ch.ack = nil
	}
	ch.mu.Unlock()
	return v, true
}

// Close terminates the channel. It is idempotent: pending and future
// receives terminate, future sends fail with ErrClosed, and Done is closed.
func (ch *Channel[T]) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.mu.Lock()
		if ch.ack != nil {
			close(ch.ack)
			ch.ack = nil
		}
		ch.mu.Unlock()
	})
}

// Done returns a signal that fires when the channel is closed. It doubles as
// the channel's linkable cancellation handle.
func (ch *Channel[T]) Done() <-chan struct{} {
	return ch.done
}

// IsClosed reports whether Close has been called.
func (ch *Channel[T]) IsClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// Len reports the number of values buffered and not yet received.
func (ch *Channel[T]) Len() int {
	return ch.queue.Len()
}
