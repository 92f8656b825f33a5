package concurrency

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrMailboxClosed is returned when sending to or receiving from a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when sending to a full mailbox (backpressure).
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded, typed FIFO queue with fail-fast sends.
//
// Send never blocks: a full mailbox rejects the message. Close is safe to call
// concurrently with Send; messages buffered before Close stay receivable
// through Drain.
type Mailbox[T any] struct {
	mu       sync.RWMutex
	ch       chan T
	closed   bool
	capacity int
}

// NewMailbox creates a mailbox holding at most capacity messages.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

// Send enqueues msg or fails with ErrMailboxFull / ErrMailboxClosed.
func (mb *Mailbox[T]) Send(msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}
	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is available, the mailbox is closed and
// empty, or ctx is done.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return zero, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Ready exposes the receive side for use in a select. The channel is closed
// once the mailbox is closed and drained.
func (mb *Mailbox[T]) Ready() <-chan T {
	return mb.ch
}

// TryReceive returns the next message without blocking.
func (mb *Mailbox[T]) TryReceive() (T, bool) {
	var zero T
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return zero, false
		}
		return msg, true
	default:
		return zero, false
	}
}

// Close rejects further sends. It is idempotent.
func (mb *Mailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.ch)
}

// Drain closes the mailbox and hands every buffered message to fn.
func (mb *Mailbox[T]) Drain(fn func(T)) int {
	mb.Close()
	n := 0
	for msg := range mb.ch {
		fn(msg)
		n++
	}
	return n
}

// Capacity returns the maximum number of buffered messages.
func (mb *Mailbox[T]) Capacity() int {
	return mb.capacity
}

// Size returns the number of buffered messages.
func (mb *Mailbox[T]) Size() int {
	return len(mb.ch)
}

