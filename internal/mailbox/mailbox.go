// Package mailbox provides an unbounded FIFO queue between goroutines.
package mailbox

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = xerrors.New("mailbox closed")

// Mailbox accepts values with Put and delivers them in order on Out.
// Put never blocks on a slow reader.
type Mailbox[T any] struct {
	in   chan T
	out  chan T
	done chan struct{}
	once sync.Once
}

// New starts a mailbox. Call Close to release its goroutine.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		in:   make(chan T),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// Put enqueues v.
func (m *Mailbox[T]) Put(ctx context.Context, v T) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.in <- v:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Out delivers queued values. It is closed after Close.
func (m *Mailbox[T]) Out() <-chan T { return m.out }

// Close stops the mailbox and discards undelivered values.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)

	var queue []T
	for {
		var (
			out  chan T
			head T
		)
		if len(queue) > 0 {
			out = m.out
			head = queue[0]
		}
		select {
		case v := <-m.in:
			queue = append(queue, v)
		case out <- head:
			var zero T
			queue[0] = zero
			queue = queue[1:]
		case <-m.done:
			return
		}
	}
}
