// Package memory provides an in-process task queue for development and
// tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/wantnot/catalog-crawler/internal/task"
)

// ErrClosed is returned for operations on a closed queue.
var ErrClosed = errors.New("task queue closed")

// Queue is a channel-backed task.Queue.
type Queue struct {
	ch chan task.Task

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue buffering up to size tasks.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 128
	}
	return &Queue{
		ch:   make(chan task.Task, size),
		done: make(chan struct{}),
	}
}

func (q *Queue) Publish(ctx context.Context, t task.Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case q.ch <- t:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive delivers tasks to h until ctx is cancelled or the queue is closed.
// A handler error redelivers the task at the back of the queue.
func (q *Queue) Receive(ctx context.Context, h task.Handler) error {
	for {
		select {
		case t := <-q.ch:
			if err := h(ctx, t); err != nil {
				select {
				case q.ch <- t:
				default:
					// Full queue: the task is dropped rather than blocking
					// the consumer forever.
				}
			}
		case <-q.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}
