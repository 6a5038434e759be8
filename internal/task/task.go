// Package task defines the crawl step queue. Each message asks a worker to
// process the next unit of one store's job; workers re-publish a follow-up
// task after every step, so a crawl advances as a chain of small messages
// rather than a long-lived loop.
package task

import (
	"context"

	"github.com/wantnot/catalog-crawler/internal/frontier"
)

// Task is one crawl step request. Retry counts scheduler re-attempts of the
// same step, not steps overall; it resets to zero after a successful step.
type Task struct {
	Store string        `json:"store"`
	Kind  frontier.Kind `json:"kind"`
	Retry int           `json:"retry"`
}

// Handler processes one task. A returned error nacks the message so the
// queue redelivers it.
type Handler func(ctx context.Context, t Task) error

// Queue abstracts the message transport so the worker is independent of the
// broker.
type Queue interface {
	// Publish enqueues a task.
	Publish(ctx context.Context, t Task) error

	// Receive delivers tasks to h until ctx is cancelled.
	Receive(ctx context.Context, h Handler) error

	// Close releases the underlying transport.
	Close() error
}
