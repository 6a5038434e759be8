// Package worker implements the crawl execution loop: consume one step task,
// run it, and publish the follow-up task that keeps the chain going.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/frontier"
	"github.com/wantnot/catalog-crawler/internal/scrape"
	"github.com/wantnot/catalog-crawler/internal/task"
)

// StepRunner executes one unit of a store's crawl job.
type StepRunner interface {
	ProcessNext(ctx context.Context, store string, retry int) (bool, error)
	ProcessTableItem(ctx context.Context, store string, retry int) (bool, error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxRetries bounds scheduler re-attempts of one step. Past it the chain
	// is dropped and the crawl must be re-triggered; a permanently failing
	// page must not burn the queue forever.
	MaxRetries int

	// StepTimeout bounds one whole step, fetch through writes. Zero means
	// no bound beyond the fetch timeout.
	StepTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Worker consumes step tasks and drives the processor.
type Worker struct {
	queue     task.Queue
	processor StepRunner
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(queue task.Queue, processor StepRunner, cfg Config, logger *zap.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) error {
	return w.queue.Receive(ctx, w.handle)
}

// StartChain publishes the first step task for a job. Callers create the job
// record first; a task for an absent job is a harmless no-op.
func (w *Worker) StartChain(ctx context.Context, store string, kind frontier.Kind) error {
	if err := w.queue.Publish(ctx, task.Task{Store: store, Kind: kind}); err != nil {
		return fmt.Errorf("start %s chain for %s: %w", kind, store, err)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, t task.Task) error {
	if w.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.StepTimeout)
		defer cancel()
	}

	var (
		more bool
		err  error
	)
	switch t.Kind {
	case frontier.KindTableScan:
		more, err = w.processor.ProcessTableItem(ctx, t.Store, t.Retry)
	default:
		more, err = w.processor.ProcessNext(ctx, t.Store, t.Retry)
	}

	switch {
	case err == nil && !more:
		w.logger.Info("job exhausted, ending chain",
			zap.String("store", t.Store),
			zap.String("kind", string(t.Kind)))
		return nil

	case err == nil:
		// A successful step resets the retry counter for the next one.
		return w.resubmit(ctx, task.Task{Store: t.Store, Kind: t.Kind})

	case scrape.IsTransient(err):
		if t.Retry >= w.cfg.MaxRetries {
			w.logger.Error("step exceeded retry budget, dropping chain",
				zap.String("store", t.Store),
				zap.String("kind", string(t.Kind)),
				zap.Int("retries", t.Retry),
				zap.Error(err))
			return nil
		}
		w.logger.Warn("transient step failure, rescheduling",
			zap.String("store", t.Store),
			zap.Int("retry", t.Retry),
			zap.Error(err))
		return w.resubmit(ctx, task.Task{Store: t.Store, Kind: t.Kind, Retry: t.Retry + 1})

	default:
		// Storage or frontier failure: nack so the broker redelivers this
		// same task.
		w.logger.Error("step failed",
			zap.String("store", t.Store),
			zap.String("kind", string(t.Kind)),
			zap.Error(err))
		return err
	}
}

func (w *Worker) resubmit(ctx context.Context, t task.Task) error {
	if err := w.queue.Publish(ctx, t); err != nil {
		return fmt.Errorf("resubmit task for %s: %w", t.Store, err)
	}
	return nil
}
