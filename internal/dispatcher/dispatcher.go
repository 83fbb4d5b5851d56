// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/jobs"
)

// ErrNotStarted is recorded on jobs left in the queue when the dispatcher stops.
var ErrNotStarted = errors.New("crawl interrupted: service stopped before the job started")

// Runner consumes the queue until ctx ends. *worker.Worker implements it.
type Runner interface {
	Run(ctx context.Context, queue crawler.Queue)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	jobs    *jobs.Manager
	runners []Runner
	clock   crawler.Clock
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.Queue, manager *jobs.Manager, runners []Runner, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		jobs:    manager,
		runners: runners,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			d.logger.Debug("worker started", zap.Int("worker", i))
			r.Run(gctx, d.queue)
			d.logger.Debug("worker stopped", zap.Int("worker", i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher workers: %w", err)
	}
	d.drain()
	return nil
}

// drainer is implemented by queues that can be emptied without blocking.
type drainer interface {
	TryDequeue() (crawler.QueueItem, bool)
}

// drain fails jobs still queued once every worker has returned.
func (d *Dispatcher) drain() {
	q, ok := d.queue.(drainer)
	if !ok {
		return
	}
	for {
		item, ok := q.TryDequeue()
		if !ok {
			return
		}
		d.jobs.FailBestEffort(context.Background(), item.JobID, ErrNotStarted)
		d.logger.Warn("queued job failed at shutdown", zap.String("job_id", item.JobID))
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit creates a pending job for sourceID and queues it.
func (d *Dispatcher) Submit(ctx context.Context, sourceID string, opts crawler.JobOptions) (crawler.CrawlJob, error) {
	job, err := d.jobs.Create(ctx, sourceID, opts)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{JobID: job.ID, SourceID: sourceID, Attempt: 1}
	if d.clock != nil {
		item.Submitted = d.clock.Now().Unix()
	}
	if err := d.Enqueue(ctx, item); err != nil {
		d.jobs.FailBestEffort(context.WithoutCancel(ctx), job.ID, err)
		return job, err
	}
	d.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("source_id", sourceID))
	return job, nil
}
