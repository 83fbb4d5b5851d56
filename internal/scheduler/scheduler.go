// Package scheduler submits periodic crawls for the active sources.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// DefaultSpec runs a batch every six hours.
const DefaultSpec = "@every 6h"

// ErrTickInProgress is returned by Tick while another tick is still submitting.
var ErrTickInProgress = errors.New("scheduler tick already running")

// Submitter creates and queues a job. *dispatcher.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, sourceID string, opts crawler.JobOptions) (crawler.CrawlJob, error)
}

// Config controls the schedule.
type Config struct {
	Spec      string
	BatchSize int
}

// Scheduler submits up to BatchSize sources per tick, rotating through the
// catalog so every active source is eventually crawled.
type Scheduler struct {
	cfg     Config
	sources crawler.SourceStore
	submit  Submitter
	cron    *cron.Cron
	logger  *zap.Logger

	ticking atomic.Bool
	mu      sync.Mutex
	cursor  int
}

// New validates the cron spec and builds a Scheduler.
func New(cfg Config, sources crawler.SourceStore, submit Submitter, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	return &Scheduler{cfg: cfg, sources: sources, submit: submit, cron: c, logger: logger}, nil
}

// Start registers the tick and starts the cron loop. The loop stops when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.logger.Error("scheduled tick failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("add schedule: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec), zap.Int("batch_size", s.cfg.BatchSize))
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}()
	return nil
}

// Tick submits the next batch of active sources and returns how many jobs
// were queued. ctx is checked between sources. A tick that overlaps a running
// one is skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		return 0, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	active, err := s.sources.ListActiveSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sources: %w", err)
	}
	batch := s.nextBatch(active)

	submitted := 0
	for _, src := range batch {
		if ctx.Err() != nil {
			s.logger.Info("tick interrupted", zap.Int("submitted", submitted))
			return submitted, ctx.Err()
		}
		job, err := s.submit.Submit(ctx, src.ID, crawler.JobOptions{})
		if err != nil {
			s.logger.Error("submit scheduled crawl failed", zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		submitted++
		s.logger.Debug("scheduled crawl submitted", zap.String("source_id", src.ID), zap.String("job_id", job.ID))
	}
	s.logger.Info("tick complete", zap.Int("submitted", submitted), zap.Int("active_sources", len(active)))
	return submitted, nil
}

func (s *Scheduler) nextBatch(active []crawler.Source) []crawler.Source {
	if len(active) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(s.cfg.BatchSize, len(active))
	start := s.cursor % len(active)
	batch := make([]crawler.Source, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, active[(start+i)%len(active)])
	}
	s.cursor = (start + n) % len(active)
	return batch
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
