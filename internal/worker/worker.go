// Package worker runs crawl jobs end to end: traversal, deduplication,
// change detection, extraction and the final job status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/acquisition"
	"github.com/JakeFAU/regwatch/internal/changes"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/dedup"
	"github.com/JakeFAU/regwatch/internal/extraction"
	"github.com/JakeFAU/regwatch/internal/frontier"
	"github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/jobs"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// ErrShutdown marks jobs that never ran because the service was stopping.
var ErrShutdown = errors.New("service shutting down")

// Deps are the collaborators a Worker needs. Publisher may be nil.
type Deps struct {
	Sources    crawler.SourceStore
	Jobs       *jobs.Manager
	Robots     crawler.RobotsGate
	Limiter    crawler.RateLimiter
	Acquirer   *acquisition.Layer
	Hasher     crawler.Hasher
	Dedup      *dedup.Deduplicator
	Changes    *changes.Detector
	Extractor  *extraction.Adapter
	Documents  crawler.DocumentStore
	Datapoints crawler.DatapointStore
	Downloads  crawler.DownloadStore
	Publisher  crawler.Publisher
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
}

// Summary reports what one job did.
type Summary struct {
	JobID        string
	SourceID     string
	Status       crawler.JobStatus
	PagesVisited int
	Enqueued     int
	ItemsCrawled int
	ItemsNew     int
	Updated      int
	Unchanged    int
	Files        int
	Errors       []crawler.PageError
	Stopped      bool
}

// Worker executes crawl jobs. It is safe to share across goroutines; all
// per-run state lives in a run value.
type Worker struct {
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	return &Worker{deps: deps, logger: logger.Named("worker")}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue) {
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			w.abandon(item)
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		if _, err := w.RunJob(ctx, item.JobID); err != nil {
			w.logger.Error("job failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

// abandon fails a job that was taken off the queue after shutdown began, so
// it does not stay pending with nobody left to run it.
func (w *Worker) abandon(item crawler.QueueItem) {
	cause := fmt.Errorf("crawl interrupted: %w", ErrShutdown)
	w.deps.Jobs.FailBestEffort(context.Background(), item.JobID, cause)
	w.logger.Warn("queued job abandoned at shutdown", zap.String("job_id", item.JobID))
}

// RunJob executes one pending job to a terminal state. Page-level failures are
// recorded on the job; the returned error is the job-level cause, if any.
func (w *Worker) RunJob(ctx context.Context, jobID string) (Summary, error) {
	job, err := w.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return Summary{JobID: jobID}, err
	}
	summary := Summary{JobID: jobID, SourceID: job.SourceID}
	logger := w.logger.With(zap.String("job_id", jobID), zap.String("source_id", job.SourceID))

	src, err := w.deps.Sources.GetSource(ctx, job.SourceID)
	if err != nil {
		cause := fmt.Errorf("load source %s: %w", job.SourceID, err)
		summary.Status = crawler.JobStatusFailed
		w.deps.Jobs.FailBestEffort(context.WithoutCancel(ctx), jobID, cause)
		w.publishCompleted(ctx, summary, cause)
		return summary, cause
	}

	if _, err := w.deps.Jobs.Start(ctx, jobID); err != nil {
		cause := fmt.Errorf("start job: %w", err)
		if errors.Is(err, crawler.ErrStatusConflict) {
			// Cancelled or already claimed; the stored status stands.
			return summary, cause
		}
		summary.Status = crawler.JobStatusFailed
		w.deps.Jobs.FailBestEffort(context.WithoutCancel(ctx), jobID, cause)
		w.publishCompleted(context.WithoutCancel(ctx), summary, cause)
		return summary, cause
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	logger.Info("crawl started", zap.String("start_url", src.StartURL))

	r := &run{worker: w, jobID: jobID, src: src, logger: logger}
	traversal := frontier.New(src, frontier.Options{
		MaxDepth: job.MaxDepth(src),
		MaxPages: job.MaxPages(src),
		Stop:     func(ctx context.Context) bool { return w.deps.Jobs.Stopped(ctx, jobID) },
	}, frontier.Deps{
		Robots:   w.deps.Robots,
		Limiter:  w.deps.Limiter,
		Acquirer: w.deps.Acquirer,
		Clock:    w.deps.Clock,
	}, r.visit, logger)
	result := traversal.Run(ctx)

	summary = r.summary(summary, result)

	// Final writes outlive a shutdown signal so the job never stays running.
	finalCtx := context.WithoutCancel(ctx)
	if len(result.Errors) > 0 {
		w.deps.Jobs.AppendErrorsBestEffort(finalCtx, jobID, nil, result.Errors)
	}

	if result.Interrupted {
		cause := fmt.Errorf("crawl interrupted: %w", ctx.Err())
		summary.Status = crawler.JobStatusFailed
		w.deps.Jobs.FailBestEffort(finalCtx, jobID, cause)
		w.publishCompleted(finalCtx, summary, cause)
		return summary, cause
	}
	if result.Stopped {
		summary.Status = crawler.JobStatusFailed
		logger.Info("crawl stopped by cancellation", zap.Int("pages_visited", result.PagesVisited))
		w.publishCompleted(finalCtx, summary, nil)
		return summary, nil
	}

	_, err = w.deps.Jobs.Complete(finalCtx, jobID, jobs.Counts{
		ItemsCrawled: summary.ItemsCrawled,
		ItemsNew:     summary.ItemsNew,
	})
	if errors.Is(err, crawler.ErrStatusConflict) {
		// A cancel landed after the last stop check.
		summary.Status = crawler.JobStatusFailed
		summary.Stopped = true
		logger.Info("job cancelled before completion was recorded")
		w.publishCompleted(finalCtx, summary, nil)
		return summary, nil
	}
	if err != nil {
		cause := fmt.Errorf("complete job: %w", err)
		summary.Status = crawler.JobStatusFailed
		w.deps.Jobs.FailBestEffort(finalCtx, jobID, cause)
		w.publishCompleted(finalCtx, summary, cause)
		return summary, cause
	}

	summary.Status = crawler.JobStatusDone
	logger.Info("crawl completed",
		zap.Int("pages_visited", summary.PagesVisited),
		zap.Int("items_crawled", summary.ItemsCrawled),
		zap.Int("items_new", summary.ItemsNew),
		zap.Int("updated", summary.Updated),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("page_errors", len(summary.Errors)),
	)
	w.publishCompleted(finalCtx, summary, nil)
	return summary, nil
}

func (w *Worker) publishCompleted(ctx context.Context, s Summary, cause error) {
	if w.deps.Publisher == nil {
		return
	}
	event := crawler.CrawlCompletedEvent{
		JobID:        s.JobID,
		SourceID:     s.SourceID,
		Status:       s.Status,
		ItemsCrawled: s.ItemsCrawled,
		ItemsNew:     s.ItemsNew,
		Updated:      s.Updated,
		Unchanged:    s.Unchanged,
		PageErrors:   len(s.Errors),
		CompletedAt:  w.deps.Clock.Now(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if _, err := w.deps.Publisher.Publish(ctx, crawler.TopicCrawlCompleted, event); err != nil {
		w.logger.Warn("publish crawl completed failed", zap.String("job_id", s.JobID), zap.Error(err))
	}
}

// run holds the counters of one job. The traversal calls visit sequentially,
// the mutex only guards reads from summary.
type run struct {
	worker *Worker
	jobID  string
	src    crawler.Source
	logger *zap.Logger

	mu        sync.Mutex
	crawled   int
	fresh     int
	updated   int
	unchanged int
	files     int
}

func (r *run) summary(s Summary, res frontier.Result) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.PagesVisited = res.PagesVisited
	s.Enqueued = res.Enqueued
	s.Errors = res.Errors
	s.Stopped = res.Stopped
	s.ItemsCrawled = r.crawled
	s.ItemsNew = r.fresh
	s.Updated = r.updated
	s.Unchanged = r.unchanged
	s.Files = r.files
	return s
}

// visit processes one extracted payload: dedup, change detection, storage and
// extraction. Extraction failures are returned after everything else is saved.
func (r *run) visit(ctx context.Context, payload crawler.ExtractedPayload) error {
	deps := r.worker.deps
	now := deps.Clock.Now()

	hash := deps.Hasher.Hash(payload.Text())
	var pdf *crawler.PDFDocument
	if doc, ok := payload.(crawler.PDFDocument); ok {
		pdf = &doc
		if doc.File.ContentHash != "" {
			hash = doc.File.ContentHash
		}
		if err := deps.Downloads.RecordDownload(ctx, r.jobID, doc.File); err != nil {
			return fmt.Errorf("%w: record download: %w", crawler.ErrPersistence, err)
		}
		r.mu.Lock()
		r.files++
		r.mu.Unlock()
	}

	duplicate, err := deps.Dedup.CheckDuplicate(ctx, hash)
	if err != nil {
		return err
	}

	outcome, err := deps.Changes.ProcessDocument(ctx, r.src.ID, changes.Sighting{
		URL:         payload.Location(),
		Title:       payload.DocumentTitle(),
		ContentHash: hash,
		Content:     payload.Text(),
		SeenAt:      now,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.crawled++
	switch outcome.ChangeType() {
	case crawler.ChangeUpdated:
		r.updated++
	case crawler.ChangeUnchanged:
		r.unchanged++
	}
	r.mu.Unlock()

	var (
		documentID string
		extractErr error
	)
	if !duplicate {
		documentID, extractErr = r.store(ctx, payload, hash, now)
		if documentID == "" && extractErr != nil {
			return extractErr
		}
	}

	if outcome.ChangeType() != crawler.ChangeUnchanged {
		if documentID == "" {
			if existing, err := deps.Documents.FindByHash(ctx, hash); err == nil {
				documentID = existing.ID
			}
		}
		r.publishChange(ctx, payload, outcome, documentID, hash, now)
	}
	if pdf != nil {
		r.logger.Debug("pdf processed", zap.String("url", pdf.URL), zap.String("file", pdf.File.FilePath))
	}
	return extractErr
}

// store inserts a document with an unseen hash and runs extraction on it.
// It returns the new document ID, or "" when nothing was inserted.
func (r *run) store(ctx context.Context, payload crawler.ExtractedPayload, hash string, now time.Time) (string, error) {
	deps := r.worker.deps
	id, err := deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("document id: %w", err)
	}
	doc := crawler.CrawledDocument{
		ID:          id,
		SourceID:    r.src.ID,
		URL:         payload.Location(),
		Title:       payload.DocumentTitle(),
		Content:     payload.Text(),
		ContentHash: hash,
		CrawledAt:   now,
	}
	inserted, err := deps.Documents.InsertDocument(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("%w: insert document: %w", crawler.ErrPersistence, err)
	}
	deps.Dedup.Remember(ctx, hash)
	if !inserted {
		return "", nil
	}
	r.mu.Lock()
	r.fresh++
	r.mu.Unlock()

	if deps.Extractor == nil {
		return id, nil
	}
	result, extractErr := deps.Extractor.Extract(ctx, doc, r.src)
	if len(result.Datapoints) > 0 {
		if err := deps.Datapoints.InsertDatapoints(ctx, result.Datapoints); err != nil {
			return id, fmt.Errorf("%w: insert datapoints: %w", crawler.ErrPersistence, err)
		}
	}
	return id, extractErr
}

func (r *run) publishChange(
	ctx context.Context,
	payload crawler.ExtractedPayload,
	outcome changes.Outcome,
	documentID string,
	hash string,
	now time.Time,
) {
	if r.worker.deps.Publisher == nil {
		return
	}
	event := crawler.DocumentChangedEvent{
		JobID:         r.jobID,
		SourceID:      r.src.ID,
		DocumentID:    documentID,
		URL:           payload.Location(),
		Title:         payload.DocumentTitle(),
		Kind:          payload.Kind(),
		ChangeType:    outcome.ChangeType(),
		VersionNumber: outcome.Version.VersionNumber,
		ContentHash:   hash,
		Significance:  outcome.Version.SignificanceScore,
		DetectedAt:    now,
	}
	if _, err := r.worker.deps.Publisher.Publish(ctx, crawler.TopicDocumentChanged, event); err != nil {
		r.logger.Warn("publish document change failed", zap.String("url", payload.Location()), zap.Error(err))
	}
}
