// Package jobs owns the crawl job state machine.
//
// Jobs move pending → running → done|failed, or pending → failed when they are
// cancelled or fail before starting. Every status write is conditional on the
// stored status so a concurrent cancel and completion cannot both land.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// DefaultCancelReason is recorded when Cancel is called without a reason.
const DefaultCancelReason = "Manually cancelled"

var transitions = map[crawler.JobStatus][]crawler.JobStatus{
	crawler.JobStatusPending: {crawler.JobStatusRunning, crawler.JobStatusFailed},
	crawler.JobStatusRunning: {crawler.JobStatusDone, crawler.JobStatusFailed},
}

// CanTransition reports whether the machine allows from → to.
func CanTransition(from, to crawler.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// predecessors lists the statuses from which to is reachable.
func predecessors(to crawler.JobStatus) []crawler.JobStatus {
	var out []crawler.JobStatus
	for _, from := range []crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Counts are the final tallies written on completion.
type Counts struct {
	ItemsCrawled int
	ItemsNew     int
}

// Compensation is the result of a best-effort write made while handling a
// failure. Primary is the original cause; Secondary is the write's own error,
// which has already been logged and must not replace Primary.
type Compensation struct {
	Primary   error
	Secondary error
}

// Err returns the error callers should propagate.
func (c Compensation) Err() error {
	return c.Primary
}

// Manager implements job lifecycle operations over a crawler.JobStore.
type Manager struct {
	store  crawler.JobStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Manager.
func New(store crawler.JobStore, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, ids: ids, clock: clock, logger: logger.Named("jobs")}
}

// Create records a pending job for sourceID.
func (m *Manager) Create(ctx context.Context, sourceID string, opts crawler.JobOptions) (crawler.CrawlJob, error) {
	if strings.TrimSpace(sourceID) == "" {
		return crawler.CrawlJob{}, fmt.Errorf("source id is required")
	}
	if opts.MaxDepth != nil && *opts.MaxDepth < 0 {
		return crawler.CrawlJob{}, fmt.Errorf("max depth must be >= 0")
	}
	if opts.MaxPages != nil && *opts.MaxPages < 1 {
		return crawler.CrawlJob{}, fmt.Errorf("max pages must be >= 1")
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("job id: %w", err)
	}
	now := m.clock.Now()
	job := crawler.CrawlJob{
		ID:        id,
		SourceID:  sourceID,
		Status:    crawler.JobStatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("%w: create job: %w", crawler.ErrPersistence, err)
	}
	m.logger.Info("job created", zap.String("job_id", id), zap.String("source_id", sourceID))
	return job, nil
}

// Get loads a job.
func (m *Manager) Get(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// Update applies a partial update. A patch that sets a status is only applied
// when the stored status can legally move to it.
func (m *Manager) Update(ctx context.Context, jobID string, patch crawler.JobPatch) (crawler.CrawlJob, error) {
	var allowed []crawler.JobStatus
	if patch.Status != nil {
		allowed = predecessors(*patch.Status)
		if len(allowed) == 0 {
			return crawler.CrawlJob{}, fmt.Errorf("%w: to %s", crawler.ErrInvalidTransition, *patch.Status)
		}
	}
	patch.UpdatedAt = m.clock.Now()
	job, err := m.store.UpdateJob(ctx, jobID, patch, allowed...)
	if err != nil {
		if errors.Is(err, crawler.ErrStatusConflict) {
			return crawler.CrawlJob{}, fmt.Errorf("%w: %w", crawler.ErrInvalidTransition, err)
		}
		return crawler.CrawlJob{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	return job, nil
}

// Start moves a pending job to running.
func (m *Manager) Start(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	now := m.clock.Now()
	status := crawler.JobStatusRunning
	return m.Update(ctx, jobID, crawler.JobPatch{Status: &status, StartedAt: &now})
}

// Complete moves a running job to done with its final counts.
func (m *Manager) Complete(ctx context.Context, jobID string, counts Counts) (crawler.CrawlJob, error) {
	now := m.clock.Now()
	status := crawler.JobStatusDone
	job, err := m.Update(ctx, jobID, crawler.JobPatch{
		Status:       &status,
		CompletedAt:  &now,
		ItemsCrawled: &counts.ItemsCrawled,
		ItemsNew:     &counts.ItemsNew,
	})
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	metrics.ObserveJob(string(status))
	return job, nil
}

// Fail moves a pending or running job to failed with a reason.
func (m *Manager) Fail(ctx context.Context, jobID, message string) (crawler.CrawlJob, error) {
	now := m.clock.Now()
	status := crawler.JobStatusFailed
	job, err := m.Update(ctx, jobID, crawler.JobPatch{
		Status:       &status,
		CompletedAt:  &now,
		ErrorMessage: &message,
	})
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	metrics.ObserveJob(string(status))
	return job, nil
}

// Cancel fails a non-terminal job with reason. Terminal jobs are left untouched
// and a *crawler.CancelError is returned.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string) (crawler.CrawlJob, error) {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultCancelReason
	}
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	if job.Status.Terminal() {
		return crawler.CrawlJob{}, &crawler.CancelError{Status: job.Status}
	}

	cancelled, err := m.Fail(ctx, jobID, reason)
	var conflict *crawler.StatusConflictError
	if errors.As(err, &conflict) {
		// Lost a race with completion; report what actually happened.
		return crawler.CrawlJob{}, &crawler.CancelError{Status: conflict.Current}
	}
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	m.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return cancelled, nil
}

// AppendErrors adds page errors to the job without touching its status.
func (m *Manager) AppendErrors(ctx context.Context, jobID string, errs []crawler.PageError) (crawler.CrawlJob, error) {
	if len(errs) == 0 {
		return m.Get(ctx, jobID)
	}
	return m.Update(ctx, jobID, crawler.JobPatch{AppendErrors: errs})
}

// Stopped reports whether the stored job has left the running state, which is
// how a cancel reaches an in-flight traversal. Lookup failures do not stop the run.
func (m *Manager) Stopped(ctx context.Context, jobID string) bool {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("job status check failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return job.Status.Terminal()
}

// FailBestEffort records cause on the job. A failure to do so is logged and
// carried as Secondary; it never replaces cause.
func (m *Manager) FailBestEffort(ctx context.Context, jobID string, cause error) Compensation {
	comp := Compensation{Primary: cause}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	if _, err := m.Fail(ctx, jobID, message); err != nil {
		m.logger.Error("final job status update failed",
			zap.String("job_id", jobID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		comp.Secondary = err
	}
	return comp
}

// AppendErrorsBestEffort records page errors, logging instead of returning a write failure.
func (m *Manager) AppendErrorsBestEffort(ctx context.Context, jobID string, cause error, errs []crawler.PageError) Compensation {
	comp := Compensation{Primary: cause}
	if _, err := m.AppendErrors(ctx, jobID, errs); err != nil {
		m.logger.Error("recording page errors failed",
			zap.String("job_id", jobID),
			zap.Int("errors", len(errs)),
			zap.Error(err),
		)
		comp.Secondary = err
	}
	return comp
}
