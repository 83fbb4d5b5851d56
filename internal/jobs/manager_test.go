package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/storage/memory"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func newManager() (*Manager, *memory.JobStore, *clock.Manual) {
	store := memory.NewJobStore()
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	return New(store, &seqIDs{}, clk, nil), store, clk
}

func intPtr(v int) *int { return &v }

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, clk := newManager()

	job, err := m.Create(ctx, "bsp", crawler.JobOptions{MaxPages: intPtr(5)})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Nil(t, job.StartedAt)

	clk.Advance(time.Minute)
	job, err = m.Start(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.False(t, m.Stopped(ctx, job.ID))

	clk.Advance(time.Minute)
	job, err = m.Complete(ctx, job.ID, Counts{ItemsCrawled: 4, ItemsNew: 2})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusDone, job.Status)
	require.Equal(t, 4, job.ItemsCrawled)
	require.Equal(t, 2, job.ItemsNew)
	require.Equal(t, clk.Now(), *job.CompletedAt)
	require.Equal(t, clk.Now(), job.UpdatedAt)
	require.True(t, m.Stopped(ctx, job.ID))
}

func TestCreateValidatesOptions(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager()
	_, err := m.Create(context.Background(), "", crawler.JobOptions{})
	require.Error(t, err)
	_, err = m.Create(context.Background(), "bsp", crawler.JobOptions{MaxDepth: intPtr(-1)})
	require.Error(t, err)
	_, err = m.Create(context.Background(), "bsp", crawler.JobOptions{MaxPages: intPtr(0)})
	require.Error(t, err)
}

func TestIllegalTransitionsDoNotMutate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newManager()
	job, err := m.Create(ctx, "bsp", crawler.JobOptions{})
	require.NoError(t, err)

	_, err = m.Complete(ctx, job.ID, Counts{ItemsCrawled: 1})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.ErrorIs(t, err, crawler.ErrStatusConflict)

	pending := crawler.JobStatusPending
	_, err = m.Update(ctx, job.ID, crawler.JobPatch{Status: &pending})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, stored.Status)
	require.Zero(t, stored.ItemsCrawled)
}

func TestFailBeforeStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newManager()
	job, err := m.Create(ctx, "bsp", crawler.JobOptions{})
	require.NoError(t, err)

	job, err = m.Fail(ctx, job.ID, "source not found")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "source not found", job.ErrorMessage)

	_, err = m.Start(ctx, job.ID)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newManager()

	running, err := m.Create(ctx, "bsp", crawler.JobOptions{})
	require.NoError(t, err)
	_, err = m.Start(ctx, running.ID)
	require.NoError(t, err)
	cancelled, err := m.Cancel(ctx, running.ID, "")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, cancelled.Status)
	require.Equal(t, DefaultCancelReason, cancelled.ErrorMessage)

	_, err = m.Cancel(ctx, running.ID, "again")
	var cancelErr *crawler.CancelError
	require.ErrorAs(t, err, &cancelErr)
	require.EqualError(t, err, "Cannot cancel job with status 'failed'")

	done, err := m.Create(ctx, "bsp", crawler.JobOptions{})
	require.NoError(t, err)
	_, err = m.Start(ctx, done.ID)
	require.NoError(t, err)
	_, err = m.Complete(ctx, done.ID, Counts{ItemsCrawled: 3})
	require.NoError(t, err)

	_, err = m.Cancel(ctx, done.ID, "too late")
	require.EqualError(t, err, "Cannot cancel job with status 'done'")
	after, err := m.Get(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusDone, after.Status)
	require.Empty(t, after.ErrorMessage)
	require.Equal(t, 3, after.ItemsCrawled)
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager()
	_, err := m.Update(context.Background(), "missing", crawler.JobPatch{})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.Contains(t, err.Error(), "Crawl job not found")

	_, err = m.Cancel(context.Background(), "missing", "")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestAppendErrorsAccumulates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, clk := newManager()
	job, err := m.Create(ctx, "bsp", crawler.JobOptions{})
	require.NoError(t, err)

	first := crawler.PageError{URL: "https://x/1", Kind: crawler.KindNetwork, Message: "timeout", At: clk.Now()}
	second := crawler.PageError{URL: "https://x/2", Kind: crawler.KindInvalidPDF, Message: "missing header", At: clk.Now()}
	_, err = m.AppendErrors(ctx, job.ID, []crawler.PageError{first})
	require.NoError(t, err)
	job, err = m.AppendErrors(ctx, job.ID, []crawler.PageError{second})
	require.NoError(t, err)
	require.Equal(t, []crawler.PageError{first, second}, job.Errors)
	require.Equal(t, crawler.JobStatusPending, job.Status)
}

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobStore) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(crawler.CrawlJob), args.Error(1)
}

func (m *mockJobStore) UpdateJob(ctx context.Context, jobID string, patch crawler.JobPatch, allowedFrom ...crawler.JobStatus) (crawler.CrawlJob, error) {
	args := m.Called(ctx, jobID, patch, allowedFrom)
	return args.Get(0).(crawler.CrawlJob), args.Error(1)
}

func TestCancelLosingRaceReportsWinner(t *testing.T) {
	t.Parallel()

	store := &mockJobStore{}
	store.On("GetJob", mock.Anything, "job-1").Return(crawler.CrawlJob{ID: "job-1", Status: crawler.JobStatusRunning}, nil)
	store.On("UpdateJob", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(crawler.CrawlJob{}, &crawler.StatusConflictError{
		JobID:   "job-1",
		Current: crawler.JobStatusDone,
		Allowed: []crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning},
	})

	m := New(store, &seqIDs{}, clock.NewSystem(), nil)
	_, err := m.Cancel(context.Background(), "job-1", "operator")
	require.EqualError(t, err, "Cannot cancel job with status 'done'")
	store.AssertExpectations(t)
}

func TestFailBestEffortKeepsPrimary(t *testing.T) {
	t.Parallel()

	store := &mockJobStore{}
	writeErr := errors.New("database unavailable")
	store.On("UpdateJob", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(crawler.CrawlJob{}, writeErr)

	m := New(store, &seqIDs{}, clock.NewSystem(), nil)
	cause := fmt.Errorf("load source: %w", crawler.ErrSourceNotFound)

	comp := m.FailBestEffort(context.Background(), "job-1", cause)
	require.Same(t, cause, comp.Err())
	require.ErrorIs(t, comp.Secondary, writeErr)

	comp = m.AppendErrorsBestEffort(context.Background(), "job-1", nil, []crawler.PageError{{URL: "https://x"}})
	require.NoError(t, comp.Err())
	require.ErrorIs(t, comp.Secondary, writeErr)
}

func TestStoppedIgnoresLookupFailure(t *testing.T) {
	t.Parallel()

	store := &mockJobStore{}
	store.On("GetJob", mock.Anything, "job-1").Return(crawler.CrawlJob{}, errors.New("timeout"))
	m := New(store, &seqIDs{}, clock.NewSystem(), nil)
	require.False(t, m.Stopped(context.Background(), "job-1"))
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(crawler.JobStatusPending, crawler.JobStatusRunning))
	require.True(t, CanTransition(crawler.JobStatusPending, crawler.JobStatusFailed))
	require.False(t, CanTransition(crawler.JobStatusPending, crawler.JobStatusDone))
	require.True(t, CanTransition(crawler.JobStatusRunning, crawler.JobStatusDone))
	require.False(t, CanTransition(crawler.JobStatusDone, crawler.JobStatusFailed))
	require.False(t, CanTransition(crawler.JobStatusFailed, crawler.JobStatusRunning))
}
