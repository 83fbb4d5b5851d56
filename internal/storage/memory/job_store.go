// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// JobStore keeps crawl jobs in a map.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.CrawlJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.CrawlJob)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateJob applies patch, optionally conditioned on the current status.
func (s *JobStore) UpdateJob(
	_ context.Context,
	jobID string,
	patch crawler.JobPatch,
	allowedFrom ...crawler.JobStatus,
) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, job.Status) {
		return crawler.CrawlJob{}, &crawler.StatusConflictError{
			JobID:   jobID,
			Current: job.Status,
			Allowed: allowedFrom,
		}
	}
	job = patch.Apply(job)
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListJobs returns jobs for a source (all sources when sourceID is empty), newest first.
func (s *JobStore) ListJobs(_ context.Context, sourceID string) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if sourceID == "" || job.SourceID == sourceID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneJob(job crawler.CrawlJob) crawler.CrawlJob {
	job.Errors = append([]crawler.PageError(nil), job.Errors...)
	return job
}
