package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

const jobColumns = `id, source_id, status, options, items_crawled, items_new,
	started_at, completed_at, error_message, errors, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	errs, err := marshalErrors(job.Errors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID,
		job.SourceID,
		string(job.Status),
		options,
		job.ItemsCrawled,
		job.ItemsNew,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorMessage,
		errs,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row, checks the status precondition, and writes the patched job.
func (s *Store) UpdateJob(
	ctx context.Context,
	jobID string,
	patch crawler.JobPatch,
	allowedFrom ...crawler.JobStatus,
) (crawler.CrawlJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("lock job: %w", err)
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, job.Status) {
		return crawler.CrawlJob{}, &crawler.StatusConflictError{JobID: jobID, Current: job.Status, Allowed: allowedFrom}
	}

	job = patch.Apply(job)
	errs, err := marshalErrors(job.Errors)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	_, err = tx.Exec(ctx, `
UPDATE crawl_jobs
SET status = $1, items_crawled = $2, items_new = $3, started_at = $4, completed_at = $5,
	error_message = $6, errors = $7, updated_at = $8
WHERE id = $9`,
		string(job.Status),
		job.ItemsCrawled,
		job.ItemsNew,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorMessage,
		errs,
		job.UpdatedAt,
		jobID,
	)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("commit job update: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job         crawler.CrawlJob
		status      string
		options     []byte
		errs        []byte
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceID,
		&status,
		&options,
		&job.ItemsCrawled,
		&job.ItemsNew,
		&startedAt,
		&completedAt,
		&job.ErrorMessage,
		&errs,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return crawler.CrawlJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode job options: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode job errors: %w", err)
		}
	}
	return job, nil
}

func marshalErrors(errs []crawler.PageError) ([]byte, error) {
	if errs == nil {
		errs = []crawler.PageError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("marshal page errors: %w", err)
	}
	return data, nil
}
