package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

const versionColumns = `id, source_id, document_key, url, title, version_number, content_hash,
	first_seen_at, last_seen_at, change_type, is_current, significance_score, needs_review`

// FindByHash returns the document with the given content hash.
func (s *Store) FindByHash(ctx context.Context, hash string) (crawler.CrawledDocument, error) {
	var doc crawler.CrawledDocument
	err := s.pool.QueryRow(ctx, `
SELECT id, source_id, url, title, content, content_hash, crawled_at
FROM crawled_documents WHERE content_hash = $1`, hash).Scan(
		&doc.ID, &doc.SourceID, &doc.URL, &doc.Title, &doc.Content, &doc.ContentHash, &doc.CrawledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawledDocument{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawledDocument{}, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

// InsertDocument stores doc unless its hash is already known.
func (s *Store) InsertDocument(ctx context.Context, doc crawler.CrawledDocument) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawled_documents (id, source_id, url, title, content, content_hash, crawled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (content_hash) DO NOTHING`,
		doc.ID, doc.SourceID, doc.URL, doc.Title, doc.Content, doc.ContentHash, doc.CrawledAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CurrentVersion returns the current version row for a document key.
func (s *Store) CurrentVersion(ctx context.Context, sourceID, documentKey string) (crawler.DocumentVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM document_versions
WHERE source_id = $1 AND document_key = $2 AND is_current`, sourceID, documentKey)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DocumentVersion{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.DocumentVersion{}, fmt.Errorf("select current version: %w", err)
	}
	return v, nil
}

// InsertVersion adds a version row.
func (s *Store) InsertVersion(ctx context.Context, version crawler.DocumentVersion) error {
	if err := insertVersion(ctx, s.pool, version); err != nil {
		return err
	}
	return nil
}

// TouchVersion updates LastSeenAt on a version row.
func (s *Store) TouchVersion(ctx context.Context, versionID string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE document_versions SET last_seen_at = $1 WHERE id = $2`, seenAt, versionID)
	if err != nil {
		return fmt.Errorf("touch version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// SupersedeVersion clears IsCurrent on previousID and inserts next in one transaction.
func (s *Store) SupersedeVersion(ctx context.Context, previousID string, next crawler.DocumentVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE document_versions SET is_current = FALSE WHERE id = $1 AND is_current`, previousID)
	if err != nil {
		return fmt.Errorf("retire version: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("retire version %s: %w", previousID, crawler.ErrNotFound)
	}
	if err := insertVersion(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return nil
}

// RecentChanges lists version rows for a source, most recently detected first.
func (s *Store) RecentChanges(ctx context.Context, sourceID string, limit int) ([]crawler.DocumentVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM document_versions
WHERE source_id = $1 ORDER BY first_seen_at DESC LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent changes: %w", err)
	}
	return collectVersions(rows)
}

// ChangesForReview lists updates scored above threshold or flagged for review.
func (s *Store) ChangesForReview(ctx context.Context, sourceID string, threshold float64) ([]crawler.DocumentVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM document_versions
WHERE source_id = $1 AND change_type = 'updated' AND (needs_review OR significance_score > $2)
ORDER BY first_seen_at DESC`, sourceID, threshold)
	if err != nil {
		return nil, fmt.Errorf("select changes for review: %w", err)
	}
	return collectVersions(rows)
}

// VersionHistory returns all versions of a document key in version order.
func (s *Store) VersionHistory(ctx context.Context, sourceID, documentKey string) ([]crawler.DocumentVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM document_versions
WHERE source_id = $1 AND document_key = $2 ORDER BY version_number ASC`, sourceID, documentKey)
	if err != nil {
		return nil, fmt.Errorf("select version history: %w", err)
	}
	return collectVersions(rows)
}

// InsertDatapoints stores points in one transaction, skipping duplicates.
func (s *Store) InsertDatapoints(ctx context.Context, points []crawler.Datapoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin datapoints: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range points {
		_, err := tx.Exec(ctx, `
INSERT INTO datapoints (id, document_id, indicator_key, value, unit, effective_date, confidence, origin)
VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8)
ON CONFLICT DO NOTHING`,
			p.ID, p.DocumentID, p.IndicatorKey, p.Value, p.Unit, p.EffectiveDate, p.Confidence, string(p.Origin),
		)
		if err != nil {
			return fmt.Errorf("insert datapoint %s: %w", p.IndicatorKey, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit datapoints: %w", err)
	}
	return nil
}

// ListDatapoints returns the datapoints stored for a document.
func (s *Store) ListDatapoints(ctx context.Context, documentID string) ([]crawler.Datapoint, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, document_id, indicator_key, value, unit, effective_date::text, confidence, origin
FROM datapoints WHERE document_id = $1 ORDER BY indicator_key`, documentID)
	if err != nil {
		return nil, fmt.Errorf("select datapoints: %w", err)
	}
	defer rows.Close()

	var out []crawler.Datapoint
	for rows.Next() {
		var (
			p      crawler.Datapoint
			unit   pgtype.Text
			date   pgtype.Text
			origin string
		)
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.IndicatorKey, &p.Value, &unit, &date, &p.Confidence, &origin); err != nil {
			return nil, fmt.Errorf("scan datapoint: %w", err)
		}
		if unit.Valid {
			u := unit.String
			p.Unit = &u
		}
		if date.Valid {
			d := date.String
			p.EffectiveDate = &d
		}
		p.Origin = crawler.DatapointOrigin(origin)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datapoints: %w", err)
	}
	return out, nil
}

// RecordDownload appends a downloaded file to the job's ledger.
func (s *Store) RecordDownload(ctx context.Context, jobID string, file crawler.DownloadedFile) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO downloaded_files (job_id, source_url, page_url, file_path, file_size_bytes, content_hash, method, downloaded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (job_id, source_url) DO NOTHING`,
		jobID, file.SourceURL, file.PageURL, file.FilePath, file.FileSizeBytes, file.ContentHash,
		string(file.Method), file.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

type versionWriter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertVersion(ctx context.Context, db versionWriter, v crawler.DocumentVersion) error {
	_, err := db.Exec(ctx, `INSERT INTO document_versions (`+versionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		v.ID, v.SourceID, v.DocumentKey, v.URL, v.Title, v.VersionNumber, v.ContentHash,
		v.FirstSeenAt, v.LastSeenAt, string(v.ChangeType), v.IsCurrent, v.SignificanceScore, v.NeedsReview,
	)
	if err != nil {
		return fmt.Errorf("insert version %d of %s: %w", v.VersionNumber, v.DocumentKey, err)
	}
	return nil
}

func scanVersion(row pgx.Row) (crawler.DocumentVersion, error) {
	var (
		v          crawler.DocumentVersion
		changeType string
		score      pgtype.Float8
	)
	if err := row.Scan(
		&v.ID, &v.SourceID, &v.DocumentKey, &v.URL, &v.Title, &v.VersionNumber, &v.ContentHash,
		&v.FirstSeenAt, &v.LastSeenAt, &changeType, &v.IsCurrent, &score, &v.NeedsReview,
	); err != nil {
		return crawler.DocumentVersion{}, err
	}
	v.ChangeType = crawler.ChangeType(changeType)
	if score.Valid {
		f := score.Float64
		v.SignificanceScore = &f
	}
	return v, nil
}

func collectVersions(rows pgx.Rows) ([]crawler.DocumentVersion, error) {
	defer rows.Close()
	var out []crawler.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}
