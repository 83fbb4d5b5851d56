package crawler

import (
	"context"
	"io"
	"time"
)

// SourceStore exposes the operator-managed source catalog.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (Source, error)
	ListActiveSources(ctx context.Context) ([]Source, error)
}

// JobStore persists crawl jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	// UpdateJob applies the patch atomically. When allowedFrom is non-empty the
	// update only happens if the stored status is one of them; otherwise a
	// *StatusConflictError is returned.
	UpdateJob(ctx context.Context, jobID string, patch JobPatch, allowedFrom ...JobStatus) (CrawlJob, error)
}

// DocumentStore persists unique content keyed by hash.
type DocumentStore interface {
	FindByHash(ctx context.Context, hash string) (CrawledDocument, error)
	// InsertDocument reports false when a document with the same hash already exists.
	InsertDocument(ctx context.Context, doc CrawledDocument) (bool, error)
}

// VersionStore persists per-document version history.
type VersionStore interface {
	CurrentVersion(ctx context.Context, sourceID, documentKey string) (DocumentVersion, error)
	InsertVersion(ctx context.Context, version DocumentVersion) error
	TouchVersion(ctx context.Context, versionID string, seenAt time.Time) error
	// SupersedeVersion clears IsCurrent on previousID and inserts next in one transaction.
	SupersedeVersion(ctx context.Context, previousID string, next DocumentVersion) error
	RecentChanges(ctx context.Context, sourceID string, limit int) ([]DocumentVersion, error)
	ChangesForReview(ctx context.Context, sourceID string, threshold float64) ([]DocumentVersion, error)
	VersionHistory(ctx context.Context, sourceID, documentKey string) ([]DocumentVersion, error)
}

// DatapointStore persists normalized datapoints.
type DatapointStore interface {
	InsertDatapoints(ctx context.Context, points []Datapoint) error
	ListDatapoints(ctx context.Context, documentID string) ([]Datapoint, error)
}

// DownloadStore records downloaded files per job.
type DownloadStore interface {
	RecordDownload(ctx context.Context, jobID string, file DownloadedFile) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes domain events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer loads a page in a browser.
type Renderer interface {
	Render(ctx context.Context, request RenderRequest) (FetchResponse, error)
}

// BrowserDownloader downloads a linked file through the browser session.
type BrowserDownloader interface {
	Download(ctx context.Context, request DownloadRequest) (DownloadResult, error)
}

// HeadlessDetector decides whether a plain response should be re-fetched rendered.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RateLimiter spaces acquisitions per key.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) error
}

// RobotsGate decides whether robots.txt permits a fetch.
type RobotsGate interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(text string) string
}

// Classifier is the external classification/extraction capability.
type Classifier interface {
	Classify(ctx context.Context, text, promptTemplate, sourceType string) (ExtractionResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	SourceID  string
	Attempt   int
	Submitted int64
}
