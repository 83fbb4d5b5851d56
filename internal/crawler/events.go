package crawler

import "time"

// Event topics published downstream.
const (
	TopicDocumentChanged = "document.changed"
	TopicCrawlCompleted  = "crawl.completed"
)

// DocumentChangedEvent announces a new or updated document.
type DocumentChangedEvent struct {
	JobID         string      `json:"job_id"`
	SourceID      string      `json:"source_id"`
	DocumentID    string      `json:"document_id"`
	URL           string      `json:"url"`
	Title         string      `json:"title"`
	Kind          PayloadKind `json:"kind"`
	ChangeType    ChangeType  `json:"change_type"`
	VersionNumber int         `json:"version_number"`
	ContentHash   string      `json:"content_hash"`
	Significance  *float64    `json:"significance,omitempty"`
	DetectedAt    time.Time   `json:"detected_at"`
}

// CrawlCompletedEvent summarizes a finished job.
type CrawlCompletedEvent struct {
	JobID        string    `json:"job_id"`
	SourceID     string    `json:"source_id"`
	Status       JobStatus `json:"status"`
	ItemsCrawled int       `json:"items_crawled"`
	ItemsNew     int       `json:"items_new"`
	Updated      int       `json:"updated"`
	Unchanged    int       `json:"unchanged"`
	PageErrors   int       `json:"page_errors"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}
