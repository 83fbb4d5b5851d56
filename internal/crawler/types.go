// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// FetchMode selects how a source's pages are acquired.
type FetchMode string

// Fetch modes accepted in source configuration.
const (
	FetchModeAuto     FetchMode = "auto"
	FetchModePlain    FetchMode = "plain"
	FetchModeRendered FetchMode = "rendered"
)

// Source is an operator-managed crawl origin. The crawler never mutates it.
type Source struct {
	ID                   string    `json:"id" yaml:"id"`
	Name                 string    `json:"name" yaml:"name"`
	StartURL             string    `json:"startUrl" yaml:"startUrl"`
	DomainAllowlist      []string  `json:"domainAllowlist" yaml:"domainAllowlist"`
	DownloadDir          string    `json:"downloadDir" yaml:"downloadDir"`
	MaxDepth             int       `json:"maxDepth" yaml:"maxDepth"`
	MaxPages             int       `json:"maxPages" yaml:"maxPages"`
	PDFLinkSelectorHints []string  `json:"pdfLinkSelectorHints" yaml:"pdfLinkSelectorHints"`
	ScrollToBottom       bool      `json:"scrollToBottom" yaml:"scrollToBottom"`
	Headless             bool      `json:"headless" yaml:"headless"`
	AnalyzeHTML          bool      `json:"analyzeHtml" yaml:"analyzeHtml"`
	Mode                 FetchMode `json:"mode" yaml:"mode"`
	SourceType           string    `json:"sourceType" yaml:"sourceType"`
	PromptTemplate       string    `json:"promptTemplate" yaml:"promptTemplate"`
	Active               bool      `json:"active" yaml:"active"`
}

// JobOptions carries per-job overrides of the source budgets.
type JobOptions struct {
	MaxDepth *int `json:"maxDepth,omitempty"`
	MaxPages *int `json:"maxPages,omitempty"`
}

// CrawlJob is one orchestrated run against a single source.
type CrawlJob struct {
	ID           string      `json:"id"`
	SourceID     string      `json:"sourceId"`
	Status       JobStatus   `json:"status"`
	Options      JobOptions  `json:"options"`
	ItemsCrawled int         `json:"itemsCrawled"`
	ItemsNew     int         `json:"itemsNew"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Errors       []PageError `json:"errors,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// MaxDepth resolves the effective depth budget for the job.
func (j CrawlJob) MaxDepth(src Source) int {
	if j.Options.MaxDepth != nil {
		return *j.Options.MaxDepth
	}
	return src.MaxDepth
}

// MaxPages resolves the effective page budget for the job.
func (j CrawlJob) MaxPages(src Source) int {
	if j.Options.MaxPages != nil {
		return *j.Options.MaxPages
	}
	return src.MaxPages
}

// JobPatch describes a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status       *JobStatus
	ItemsCrawled *int
	ItemsNew     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	AppendErrors []PageError
	UpdatedAt    time.Time
}

// Apply copies the patch onto job. Stores call it under their own lock or transaction.
func (p JobPatch) Apply(job CrawlJob) CrawlJob {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.ItemsCrawled != nil {
		job.ItemsCrawled = *p.ItemsCrawled
	}
	if p.ItemsNew != nil {
		job.ItemsNew = *p.ItemsNew
	}
	if p.StartedAt != nil {
		job.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		job.CompletedAt = p.CompletedAt
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
	if len(p.AppendErrors) > 0 {
		job.Errors = append(append([]PageError(nil), job.Errors...), p.AppendErrors...)
	}
	if !p.UpdatedAt.IsZero() {
		job.UpdatedAt = p.UpdatedAt
	}
	return job
}

// PageError is a per-page failure recorded on the job without aborting it.
type PageError struct {
	URL     string    `json:"url"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"timestamp"`
}

// CrawledDocument is a unique piece of content. Identity is the content hash.
type CrawledDocument struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"sourceId"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	CrawledAt   time.Time `json:"crawledAt"`
}

// ChangeType classifies a document sighting relative to its history.
type ChangeType string

// Change classifications.
const (
	ChangeNew       ChangeType = "new"
	ChangeUpdated   ChangeType = "updated"
	ChangeUnchanged ChangeType = "unchanged"
)

// DocumentVersion is one row of a document's version history.
type DocumentVersion struct {
	ID                string     `json:"id"`
	SourceID          string     `json:"sourceId"`
	DocumentKey       string     `json:"documentKey"`
	URL               string     `json:"url"`
	Title             string     `json:"title"`
	VersionNumber     int        `json:"versionNumber"`
	ContentHash       string     `json:"contentHash"`
	FirstSeenAt       time.Time  `json:"firstSeenAt"`
	LastSeenAt        time.Time  `json:"lastSeenAt"`
	ChangeType        ChangeType `json:"changeType"`
	IsCurrent         bool       `json:"isCurrent"`
	SignificanceScore *float64   `json:"significanceScore,omitempty"`
	NeedsReview       bool       `json:"needsReview"`
}

// HashPrefix returns the short hash shown in history listings.
func (v DocumentVersion) HashPrefix() string {
	if len(v.ContentHash) <= 12 {
		return v.ContentHash
	}
	return v.ContentHash[:12]
}

// DownloadMethod records which acquisition tier produced a file.
type DownloadMethod string

// Download methods.
const (
	DownloadNative   DownloadMethod = "native"
	DownloadFallback DownloadMethod = "fallback"
	DownloadHTTP     DownloadMethod = "http"
)

// DownloadedFile is a validated PDF written to blob storage.
type DownloadedFile struct {
	SourceURL     string         `json:"sourceUrl"`
	PageURL       string         `json:"pageUrl"`
	FilePath      string         `json:"filePath"`
	FileSizeBytes int64          `json:"fileSizeBytes"`
	ContentHash   string         `json:"contentHash"`
	Method        DownloadMethod `json:"method"`
	DownloadedAt  time.Time      `json:"downloadedAt"`
}

// DatapointOrigin tells whether a datapoint came from the pre-pass or the classifier.
type DatapointOrigin string

// Datapoint origins.
const (
	OriginHeuristic  DatapointOrigin = "heuristic"
	OriginClassifier DatapointOrigin = "classifier"
)

// Datapoint is a normalized structured fact extracted from a document.
type Datapoint struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"documentId"`
	IndicatorKey  string          `json:"indicatorKey"`
	Value         float64         `json:"value"`
	Unit          *string         `json:"unit,omitempty"`
	EffectiveDate *string         `json:"effectiveDate,omitempty"`
	Confidence    float64         `json:"confidence"`
	Origin        DatapointOrigin `json:"origin"`
}

// RawDatapoint is a datapoint as returned by the classifier, before normalization.
type RawDatapoint struct {
	IndicatorKey  string  `json:"indicatorKey"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit,omitempty"`
	EffectiveDate string  `json:"effectiveDate,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// RawEvent is a regulatory event the classifier found in a document, such as
// a rate decision or a filing deadline. Events are not persisted.
type RawEvent struct {
	EventType   string  `json:"eventType"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	EventDate   string  `json:"eventDate,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// ExtractionResult is the classifier's verdict on a document.
type ExtractionResult struct {
	IsRelevant bool           `json:"isRelevant"`
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary,omitempty"`
	Events     []RawEvent     `json:"events"`
	Datapoints []RawDatapoint `json:"datapoints"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// RenderRequest asks a browser to load and optionally scroll a page.
type RenderRequest struct {
	URL            string
	ScrollToBottom bool
}

// DownloadRequest asks a browser to fetch a linked PDF from the page that links it.
type DownloadRequest struct {
	PageURL string
	FileURL string
}

// DownloadResult is the raw payload of a browser-driven download.
type DownloadResult struct {
	Body        []byte
	ContentType string
	Method      DownloadMethod
}
