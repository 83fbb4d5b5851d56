// Package changes classifies document sightings as new, unchanged, or updated
// and maintains the per-document version history.
package changes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// DefaultReviewThreshold is the significance score at which an update needs review.
const DefaultReviewThreshold = 0.3

// DefaultRecentLimit caps RecentChanges when no limit is given.
const DefaultRecentLimit = 50

// Config controls review flagging.
type Config struct {
	ReviewThreshold float64
}

// Sighting is one observation of a document during a crawl.
type Sighting struct {
	DocumentKey string
	URL         string
	Title       string
	ContentHash string
	Content     string
	SeenAt      time.Time
}

// Outcome reports how a sighting was classified.
type Outcome struct {
	IsNew      bool
	HasChanged bool
	Version    crawler.DocumentVersion
}

// ChangeType returns the classification of the outcome.
func (o Outcome) ChangeType() crawler.ChangeType {
	switch {
	case o.IsNew:
		return crawler.ChangeNew
	case o.HasChanged:
		return crawler.ChangeUpdated
	default:
		return crawler.ChangeUnchanged
	}
}

// Detector implements change classification on top of the version store.
type Detector struct {
	versions  crawler.VersionStore
	docs      crawler.DocumentStore
	ids       crawler.IDGenerator
	clock     crawler.Clock
	threshold float64
	logger    *zap.Logger
}

// New builds a Detector.
func New(
	versions crawler.VersionStore,
	docs crawler.DocumentStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Detector {
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = DefaultReviewThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		versions:  versions,
		docs:      docs,
		ids:       ids,
		clock:     clock,
		threshold: cfg.ReviewThreshold,
		logger:    logger.Named("changes"),
	}
}

// ProcessDocument classifies a sighting and writes the version history accordingly.
func (d *Detector) ProcessDocument(ctx context.Context, sourceID string, s Sighting) (Outcome, error) {
	if s.DocumentKey == "" {
		s.DocumentKey = DocumentKey(s.URL, s.Title)
	}
	if s.SeenAt.IsZero() {
		s.SeenAt = d.clock.Now()
	}

	current, err := d.versions.CurrentVersion(ctx, sourceID, s.DocumentKey)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return d.insertFirst(ctx, sourceID, s)
	case err != nil:
		return Outcome{}, fmt.Errorf("%w: current version: %w", crawler.ErrPersistence, err)
	}

	if current.ContentHash == s.ContentHash {
		if err := d.versions.TouchVersion(ctx, current.ID, s.SeenAt); err != nil {
			return Outcome{}, fmt.Errorf("%w: touch version: %w", crawler.ErrPersistence, err)
		}
		current.LastSeenAt = s.SeenAt
		metrics.ObserveDocument(string(crawler.ChangeUnchanged))
		return Outcome{Version: current}, nil
	}
	return d.supersede(ctx, sourceID, current, s)
}

func (d *Detector) insertFirst(ctx context.Context, sourceID string, s Sighting) (Outcome, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return Outcome{}, fmt.Errorf("version id: %w", err)
	}
	version := crawler.DocumentVersion{
		ID:            id,
		SourceID:      sourceID,
		DocumentKey:   s.DocumentKey,
		URL:           s.URL,
		Title:         s.Title,
		VersionNumber: 1,
		ContentHash:   s.ContentHash,
		FirstSeenAt:   s.SeenAt,
		LastSeenAt:    s.SeenAt,
		ChangeType:    crawler.ChangeNew,
		IsCurrent:     true,
	}
	if err := d.versions.InsertVersion(ctx, version); err != nil {
		return Outcome{}, fmt.Errorf("%w: insert version: %w", crawler.ErrPersistence, err)
	}
	metrics.ObserveDocument(string(crawler.ChangeNew))
	return Outcome{IsNew: true, Version: version}, nil
}

func (d *Detector) supersede(ctx context.Context, sourceID string, current crawler.DocumentVersion, s Sighting) (Outcome, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return Outcome{}, fmt.Errorf("version id: %w", err)
	}
	next := crawler.DocumentVersion{
		ID:            id,
		SourceID:      sourceID,
		DocumentKey:   s.DocumentKey,
		URL:           s.URL,
		Title:         s.Title,
		VersionNumber: current.VersionNumber + 1,
		ContentHash:   s.ContentHash,
		FirstSeenAt:   s.SeenAt,
		LastSeenAt:    s.SeenAt,
		ChangeType:    crawler.ChangeUpdated,
		IsCurrent:     true,
	}

	prior, err := d.docs.FindByHash(ctx, current.ContentHash)
	switch {
	case err == nil:
		score := Significance(prior.Content, s.Content)
		next.SignificanceScore = &score
		next.NeedsReview = score >= d.threshold
	case errors.Is(err, crawler.ErrNotFound):
		d.logger.Info("prior content unavailable, flagging for review",
			zap.String("source_id", sourceID),
			zap.String("document_key", s.DocumentKey),
		)
		next.NeedsReview = true
	default:
		return Outcome{}, fmt.Errorf("%w: prior content: %w", crawler.ErrPersistence, err)
	}

	if err := d.versions.SupersedeVersion(ctx, current.ID, next); err != nil {
		return Outcome{}, fmt.Errorf("%w: supersede version: %w", crawler.ErrPersistence, err)
	}
	metrics.ObserveDocument(string(crawler.ChangeUpdated))
	return Outcome{HasChanged: true, Version: next}, nil
}

// RecentChanges lists versions for a source, newest detection first.
func (d *Detector) RecentChanges(ctx context.Context, sourceID string, limit int) ([]crawler.DocumentVersion, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	out, err := d.versions.RecentChanges(ctx, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent changes: %w", crawler.ErrPersistence, err)
	}
	return out, nil
}

// ChangesForReview lists updates above the review threshold or flagged for review.
func (d *Detector) ChangesForReview(ctx context.Context, sourceID string) ([]crawler.DocumentVersion, error) {
	out, err := d.versions.ChangesForReview(ctx, sourceID, d.threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: changes for review: %w", crawler.ErrPersistence, err)
	}
	return out, nil
}

// VersionHistory lists every version of the document at url, oldest first.
func (d *Detector) VersionHistory(ctx context.Context, sourceID, url string) ([]crawler.DocumentVersion, error) {
	out, err := d.versions.VersionHistory(ctx, sourceID, DocumentKey(url, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: version history: %w", crawler.ErrPersistence, err)
	}
	return out, nil
}

// DocumentKey identifies a document across runs: its normalized URL, or the
// lowercased title when there is no usable URL.
func DocumentKey(rawURL, title string) string {
	if strings.TrimSpace(rawURL) != "" {
		if normalized, err := crawler.NormalizeURL(rawURL); err == nil {
			return normalized
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// Significance is 1 minus the Jaccard similarity of the two texts' word sets,
// rounded to three decimals.
func Significance(previous, current string) float64 {
	a, b := wordSet(previous), wordSet(current)
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	score := 1 - float64(intersection)/float64(union)
	return math.Round(score*1000) / 1000
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
