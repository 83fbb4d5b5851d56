package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

type versionKey struct {
	sourceID    string
	documentKey string
}

type datapointKey struct {
	documentID   string
	indicatorKey string
	value        float64
	date         string
}

// CorpusStore keeps documents, versions, datapoints and downloads in memory.
// It implements DocumentStore, VersionStore, DatapointStore and DownloadStore.
type CorpusStore struct {
	mu sync.RWMutex

	documents  map[string]crawler.CrawledDocument
	versions   map[versionKey][]crawler.DocumentVersion
	datapoints map[string][]crawler.Datapoint
	seenPoints map[datapointKey]struct{}
	downloads  map[string][]crawler.DownloadedFile
}

// NewCorpusStore constructs an empty CorpusStore.
func NewCorpusStore() *CorpusStore {
	return &CorpusStore{
		documents:  make(map[string]crawler.CrawledDocument),
		versions:   make(map[versionKey][]crawler.DocumentVersion),
		datapoints: make(map[string][]crawler.Datapoint),
		seenPoints: make(map[datapointKey]struct{}),
		downloads:  make(map[string][]crawler.DownloadedFile),
	}
}

// FindByHash returns the document with the given content hash.
func (s *CorpusStore) FindByHash(_ context.Context, hash string) (crawler.CrawledDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[hash]
	if !ok {
		return crawler.CrawledDocument{}, crawler.ErrNotFound
	}
	return doc, nil
}

// InsertDocument stores doc unless its hash is already known.
func (s *CorpusStore) InsertDocument(_ context.Context, doc crawler.CrawledDocument) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ContentHash]; exists {
		return false, nil
	}
	s.documents[doc.ContentHash] = doc
	return true, nil
}

// DocumentCount returns the number of unique documents.
func (s *CorpusStore) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// CurrentVersion returns the current version row for a document key.
func (s *CorpusStore) CurrentVersion(_ context.Context, sourceID, documentKey string) (crawler.DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[versionKey{sourceID, documentKey}] {
		if v.IsCurrent {
			return v, nil
		}
	}
	return crawler.DocumentVersion{}, crawler.ErrNotFound
}

// InsertVersion adds the first version of a document key.
func (s *CorpusStore) InsertVersion(_ context.Context, version crawler.DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{version.SourceID, version.DocumentKey}
	for _, v := range s.versions[key] {
		if v.VersionNumber == version.VersionNumber {
			return fmt.Errorf("version %d of %s already exists", version.VersionNumber, version.DocumentKey)
		}
		if v.IsCurrent && version.IsCurrent {
			return fmt.Errorf("document %s already has a current version", version.DocumentKey)
		}
	}
	s.versions[key] = append(s.versions[key], version)
	return nil
}

// TouchVersion updates LastSeenAt on a version row.
func (s *CorpusStore) TouchVersion(_ context.Context, versionID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rows := range s.versions {
		for i := range rows {
			if rows[i].ID == versionID {
				rows[i].LastSeenAt = seenAt
				s.versions[key] = rows
				return nil
			}
		}
	}
	return crawler.ErrNotFound
}

// SupersedeVersion clears IsCurrent on previousID and appends next. Both happen or neither.
func (s *CorpusStore) SupersedeVersion(_ context.Context, previousID string, next crawler.DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey{next.SourceID, next.DocumentKey}
	rows := s.versions[key]
	idx := -1
	for i := range rows {
		if rows[i].VersionNumber == next.VersionNumber {
			return fmt.Errorf("version %d of %s already exists", next.VersionNumber, next.DocumentKey)
		}
		if rows[i].ID == previousID {
			idx = i
		}
	}
	if idx < 0 || !rows[idx].IsCurrent {
		return fmt.Errorf("supersede %s: current version %s: %w", next.DocumentKey, previousID, crawler.ErrNotFound)
	}
	updated := append([]crawler.DocumentVersion(nil), rows...)
	updated[idx].IsCurrent = false
	s.versions[key] = append(updated, next)
	return nil
}

// RecentChanges lists version rows for a source, most recently detected first.
func (s *CorpusStore) RecentChanges(_ context.Context, sourceID string, limit int) ([]crawler.DocumentVersion, error) {
	out := s.collect(sourceID, func(crawler.DocumentVersion) bool { return true })
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeenAt.After(out[j].FirstSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ChangesForReview lists updates scored above threshold or flagged for review.
func (s *CorpusStore) ChangesForReview(_ context.Context, sourceID string, threshold float64) ([]crawler.DocumentVersion, error) {
	out := s.collect(sourceID, func(v crawler.DocumentVersion) bool {
		if v.ChangeType != crawler.ChangeUpdated {
			return false
		}
		return v.NeedsReview || (v.SignificanceScore != nil && *v.SignificanceScore > threshold)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeenAt.After(out[j].FirstSeenAt) })
	return out, nil
}

// VersionHistory returns all versions of a document key in version order.
func (s *CorpusStore) VersionHistory(_ context.Context, sourceID, documentKey string) ([]crawler.DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]crawler.DocumentVersion(nil), s.versions[versionKey{sourceID, documentKey}]...)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (s *CorpusStore) collect(sourceID string, keep func(crawler.DocumentVersion) bool) []crawler.DocumentVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.DocumentVersion
	for key, rows := range s.versions {
		if sourceID != "" && key.sourceID != sourceID {
			continue
		}
		for _, v := range rows {
			if keep(v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// InsertDatapoints stores points, ignoring ones already recorded for the same document.
func (s *CorpusStore) InsertDatapoints(_ context.Context, points []crawler.Datapoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		key := datapointKey{documentID: p.DocumentID, indicatorKey: p.IndicatorKey, value: p.Value}
		if p.EffectiveDate != nil {
			key.date = *p.EffectiveDate
		}
		if _, dup := s.seenPoints[key]; dup {
			continue
		}
		s.seenPoints[key] = struct{}{}
		s.datapoints[p.DocumentID] = append(s.datapoints[p.DocumentID], p)
	}
	return nil
}

// ListDatapoints returns the datapoints stored for a document.
func (s *CorpusStore) ListDatapoints(_ context.Context, documentID string) ([]crawler.Datapoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.Datapoint(nil), s.datapoints[documentID]...), nil
}

// RecordDownload appends a downloaded file to the job's ledger.
func (s *CorpusStore) RecordDownload(_ context.Context, jobID string, file crawler.DownloadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[jobID] = append(s.downloads[jobID], file)
	return nil
}

// Downloads returns the files recorded for a job.
func (s *CorpusStore) Downloads(jobID string) []crawler.DownloadedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.DownloadedFile(nil), s.downloads[jobID]...)
}
