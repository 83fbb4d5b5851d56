package memory

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

func TestCorpusStoreDocumentsKeyedByHash(t *testing.T) {
	t.Parallel()

	store := NewCorpusStore()
	ctx := context.Background()

	_, err := store.FindByHash(ctx, "h1")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	inserted, err := store.InsertDocument(ctx, crawler.CrawledDocument{ID: "d1", URL: "https://a/1", ContentHash: "h1"})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertDocument(ctx, crawler.CrawledDocument{ID: "d2", URL: "https://a/2", ContentHash: "h1"})
	require.NoError(t, err)
	require.False(t, inserted, "same bytes from another URL are one document")

	doc, err := store.FindByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "d1", doc.ID)
	require.Equal(t, 1, store.DocumentCount())
}

func TestCorpusStoreSupersedeKeepsOneCurrent(t *testing.T) {
	t.Parallel()

	store := NewCorpusStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	v1 := crawler.DocumentVersion{
		ID: "v1", SourceID: "bsp", DocumentKey: "k", VersionNumber: 1, ContentHash: "h1",
		FirstSeenAt: t0, LastSeenAt: t0, ChangeType: crawler.ChangeNew, IsCurrent: true,
	}
	require.NoError(t, store.InsertVersion(ctx, v1))
	require.Error(t, store.InsertVersion(ctx, crawler.DocumentVersion{
		ID: "dup", SourceID: "bsp", DocumentKey: "k", VersionNumber: 5, IsCurrent: true,
	}))

	require.NoError(t, store.TouchVersion(ctx, "v1", t0.Add(time.Hour)))
	require.ErrorIs(t, store.TouchVersion(ctx, "nope", t0), crawler.ErrNotFound)

	v2 := v1
	v2.ID, v2.VersionNumber, v2.ContentHash, v2.ChangeType = "v2", 2, "h2", crawler.ChangeUpdated
	v2.FirstSeenAt, v2.LastSeenAt = t0.Add(2*time.Hour), t0.Add(2*time.Hour)
	require.NoError(t, store.SupersedeVersion(ctx, "v1", v2))

	require.Error(t, store.SupersedeVersion(ctx, "v1", crawler.DocumentVersion{
		ID: "v3", SourceID: "bsp", DocumentKey: "k", VersionNumber: 3, IsCurrent: true,
	}), "v1 is no longer current")

	current, err := store.CurrentVersion(ctx, "bsp", "k")
	require.NoError(t, err)
	require.Equal(t, "v2", current.ID)

	history, err := store.VersionHistory(ctx, "bsp", "k")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.False(t, history[0].IsCurrent)
	require.Equal(t, t0.Add(time.Hour), history[0].LastSeenAt)
	require.True(t, history[1].IsCurrent)
}

func TestCorpusStoreChangeQueries(t *testing.T) {
	t.Parallel()

	store := NewCorpusStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	low, high := 0.1, 0.8

	rows := []crawler.DocumentVersion{
		{ID: "a1", SourceID: "bsp", DocumentKey: "a", VersionNumber: 1, ChangeType: crawler.ChangeNew, FirstSeenAt: t0},
		{ID: "b1", SourceID: "bsp", DocumentKey: "b", VersionNumber: 1, ChangeType: crawler.ChangeNew, FirstSeenAt: t0.Add(time.Minute)},
		{ID: "c1", SourceID: "sec", DocumentKey: "c", VersionNumber: 1, ChangeType: crawler.ChangeNew, FirstSeenAt: t0.Add(time.Hour)},
	}
	for _, r := range rows {
		r.IsCurrent = true
		require.NoError(t, store.InsertVersion(ctx, r))
	}
	require.NoError(t, store.SupersedeVersion(ctx, "a1", crawler.DocumentVersion{
		ID: "a2", SourceID: "bsp", DocumentKey: "a", VersionNumber: 2, ChangeType: crawler.ChangeUpdated,
		FirstSeenAt: t0.Add(2 * time.Minute), IsCurrent: true, SignificanceScore: &low,
	}))
	require.NoError(t, store.SupersedeVersion(ctx, "b1", crawler.DocumentVersion{
		ID: "b2", SourceID: "bsp", DocumentKey: "b", VersionNumber: 2, ChangeType: crawler.ChangeUpdated,
		FirstSeenAt: t0.Add(3 * time.Minute), IsCurrent: true, SignificanceScore: &high,
	}))

	recent, err := store.RecentChanges(ctx, "bsp", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"b2", "a2", "b1"}, versionIDs(recent))

	review, err := store.ChangesForReview(ctx, "bsp", 0.3)
	require.NoError(t, err)
	require.Equal(t, []string{"b2"}, versionIDs(review))
}

func TestCorpusStoreDatapointsAndDownloads(t *testing.T) {
	t.Parallel()

	store := NewCorpusStore()
	ctx := context.Background()
	date := "2026-02-01"
	points := []crawler.Datapoint{
		{ID: "p1", DocumentID: "d1", IndicatorKey: "policy_rate", Value: 6.5, EffectiveDate: &date},
		{ID: "p2", DocumentID: "d1", IndicatorKey: "policy_rate", Value: 6.5, EffectiveDate: &date},
		{ID: "p3", DocumentID: "d1", IndicatorKey: "policy_rate", Value: 6.5},
	}
	require.NoError(t, store.InsertDatapoints(ctx, points))
	got, err := store.ListDatapoints(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, store.RecordDownload(ctx, "job-1", crawler.DownloadedFile{SourceURL: "https://a/x.pdf"}))
	require.Len(t, store.Downloads("job-1"), 1)
	require.Empty(t, store.Downloads("job-2"))
}

func TestBlobStore(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "bsp/a.pdf", "application/pdf", bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)
	require.Equal(t, "memory://bsp/a.pdf", uri)
	body, ok := store.Object("bsp/a.pdf")
	require.True(t, ok)
	require.Equal(t, "%PDF", string(body))
	require.Equal(t, 1, store.Len())

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func versionIDs(rows []crawler.DocumentVersion) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
