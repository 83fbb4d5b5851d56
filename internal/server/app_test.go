package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/crawler"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Notices</title></head><body>
<main><p>The policy rate is held at 6.5 percent for the coming quarter.</p>
<a href="/notice">Notice</a></main></body></html>`)
	})
	mux.HandleFunc("/notice", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Notice 1</title></head><body>
<main><p>Banks must report liquidity coverage monthly starting next year.</p></main></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeSources(t *testing.T, startURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	body := fmt.Sprintf(`sources:
  - id: cb
    name: Central Bank
    startUrl: %s/
    maxDepth: 1
    maxPages: 5
    analyzeHtml: true
    mode: plain
`, startURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testConfig(sourcesFile string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{
			Concurrency:         2,
			QueueDepth:          8,
			UserAgent:           "regwatch-test",
			RequestTimeout:      5 * time.Second,
			MaxRetries:          1,
			MaxDownloadsPerPage: 2,
			MaxPDFBytes:         1 << 20,
		},
		Storage:     config.StorageConfig{Backend: "memory"},
		Extraction:  config.ExtractionConfig{MaxTextChars: 1000, PrepassWindow: 80},
		Changes:     config.ChangesConfig{ReviewThreshold: 0.3},
		SourcesFile: sourcesFile,
	}
}

func TestBuildWithInMemoryBackends(t *testing.T) {
	site := newSite(t)
	app, err := Build(context.Background(), testConfig(writeSources(t, site.URL)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Dispatcher)
	require.Len(t, app.workers, 2)
	require.Contains(t, app.checks, "queue")
	require.NotContains(t, app.checks, "postgres")
	require.NotContains(t, app.checks, "redis")
}

func TestBuildFailsWithoutSources(t *testing.T) {
	_, err := Build(context.Background(), testConfig(filepath.Join(t.TempDir(), "missing.yaml")), zap.NewNop())
	require.ErrorContains(t, err, "load sources")
}

func TestCrawlNowRunsJobToCompletion(t *testing.T) {
	site := newSite(t)
	app, err := Build(context.Background(), testConfig(writeSources(t, site.URL)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx := context.Background()
	summary, err := app.CrawlNow(ctx, "cb", crawler.JobOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusDone, summary.Status)
	require.Equal(t, 2, summary.PagesVisited)
	require.Equal(t, 2, summary.ItemsNew)

	job, err := app.Jobs.Get(ctx, summary.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusDone, job.Status)
	require.Equal(t, 2, job.ItemsNew)

	changes, err := app.Changes.RecentChanges(ctx, "cb", 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	again, err := app.CrawlNow(ctx, "cb", crawler.JobOptions{})
	require.NoError(t, err)
	require.Zero(t, again.ItemsNew)
	require.Equal(t, 2, again.Unchanged)
}

func TestCrawlNowUnknownSource(t *testing.T) {
	site := newSite(t)
	app, err := Build(context.Background(), testConfig(writeSources(t, site.URL)), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.CrawlNow(context.Background(), "nope", crawler.JobOptions{})
	require.ErrorIs(t, err, crawler.ErrSourceNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	site := newSite(t)
	app, err := Build(context.Background(), testConfig(writeSources(t, site.URL)), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}
