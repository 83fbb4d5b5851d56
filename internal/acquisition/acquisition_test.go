package acquisition

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/crawler"
	collyfetcher "github.com/JakeFAU/regwatch/internal/fetcher/colly"
	"github.com/JakeFAU/regwatch/internal/headless/detector"
	"github.com/JakeFAU/regwatch/internal/storage/memory"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(req crawler.FetchRequest, call int) (crawler.FetchResponse, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.URL]++
	call := f.calls[req.URL]
	f.mu.Unlock()
	return f.fn(req, call)
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeRenderer struct {
	requests []crawler.RenderRequest
	err      error
}

func (r *fakeRenderer) Render(_ context.Context, req crawler.RenderRequest) (crawler.FetchResponse, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return crawler.FetchResponse{}, r.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<html><body>rendered</body></html>"), Rendered: true}, nil
}

type fakeDownloader struct {
	requests []crawler.DownloadRequest
}

func (d *fakeDownloader) Download(_ context.Context, req crawler.DownloadRequest) (crawler.DownloadResult, error) {
	d.requests = append(d.requests, req)
	return crawler.DownloadResult{Body: []byte("%PDF-1.7 native"), ContentType: "application/pdf", Method: crawler.DownloadNative}, nil
}

func pdfResponse(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"application/pdf"}},
		Body:       []byte("%PDF-1.4 " + req.URL),
	}, nil
}

func fastRetry() *crawler.ExponentialRetryPolicy {
	return crawler.NewExponentialRetryPolicy().WithLimits(3, time.Millisecond, 5*time.Millisecond)
}

func newLayer(cfg Config, deps Deps) (*Layer, *memory.BlobStore) {
	blobs := memory.NewBlobStore()
	deps.Blobs = blobs
	deps.Clock = clock.NewManual(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	deps.Retry = fastRetry()
	return New(cfg, deps, nil), blobs
}

func TestResolveMode(t *testing.T) {
	t.Parallel()

	l, _ := newLayer(Config{JSHeavyOrigins: []string{"spa.gov.example"}}, Deps{})
	cases := []struct {
		name       string
		src        crawler.Source
		url        string
		want       crawler.FetchMode
		promotable bool
	}{
		{"explicit plain", crawler.Source{Mode: crawler.FetchModePlain, Headless: true}, "https://spa.gov.example/", crawler.FetchModePlain, false},
		{"explicit rendered", crawler.Source{Mode: crawler.FetchModeRendered}, "https://static.example/", crawler.FetchModeRendered, false},
		{"auto headless flag", crawler.Source{Mode: crawler.FetchModeAuto, Headless: true}, "https://static.example/", crawler.FetchModeRendered, false},
		{"auto js heavy subdomain", crawler.Source{}, "https://www.spa.gov.example/news", crawler.FetchModeRendered, false},
		{"auto default", crawler.Source{}, "https://static.example/", crawler.FetchModePlain, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mode, promotable := l.ResolveMode(tc.src, tc.url)
			require.Equal(t, tc.want, mode)
			require.Equal(t, tc.promotable, promotable)
		})
	}
}

func TestFetchPagePromotesSPAShell(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(`<html><body><div id="root"></div></body></html>`)}, nil
	}}
	renderer := &fakeRenderer{}
	l, _ := newLayer(Config{}, Deps{Plain: plain, Renderer: renderer, Detector: detector.NewHeuristic(0)})

	page, err := l.FetchPage(context.Background(), crawler.Source{ScrollToBottom: true}, "https://regulator.example/")
	require.NoError(t, err)
	require.True(t, page.Promoted)
	require.Equal(t, crawler.FetchModeRendered, page.Mode)
	require.True(t, page.Response.Rendered)
	require.Len(t, renderer.requests, 1)
	require.True(t, renderer.requests[0].ScrollToBottom)
}

func TestFetchPageKeepsPlainWhenPromotionFails(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(`<div id="app"></div>`)}, nil
	}}
	renderer := &fakeRenderer{err: fmt.Errorf("%w: chrome crashed", crawler.ErrNetwork)}
	l, _ := newLayer(Config{}, Deps{Plain: plain, Renderer: renderer, Detector: detector.NewHeuristic(0)})

	page, err := l.FetchPage(context.Background(), crawler.Source{}, "https://regulator.example/")
	require.NoError(t, err)
	require.False(t, page.Promoted)
	require.Equal(t, crawler.FetchModePlain, page.Mode)
}

func TestFetchPageRenderedWithoutBrowserFallsBackToPlain(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<p>ok</p>")}, nil
	}}
	l, _ := newLayer(Config{}, Deps{Plain: plain})

	page, err := l.FetchPage(context.Background(), crawler.Source{Mode: crawler.FetchModeRendered}, "https://regulator.example/")
	require.NoError(t, err)
	require.Equal(t, crawler.FetchModePlain, page.Mode)
}

func TestFetchPageRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, call int) (crawler.FetchResponse, error) {
		if call < 3 {
			return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: req.URL, StatusCode: http.StatusBadGateway}
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<p>ok</p>")}, nil
	}}
	l, _ := newLayer(Config{}, Deps{Plain: plain})

	_, err := l.FetchPage(context.Background(), crawler.Source{Mode: crawler.FetchModePlain}, "https://regulator.example/")
	require.NoError(t, err)
	require.Equal(t, 3, plain.count("https://regulator.example/"))
}

func TestFetchPageDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}}
	l, _ := newLayer(Config{}, Deps{Plain: plain})

	_, err := l.FetchPage(context.Background(), crawler.Source{}, "https://regulator.example/missing")
	require.ErrorIs(t, err, crawler.ErrNetwork)
	require.Equal(t, 1, plain.count("https://regulator.example/missing"))
}

func TestValidatePDF(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidatePDF("application/pdf", []byte("%PDF-1.7"), 0))
	require.NoError(t, ValidatePDF("", []byte("%PDF-1.7"), 0))
	require.NoError(t, ValidatePDF("application/octet-stream", []byte("%PDF-1.7"), 100))

	err := ValidatePDF("text/html; charset=utf-8", []byte("%PDF-1.7"), 0)
	require.ErrorIs(t, err, crawler.ErrInvalidPDF)
	require.Equal(t, crawler.KindInvalidPDF, crawler.KindOf(err))

	require.ErrorIs(t, ValidatePDF("application/pdf", []byte("<html>login</html>"), 0), crawler.ErrInvalidPDF)
	require.ErrorIs(t, ValidatePDF("application/pdf", []byte("%PD"), 0), crawler.ErrInvalidPDF)
	require.ErrorIs(t, ValidatePDF("application/pdf", []byte("%PDF-1.7 big"), 8), crawler.ErrInvalidPDF)
}

func TestFileName(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 8, 0, 0, 123_000_000, time.FixedZone("PHT", 8*3600))
	name := FileName("https://regulator.example/docs/Circular No. 1189 (2024).PDF?dl=1", now)
	require.Regexp(t, regexp.MustCompile(`^Circular_No._1189__2024_[0-9a-f]{8}_1709251200123\.pdf$`), name)

	other := FileName("https://regulator.example/other/Circular No. 1189 (2024).PDF", now)
	require.NotEqual(t, name, other, "same basename from different URLs must not collide")

	require.Regexp(t, `^document_[0-9a-f]{8}_\d+\.pdf$`, FileName("https://regulator.example/", now))
	long := FileName("https://regulator.example/"+strings.Repeat("a", 200)+".pdf", now)
	require.Regexp(t, `^a{80}_[0-9a-f]{8}_\d+\.pdf$`, long)
}

func TestSessionCapsAndDeduplicates(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: pdfResponse}
	l, blobs := newLayer(Config{MaxDownloadsPerPage: 3}, Deps{Plain: plain})
	session := l.NewSession(crawler.Source{ID: "bsp", DownloadDir: "bsp"})

	links := []string{
		"https://regulator.example/a.pdf",
		"https://regulator.example/a.pdf#page=2",
		"https://regulator.example/b.pdf",
		"https://regulator.example/c.pdf",
		"https://regulator.example/d.pdf",
	}
	results := session.DownloadPDFs(context.Background(), "https://regulator.example/p1", links, false)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, crawler.DownloadHTTP, r.Document.File.Method)
		require.Equal(t, "https://regulator.example/p1", r.Document.PageURL)
		require.Regexp(t, `^memory://bsp/[a-d]_[0-9a-f]{8}_\d+\.pdf$`, r.Document.File.FilePath)
		require.Len(t, r.Document.File.ContentHash, 64)
	}
	require.Equal(t, 3, blobs.Len())

	again := session.DownloadPDFs(context.Background(), "https://regulator.example/p2", links, false)
	require.Len(t, again, 1)
	require.Equal(t, "https://regulator.example/d.pdf", again[0].URL)
	require.Equal(t, 1, plain.count("https://regulator.example/a.pdf"))
	require.Equal(t, 4, session.Downloaded())
}

func TestSessionRecordsInvalidPayloads(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{fn: func(req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{
			URL:        req.URL,
			StatusCode: 200,
			Headers:    http.Header{"Content-Type": {"text/html"}},
			Body:       []byte("<html>Please log in</html>"),
		}, nil
	}}
	l, blobs := newLayer(Config{}, Deps{Plain: plain})
	results := l.NewSession(crawler.Source{ID: "sec"}).DownloadPDFs(context.Background(), "https://sec.example/", []string{"https://sec.example/x.pdf"}, false)

	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, crawler.ErrInvalidPDF)
	require.Zero(t, blobs.Len())
}

func TestSessionUsesBrowserForRenderedPages(t *testing.T) {
	t.Parallel()

	downloader := &fakeDownloader{}
	l, blobs := newLayer(Config{}, Deps{Plain: &fakeFetcher{fn: pdfResponse}, Downloader: downloader})
	results := l.NewSession(crawler.Source{ID: "erc"}).DownloadPDFs(context.Background(), "https://erc.example/issuances", []string{"https://erc.example/r.pdf"}, true)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, crawler.DownloadNative, results[0].Document.File.Method)
	require.Equal(t, []crawler.DownloadRequest{{PageURL: "https://erc.example/issuances", FileURL: "https://erc.example/r.pdf"}}, downloader.requests)
	require.Equal(t, 1, blobs.Len())
	require.Equal(t, "r", results[0].Document.Title)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	require.Zero(t, BodyLimit(0))
	require.Equal(t, 1025, BodyLimit(1024))
}

func TestSessionRejectsOversizedPDFThroughColly(t *testing.T) {
	t.Parallel()

	const limit = 1024
	body := "%PDF-1.4\n" + strings.Repeat("0", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	plain := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second, MaxBodySize: BodyLimit(limit)})
	l, blobs := newLayer(Config{MaxPDFBytes: limit}, Deps{Plain: plain})
	results := l.NewSession(crawler.Source{ID: "sec"}).DownloadPDFs(context.Background(), srv.URL+"/", []string{srv.URL + "/big.pdf"}, false)

	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, crawler.ErrInvalidPDF)
	require.ErrorContains(t, results[0].Err, "exceeds limit")
	require.Zero(t, blobs.Len())
}

func TestSessionKeepsPDFAtLimitThroughColly(t *testing.T) {
	t.Parallel()

	const limit = 1024
	body := "%PDF-1.4\n" + strings.Repeat("0", limit-9)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	plain := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second, MaxBodySize: BodyLimit(limit)})
	l, blobs := newLayer(Config{MaxPDFBytes: limit}, Deps{Plain: plain})
	results := l.NewSession(crawler.Source{ID: "sec"}).DownloadPDFs(context.Background(), srv.URL+"/", []string{srv.URL + "/ok.pdf"}, false)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.EqualValues(t, limit, results[0].Document.File.FileSizeBytes)
	require.Equal(t, 1, blobs.Len())
}
