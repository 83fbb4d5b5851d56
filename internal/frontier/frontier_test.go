package frontier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/acquisition"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/regwatch/internal/policy/robots"
	"github.com/JakeFAU/regwatch/internal/storage/memory"
)

// siteFetcher serves a fixed set of pages and PDFs.
type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (s *siteFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.URL)
	s.mu.Unlock()

	if strings.HasSuffix(req.URL, ".pdf") {
		return crawler.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"application/pdf"}},
			Body:       []byte("%PDF-1.4 " + req.URL),
		}, nil
	}
	body, ok := s.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (s *siteFetcher) fetched(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == url {
			return true
		}
	}
	return false
}

type denyPath struct{ prefix string }

func (d denyPath) Allowed(_ context.Context, rawURL string) (bool, error) {
	return !strings.Contains(rawURL, d.prefix), nil
}

type collector struct {
	payloads []crawler.ExtractedPayload
}

func (c *collector) visit(_ context.Context, p crawler.ExtractedPayload) error {
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *collector) kinds() (html, pdf int) {
	for _, p := range c.payloads {
		if p.Kind() == crawler.PayloadPDF {
			pdf++
		} else {
			html++
		}
	}
	return html, pdf
}

func newDeps(fetcher crawler.Fetcher, gate crawler.RobotsGate) Deps {
	clk := clock.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	layer := acquisition.New(acquisition.Config{}, acquisition.Deps{
		Plain: fetcher,
		Blobs: memory.NewBlobStore(),
		Clock: clk,
		Retry: crawler.NewExponentialRetryPolicy().WithLimits(1, time.Millisecond, time.Millisecond),
	}, nil)
	return Deps{
		Robots:   gate,
		Limiter:  ratelimit.New(ratelimit.Config{MinInterval: time.Microsecond}),
		Acquirer: layer,
		Clock:    clk,
	}
}

const root = "https://regulator.example/"

func indexPage() string {
	var b strings.Builder
	b.WriteString("<html><head><title>Circulars</title></head><body><main><p>Latest circulars.</p>")
	b.WriteString(`<a href="/docs/a.pdf">A</a><a href="/docs/b.pdf">B</a>`)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&b, `<a href="/page%d">Page %d</a>`, i, i)
	}
	b.WriteString(`<a href="https://elsewhere.example/x">offsite</a>`)
	b.WriteString("</main></body></html>")
	return b.String()
}

func TestRunRespectsZeroDepthAndSinglePage(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{pages: map[string]string{root: indexPage()}}
	src := crawler.Source{ID: "fed", StartURL: root, AnalyzeHTML: true}
	c := &collector{}

	res := New(src, Options{MaxDepth: 0, MaxPages: 1}, newDeps(fetcher, robots.AllowAll{}), c.visit, nil).Run(context.Background())

	require.Equal(t, 1, res.PagesVisited)
	require.Zero(t, res.Enqueued)
	require.Empty(t, res.Errors)
	html, pdf := c.kinds()
	require.Equal(t, 1, html)
	require.Equal(t, 2, pdf)
	require.False(t, fetcher.fetched(root+"page1"))
}

func TestRunBreadthFirstWithinBudgets(t *testing.T) {
	t.Parallel()

	pages := map[string]string{root: indexPage()}
	for i := 1; i <= 5; i++ {
		// Every child links back to the root and to a shared PDF.
		pages[fmt.Sprintf("%spage%d", root, i)] = `<html><body><a href="/">home</a><a href="/docs/a.pdf">A</a><a href="/deeper">d</a></body></html>`
	}
	fetcher := &siteFetcher{pages: pages}
	src := crawler.Source{ID: "fed", StartURL: root}
	c := &collector{}

	res := New(src, Options{MaxDepth: 1, MaxPages: 4}, newDeps(fetcher, robots.AllowAll{}), c.visit, nil).Run(context.Background())

	require.Equal(t, 4, res.PagesVisited)
	require.Equal(t, []string{root, root + "page1", root + "page2", root + "page3"}, res.Visited)
	require.Equal(t, 5, res.Enqueued)
	require.False(t, fetcher.fetched(root+"deeper"))
	require.False(t, fetcher.fetched("https://elsewhere.example/x"))

	html, pdf := c.kinds()
	require.Zero(t, html)
	require.Equal(t, 2, pdf)
}

func TestRunRecordsPageErrorsAndContinues(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{pages: map[string]string{
		root:               `<html><body><a href="/missing">gone</a><a href="/private/x">p</a><a href="/ok">ok</a></body></html>`,
		root + "ok":        `<html><body>fine</body></html>`,
		root + "private/x": `<html><body>secret</body></html>`,
	}}
	src := crawler.Source{ID: "fed", StartURL: root}

	res := New(src, Options{MaxDepth: 2, MaxPages: 10}, newDeps(fetcher, denyPath{prefix: "/private"}), nil, nil).Run(context.Background())

	require.Equal(t, 4, res.PagesVisited)
	require.Len(t, res.Errors, 2)
	kinds := map[string]crawler.ErrorKind{}
	for _, e := range res.Errors {
		kinds[e.URL] = e.Kind
	}
	require.Equal(t, crawler.KindNetwork, kinds[root+"missing"])
	require.Equal(t, crawler.KindRobotsDisallowed, kinds[root+"private/x"])
	require.False(t, fetcher.fetched(root+"private/x"))
	require.True(t, fetcher.fetched(root+"ok"))
}

func TestRunHonorsStopHook(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{pages: map[string]string{root: indexPage()}}
	src := crawler.Source{ID: "fed", StartURL: root}
	polls := 0
	stop := func(context.Context) bool {
		polls++
		return polls > 1
	}

	res := New(src, Options{MaxDepth: 3, MaxPages: 50, Stop: stop}, newDeps(fetcher, robots.AllowAll{}), nil, nil).Run(context.Background())

	require.True(t, res.Stopped)
	require.Equal(t, 1, res.PagesVisited)
}

func TestRunReportsContextEndAsInterrupted(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{pages: map[string]string{root: indexPage()}}
	src := crawler.Source{ID: "fed", StartURL: root, AnalyzeHTML: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	visit := func(context.Context, crawler.ExtractedPayload) error {
		cancel()
		return nil
	}
	polled := false
	stop := func(context.Context) bool {
		polled = true
		return false
	}

	res := New(src, Options{MaxDepth: 3, MaxPages: 50, Stop: stop}, newDeps(fetcher, robots.AllowAll{}), visit, nil).Run(ctx)

	require.True(t, res.Interrupted)
	require.False(t, res.Stopped)
	require.Equal(t, 1, res.PagesVisited)
	require.True(t, polled)
	require.False(t, fetcher.fetched(root+"docs/a.pdf"))
}

func TestRunDeduplicatesNormalizedURLs(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{pages: map[string]string{
		root:       `<html><body><a href="/a#top">a</a><a href="/a">a again</a><a href="https://REGULATOR.example/a">a upper</a></body></html>`,
		root + "a": `<html><body>a</body></html>`,
	}}
	src := crawler.Source{ID: "fed", StartURL: root}

	res := New(src, Options{MaxDepth: 1, MaxPages: 10}, newDeps(fetcher, robots.AllowAll{}), nil, nil).Run(context.Background())

	require.Equal(t, 2, res.PagesVisited)
	require.Equal(t, 1, res.Enqueued)
}
