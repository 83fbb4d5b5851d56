// Package frontier walks a source breadth-first within its depth and page budgets.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/acquisition"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/parse"
	"github.com/JakeFAU/regwatch/internal/policy/ratelimit"
)

// Visitor receives every extracted payload. A returned error is recorded as a
// page error against the payload's URL; traversal continues.
type Visitor func(ctx context.Context, payload crawler.ExtractedPayload) error

// StopFunc is polled between iterations; returning true ends the run early.
type StopFunc func(ctx context.Context) bool

// Deps are the shared collaborators of a traversal.
type Deps struct {
	Robots   crawler.RobotsGate
	Limiter  crawler.RateLimiter
	Acquirer *acquisition.Layer
	Clock    crawler.Clock
}

// Options are the per-run budgets and hooks.
type Options struct {
	MaxDepth int
	MaxPages int
	Stop     StopFunc
}

// Result summarizes a traversal.
type Result struct {
	PagesVisited int
	Visited      []string
	Enqueued     int
	Errors       []crawler.PageError
	// Stopped is set when the stop hook ended the run.
	Stopped bool
	// Interrupted is set when ctx ended before the run finished.
	Interrupted bool
}

type item struct {
	url   string
	depth int
}

// Traversal is one run over one source. It is not safe for concurrent use;
// the visited set and queue live only as long as the run.
type Traversal struct {
	src       crawler.Source
	opts      Options
	deps      Deps
	visit     Visitor
	logger    *zap.Logger
	allowlist []string
	session   *acquisition.Session

	queue   []item
	visited map[string]struct{}
	queued  map[string]struct{}
	result  Result
}

// New prepares a traversal of src.
func New(src crawler.Source, opts Options, deps Deps, visit Visitor, logger *zap.Logger) *Traversal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if visit == nil {
		visit = func(context.Context, crawler.ExtractedPayload) error { return nil }
	}
	return &Traversal{
		src:       src,
		opts:      opts,
		deps:      deps,
		visit:     visit,
		logger:    logger.Named("frontier").With(zap.String("source_id", src.ID)),
		allowlist: crawler.EffectiveAllowlist(src),
		session:   deps.Acquirer.NewSession(src),
		visited:   make(map[string]struct{}),
		queued:    make(map[string]struct{}),
	}
}

// Run drains the queue until it is empty, the page budget is spent, ctx ends
// (Interrupted) or the stop hook fires (Stopped). Per-page failures are collected, never returned.
func (t *Traversal) Run(ctx context.Context) Result {
	t.push(t.src.StartURL, 0)

	for len(t.queue) > 0 && t.result.PagesVisited < t.opts.MaxPages {
		if ctx.Err() != nil {
			break
		}
		if t.opts.Stop != nil && t.opts.Stop(ctx) {
			t.result.Stopped = true
			t.logger.Info("traversal stopped", zap.Int("pages_visited", t.result.PagesVisited))
			break
		}
		next := t.queue[0]
		t.queue = t.queue[1:]

		key := normalizedKey(next.url)
		if _, seen := t.visited[key]; seen {
			continue
		}
		if next.depth > t.opts.MaxDepth || !t.hostAllowed(next.url) {
			continue
		}
		t.visited[key] = struct{}{}
		t.result.PagesVisited++
		t.result.Visited = append(t.result.Visited, next.url)

		if err := t.visitPage(ctx, next); err != nil {
			t.record(next.url, err)
		}
	}
	if ctx.Err() != nil && !t.result.Stopped {
		t.result.Interrupted = true
		t.logger.Warn("traversal interrupted", zap.Int("pages_visited", t.result.PagesVisited), zap.Error(ctx.Err()))
	}
	return t.result
}

func (t *Traversal) visitPage(ctx context.Context, it item) error {
	if err := t.polite(ctx, it.url); err != nil {
		return err
	}

	page, err := t.deps.Acquirer.FetchPage(ctx, t.src, it.url)
	if err != nil {
		mode, _ := t.deps.Acquirer.ResolveMode(t.src, it.url)
		metrics.ObservePage(it.url, string(mode), "error", 0)
		return err
	}
	metrics.ObservePage(it.url, string(page.Mode), "ok", len(page.Response.Body))

	pageURL := page.Response.URL
	if pageURL == "" {
		pageURL = it.url
	}
	doc, err := parse.NewDocument(page.Response.Body, pageURL)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
	}
	t.logger.Debug("page fetched",
		zap.String("url", it.url),
		zap.Int("depth", it.depth),
		zap.String("mode", string(page.Mode)),
	)

	if t.src.AnalyzeHTML {
		title, text := parse.MainText(page.Response.Body, pageURL)
		if title == "" {
			title = doc.Title()
		}
		payload := crawler.HTMLPage{
			URL:       it.url,
			FinalURL:  pageURL,
			Title:     title,
			Body:      text,
			Depth:     it.depth,
			Rendered:  page.Mode == crawler.FetchModeRendered,
			FetchedAt: t.deps.Clock.Now(),
		}
		if err := t.visit(ctx, payload); err != nil {
			t.record(it.url, err)
		}
	}

	t.downloadPDFs(ctx, pageURL, doc.PDFLinks(t.src.PDFLinkSelectorHints), page.Mode == crawler.FetchModeRendered)

	if it.depth+1 > t.opts.MaxDepth {
		return nil
	}
	for _, link := range doc.Links() {
		if parse.IsPDFURL(link) || !t.hostAllowed(link) {
			continue
		}
		t.push(link, it.depth+1)
	}
	return nil
}

func (t *Traversal) downloadPDFs(ctx context.Context, pageURL string, links []string, rendered bool) {
	for _, link := range t.session.Pending(links) {
		if ctx.Err() != nil {
			return
		}
		if err := t.polite(ctx, link); err != nil {
			t.record(link, err)
			// Pending only skips attempted URLs, so mark this one.
			t.session.Skip(link)
			continue
		}
		for _, res := range t.session.DownloadPDFs(ctx, pageURL, []string{link}, rendered) {
			if res.Err != nil {
				t.record(res.URL, res.Err)
				continue
			}
			if err := t.visit(ctx, res.Document); err != nil {
				t.record(res.URL, err)
			}
		}
	}
}

// polite applies robots.txt and then the per-host rate limit.
func (t *Traversal) polite(ctx context.Context, rawURL string) error {
	allowed, err := t.deps.Robots.Allowed(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrRobotsDisallowed, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", crawler.ErrRobotsDisallowed, rawURL)
	}
	if err := t.deps.Limiter.Acquire(ctx, ratelimit.KeyFor(rawURL)); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrNetwork, err)
	}
	return nil
}

func (t *Traversal) push(rawURL string, depth int) {
	key := normalizedKey(rawURL)
	if _, seen := t.visited[key]; seen {
		return
	}
	if _, seen := t.queued[key]; seen {
		return
	}
	t.queued[key] = struct{}{}
	t.queue = append(t.queue, item{url: rawURL, depth: depth})
	if depth > 0 {
		t.result.Enqueued++
	}
}

func (t *Traversal) hostAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return crawler.HostAllowed(u.Hostname(), t.allowlist)
}

func (t *Traversal) record(rawURL string, err error) {
	kind := crawler.KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = crawler.KindNetwork
	}
	t.logger.Warn("page error", zap.String("url", rawURL), zap.String("kind", string(kind)), zap.Error(err))
	t.result.Errors = append(t.result.Errors, crawler.PageError{
		URL:     rawURL,
		Kind:    kind,
		Message: err.Error(),
		At:      t.deps.Clock.Now(),
	})
}

func normalizedKey(rawURL string) string {
	if normalized, err := crawler.NormalizeURL(rawURL); err == nil {
		return normalized
	}
	return rawURL
}
