// Package acquisition fetches pages and PDFs for the frontier, choosing
// between plain and rendered fetching and validating every downloaded file.
package acquisition

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// DefaultMaxDownloadsPerPage bounds PDF downloads from a single page.
const DefaultMaxDownloadsPerPage = 10

// Config controls mode selection and download limits.
type Config struct {
	// JSHeavyOrigins are hosts (or parent domains) always fetched rendered in auto mode.
	JSHeavyOrigins      []string
	MaxDownloadsPerPage int
	MaxPDFBytes         int64
}

// Deps are the collaborators the layer drives. Renderer, Downloader and
// Detector may be nil when headless support is disabled.
type Deps struct {
	Plain      crawler.Fetcher
	Renderer   crawler.Renderer
	Downloader crawler.BrowserDownloader
	Detector   crawler.HeadlessDetector
	Blobs      crawler.BlobStore
	Clock      crawler.Clock
	Retry      *crawler.ExponentialRetryPolicy
}

// Layer is the acquisition entry point. It holds no per-run state; see Session.
type Layer struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Layer.
func New(cfg Config, deps Deps, logger *zap.Logger) *Layer {
	if cfg.MaxDownloadsPerPage <= 0 {
		cfg.MaxDownloadsPerPage = DefaultMaxDownloadsPerPage
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{cfg: cfg, deps: deps, logger: logger.Named("acquisition")}
}

// Page is a fetched HTML page and how it was obtained.
type Page struct {
	Response crawler.FetchResponse
	Mode     crawler.FetchMode
	Promoted bool
}

// ResolveMode picks the fetch mode for a URL. The boolean reports whether a
// plain result may still be promoted to rendered by the SPA heuristic.
func (l *Layer) ResolveMode(src crawler.Source, rawURL string) (crawler.FetchMode, bool) {
	switch src.Mode {
	case crawler.FetchModePlain:
		return crawler.FetchModePlain, false
	case crawler.FetchModeRendered:
		return crawler.FetchModeRendered, false
	}
	if src.Headless {
		return crawler.FetchModeRendered, false
	}
	if u, err := url.Parse(rawURL); err == nil && crawler.HostAllowed(u.Hostname(), l.cfg.JSHeavyOrigins) {
		return crawler.FetchModeRendered, false
	}
	return crawler.FetchModePlain, true
}

// FetchPage acquires one page in the resolved mode.
func (l *Layer) FetchPage(ctx context.Context, src crawler.Source, rawURL string) (Page, error) {
	mode, promotable := l.ResolveMode(src, rawURL)
	if mode == crawler.FetchModeRendered {
		if l.deps.Renderer != nil {
			resp, err := l.deps.Renderer.Render(ctx, crawler.RenderRequest{URL: rawURL, ScrollToBottom: src.ScrollToBottom})
			if err != nil {
				return Page{}, fmt.Errorf("render page: %w", err)
			}
			return Page{Response: resp, Mode: crawler.FetchModeRendered}, nil
		}
		l.logger.Warn("rendered mode requested but headless is disabled, fetching plain",
			zap.String("source_id", src.ID),
			zap.String("url", rawURL),
		)
	}

	resp, err := l.fetchPlain(ctx, rawURL, nil)
	if err != nil {
		return Page{}, err
	}
	if !promotable || l.deps.Renderer == nil || l.deps.Detector == nil || !l.deps.Detector.ShouldPromote(resp) {
		return Page{Response: resp, Mode: crawler.FetchModePlain}, nil
	}

	l.logger.Info("promoting page to rendered fetch", zap.String("source_id", src.ID), zap.String("url", rawURL))
	rendered, err := l.deps.Renderer.Render(ctx, crawler.RenderRequest{URL: rawURL, ScrollToBottom: src.ScrollToBottom})
	if err != nil {
		l.logger.Warn("promoted render failed, keeping plain response", zap.String("url", rawURL), zap.Error(err))
		return Page{Response: resp, Mode: crawler.FetchModePlain}, nil
	}
	return Page{Response: rendered, Mode: crawler.FetchModeRendered, Promoted: true}, nil
}

func (l *Layer) fetchPlain(ctx context.Context, rawURL string, headers http.Header) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	err := l.deps.Retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		resp, ferr = l.deps.Plain.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: headers})
		return ferr
	})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}
