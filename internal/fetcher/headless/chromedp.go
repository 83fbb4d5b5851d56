// Package headless renders pages and downloads linked files through headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// Config controls the browser.
type Config struct {
	MaxParallel         int
	UserAgent           string
	NavigationTimeout   time.Duration
	IdleTimeout         time.Duration
	ScrollStep          int
	ScrollPause         time.Duration
	ScrollMaxIterations int
	DownloadTimeout     time.Duration
	// DownloadDir receives native browser downloads before they are read back.
	DownloadDir string
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = 800
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 400 * time.Millisecond
	}
	if c.ScrollMaxIterations <= 0 {
		c.ScrollMaxIterations = 20
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 15 * time.Second
	}
	return c
}

// defaultParkedTabs bounds open rendered tabs when MaxParallel is unlimited.
const defaultParkedTabs = 4

// Browser implements crawler.Renderer and crawler.BrowserDownloader on one
// Chrome process. Every render and download opens a tab in the same browser,
// so cookies set while rendering are visible to the downloads that follow.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	fallback    crawler.Fetcher
	logger      *zap.Logger
	tabs        *tabPool

	browserMu     sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromedp starts an allocator. fallback is used for direct GETs when a native download fails.
func NewChromedp(cfg Config, fallback crawler.Fetcher, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg = cfg.withDefaults()
	if cfg.DownloadDir == "" {
		dir, err := os.MkdirTemp("", "regwatch-browser-")
		if err != nil {
			return nil, fmt.Errorf("create download dir: %w", err)
		}
		cfg.DownloadDir = dir
	} else if err := os.MkdirAll(cfg.DownloadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	parkLimit := defaultParkedTabs
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
		parkLimit = cfg.MaxParallel
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		fallback:    fallback,
		logger:      logger.Named("headless"),
		tabs:        newTabPool(parkLimit),
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.tabs.closeAll()
	b.browserMu.Lock()
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
	}
	b.browserMu.Unlock()
	b.allocCancel()
}

// startBrowser returns the shared browser context, launching Chrome on first
// use or after the previous process died.
func (b *Browser) startBrowser() (context.Context, error) {
	b.browserMu.Lock()
	defer b.browserMu.Unlock()
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	ctx, cancel := chromedp.NewContext(b.allocator)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start browser: %w", crawler.ErrNetwork, err)
	}
	b.browserCtx, b.browserCancel = ctx, cancel
	return ctx, nil
}

// runningBrowser returns the shared browser context if Chrome is up.
func (b *Browser) runningBrowser() (context.Context, bool) {
	b.browserMu.Lock()
	defer b.browserMu.Unlock()
	if b.browserCtx == nil || b.browserCtx.Err() != nil {
		return nil, false
	}
	return b.browserCtx, true
}

// Render navigates to the page, waits for the network to settle, optionally
// scrolls to the bottom, and returns the rendered DOM. The tab stays open,
// keyed by the response URL, for Download to reuse.
func (b *Browser) Render(ctx context.Context, request crawler.RenderRequest) (crawler.FetchResponse, error) {
	if err := b.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer b.release()

	browserCtx, err := b.startBrowser()
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	parked := false
	defer func() {
		if !parked {
			tabCancel()
		}
	}()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := newResponseMeta()
	idle := make(chan struct{})
	var idleOnce sync.Once
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		if lifecycle, ok := ev.(*page.EventLifecycleEvent); ok && lifecycle.Name == "networkIdle" {
			idleOnce.Do(func() { close(idle) })
		}
	})

	start := time.Now()
	navCtx, navCancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx,
		b.setupAction(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(request.URL),
	); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: render %s: %w", crawler.ErrNetwork, request.URL, err)
	}

	select {
	case <-idle:
	case <-time.After(b.cfg.IdleTimeout):
		b.logger.Debug("network idle not reached, waiting for DOM", zap.String("url", request.URL))
		if err := chromedp.Run(navCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: wait for body %s: %w", crawler.ErrNetwork, request.URL, err)
		}
	case <-navCtx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("%w: render %s: %w", crawler.ErrNetwork, request.URL, navCtx.Err())
	}

	if request.ScrollToBottom {
		if err := b.scrollToBottom(navCtx); err != nil {
			b.logger.Warn("scroll failed, capturing partial page", zap.String("url", request.URL), zap.Error(err))
		}
	}

	var html, finalURL string
	if err := chromedp.Run(navCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: capture dom %s: %w", crawler.ErrNetwork, request.URL, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	if stop() {
		b.tabs.park(responseURL, openTab{ctx: tabCtx, cancel: tabCancel})
		parked = true
	}
	return crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

// scrollToBottom scrolls in fixed steps until the document stops growing.
func (b *Browser) scrollToBottom(ctx context.Context) error {
	var previous int64
	for i := 0; i < b.cfg.ScrollMaxIterations; i++ {
		var pos scrollPosition
		script := fmt.Sprintf(`(() => { window.scrollBy(0, %d); return {height: document.body.scrollHeight, bottom: window.scrollY + window.innerHeight}; })()`, b.cfg.ScrollStep)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &pos)); err != nil {
			return fmt.Errorf("scroll step: %w", err)
		}
		if err := sleep(ctx, b.cfg.ScrollPause); err != nil {
			return err
		}
		if scrollSettled(previous, pos) {
			return nil
		}
		previous = pos.Height
	}
	return nil
}

type scrollPosition struct {
	Height int64   `json:"height"`
	Bottom float64 `json:"bottom"`
}

// scrollSettled reports whether the viewport reached the end and the height stopped growing.
func scrollSettled(previousHeight int64, pos scrollPosition) bool {
	return pos.Height == previousHeight && pos.Bottom >= float64(pos.Height)
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

// capture records the first document response; later ones are subframes or downloads.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = toHTTPHeader(event.Response.Headers)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toHTTPHeader(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

var errDownloadCanceled = errors.New("browser download canceled")
