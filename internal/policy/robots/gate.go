// Package robots enforces robots.txt directives per origin.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// Config controls the gate.
type Config struct {
	UserAgent string
	// TTL bounds how long a fetched robots.txt (or a failed fetch) is reused.
	TTL time.Duration
	// FailOpen allows fetches when robots.txt cannot be retrieved.
	FailOpen bool
	Timeout  time.Duration
}

type entry struct {
	data      *robotstxt.RobotsData
	fetchErr  error
	expiresAt time.Time
}

// Gate fetches and caches robots.txt per origin. Safe for concurrent use;
// concurrent misses on one origin share a single fetch.
type Gate struct {
	cfg    Config
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger
	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]entry
}

// New builds a Gate.
func New(cfg Config, client *http.Client, clock crawler.Clock, logger *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:    cfg,
		client: client,
		clock:  clock,
		logger: logger,
		cache:  make(map[string]entry),
	}
}

// Allowed implements crawler.RobotsGate.
func (g *Gate) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Host == "" {
		return false, fmt.Errorf("url %q has no host", rawURL)
	}

	e, err := g.load(ctx, parsed)
	if err != nil {
		return false, err
	}
	if e.data == nil {
		if !g.cfg.FailOpen {
			metrics.ObserveRobots("deny")
			return false, fmt.Errorf("robots unavailable for %s: %w", parsed.Host, e.fetchErr)
		}
		metrics.ObserveRobots("fail_open")
		return true, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	allowed := e.data.TestAgent(path, g.cfg.UserAgent)
	if allowed {
		metrics.ObserveRobots("allow")
	} else {
		metrics.ObserveRobots("deny")
	}
	return allowed, nil
}

func (g *Gate) load(ctx context.Context, parsed *url.URL) (entry, error) {
	origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := g.cached(origin); ok {
		return cached, nil
	}

	// The shared fetch must outlive any one waiter; cfg.Timeout still bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(origin, func() (any, error) {
		return g.refresh(fetchCtx, origin), nil
	})
	select {
	case res := <-ch:
		return res.Val.(entry), nil
	case <-ctx.Done():
		return entry{}, fmt.Errorf("await robots for %s: %w", origin, ctx.Err())
	}
}

func (g *Gate) cached(origin string) (entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[origin]
	if !ok || !g.clock.Now().Before(e.expiresAt) {
		return entry{}, false
	}
	return e, true
}

// refresh fetches robots.txt for origin unless a fetch that finished while
// this caller was waiting already cached it.
func (g *Gate) refresh(ctx context.Context, origin string) entry {
	if cached, ok := g.cached(origin); ok {
		return cached
	}

	data, err := g.fetch(ctx, origin)
	e := entry{data: data, fetchErr: err, expiresAt: g.clock.Now().Add(g.cfg.TTL)}
	if err != nil {
		g.logger.Warn("robots fetch failed",
			zap.String("origin", origin),
			zap.Bool("fail_open", g.cfg.FailOpen),
			zap.Error(err),
		)
	}

	g.mu.Lock()
	g.cache[origin] = e
	g.mu.Unlock()
	return e
}

func (g *Gate) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll is the gate used when robots compliance is disabled.
type AllowAll struct{}

// Allowed implements crawler.RobotsGate.
func (AllowAll) Allowed(context.Context, string) (bool, error) { return true, nil }
