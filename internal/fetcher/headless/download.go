package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/metrics"
)

// Download fetches a linked file from the tab that rendered request.PageURL,
// without loading the page again. The native browser download is tried
// first; if it fails or times out, or no rendered tab is open for the page, a
// direct GET carrying the browser's cookies and user agent is issued through
// the fallback fetcher.
func (b *Browser) Download(ctx context.Context, request crawler.DownloadRequest) (crawler.DownloadResult, error) {
	if err := b.acquire(ctx); err != nil {
		return crawler.DownloadResult{}, err
	}
	defer b.release()

	tab, ok := b.tabs.take(request.PageURL)
	if !ok {
		b.logger.Debug("no rendered tab for page, downloading directly",
			zap.String("page_url", request.PageURL),
			zap.String("url", request.FileURL),
		)
		return b.fallbackDownload(ctx, request, b.browserCookies(ctx, request.FileURL))
	}
	defer b.tabs.park(request.PageURL, tab)

	dlCtx, dlCancel := context.WithCancel(tab.ctx)
	defer dlCancel()
	stop := context.AfterFunc(ctx, dlCancel)
	defer stop()

	body, contentType, err := b.nativeDownload(dlCtx, request.FileURL)
	if err == nil {
		metrics.ObservePDFDownload(string(crawler.DownloadNative), "ok")
		return crawler.DownloadResult{Body: body, ContentType: contentType, Method: crawler.DownloadNative}, nil
	}
	metrics.ObservePDFDownload(string(crawler.DownloadNative), "error")
	b.logger.Info("native download failed, falling back to direct request",
		zap.String("url", request.FileURL),
		zap.Error(err),
	)

	cookies, cerr := tabCookies(dlCtx, request.FileURL)
	if cerr != nil {
		b.logger.Debug("read tab cookies failed", zap.String("url", request.FileURL), zap.Error(cerr))
	}
	return b.fallbackDownload(ctx, request, cookies)
}

// browserCookies reads cookies for fileURL from a blank tab of the running
// browser. It returns nil when Chrome has not been started.
func (b *Browser) browserCookies(ctx context.Context, fileURL string) []*network.Cookie {
	browserCtx, ok := b.runningBrowser()
	if !ok {
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	cookies, err := tabCookies(tabCtx, fileURL)
	if err != nil {
		b.logger.Debug("read browser cookies failed", zap.String("url", fileURL), zap.Error(err))
		return nil
	}
	return cookies
}

// nativeDownload clicks a link to fileURL in the tab and reads the finished
// file back. The content type is the one the browser received, if any.
func (b *Browser) nativeDownload(tabCtx context.Context, fileURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(tabCtx, b.cfg.DownloadTimeout)
	defer cancel()

	watch := newDownloadWatch(fileURL)
	chromedp.ListenTarget(ctx, watch.handle)

	script, err := anchorClickScript(fileURL)
	if err != nil {
		return nil, "", err
	}
	if err := chromedp.Run(ctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(b.cfg.DownloadDir).
			WithEventsEnabled(true),
		chromedp.Evaluate(script, nil),
	); err != nil {
		return nil, "", fmt.Errorf("trigger download: %w", err)
	}

	select {
	case outcome := <-watch.done:
		if outcome.err != nil {
			return nil, "", outcome.err
		}
		path := filepath.Join(b.cfg.DownloadDir, outcome.guid)
		defer func() { _ = os.Remove(path) }()
		data, err := os.ReadFile(path) //nolint:gosec // path is the browser-assigned GUID under our directory
		if err != nil {
			return nil, "", fmt.Errorf("read downloaded file: %w", err)
		}
		return data, watch.contentType(), nil
	case <-ctx.Done():
		return nil, "", fmt.Errorf("await download: %w", ctx.Err())
	}
}

// downloadWatch follows the browser events of one native download.
type downloadWatch struct {
	fileURL string
	done    chan downloadOutcome

	mu       sync.Mutex
	beginURL string
	mimes    map[string]string
}

func newDownloadWatch(fileURL string) *downloadWatch {
	return &downloadWatch{
		fileURL: fileURL,
		done:    make(chan downloadOutcome, 1),
		mimes:   make(map[string]string),
	}
}

func (w *downloadWatch) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || e.Response.MimeType == "" {
			return
		}
		w.mu.Lock()
		w.mimes[e.Response.URL] = e.Response.MimeType
		w.mu.Unlock()
	case *browser.EventDownloadWillBegin:
		w.mu.Lock()
		w.beginURL = e.URL
		w.mu.Unlock()
	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			w.finish(downloadOutcome{guid: e.GUID})
		case browser.DownloadProgressStateCanceled:
			w.finish(downloadOutcome{err: errDownloadCanceled})
		}
	}
}

func (w *downloadWatch) finish(outcome downloadOutcome) {
	select {
	case w.done <- outcome:
	default:
	}
}

// contentType is the MIME type of the response behind the download, or ""
// when the browser reported none.
func (w *downloadWatch) contentType() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.beginURL != "" {
		if mime, ok := w.mimes[w.beginURL]; ok {
			return mime
		}
	}
	return w.mimes[w.fileURL]
}

func (b *Browser) fallbackDownload(ctx context.Context, request crawler.DownloadRequest, cookies []*network.Cookie) (crawler.DownloadResult, error) {
	if b.fallback == nil {
		return crawler.DownloadResult{}, fmt.Errorf("%w: no fallback fetcher for %s", crawler.ErrNetwork, request.FileURL)
	}
	headers := http.Header{}
	headers.Set("Referer", request.PageURL)
	if b.cfg.UserAgent != "" {
		headers.Set("User-Agent", b.cfg.UserAgent)
	}
	if cookie := cookieHeader(cookies); cookie != "" {
		headers.Set("Cookie", cookie)
	}
	resp, err := b.fallback.Fetch(ctx, crawler.FetchRequest{URL: request.FileURL, Headers: headers})
	if err != nil {
		metrics.ObservePDFDownload(string(crawler.DownloadFallback), "error")
		return crawler.DownloadResult{}, fmt.Errorf("fallback download %s: %w", request.FileURL, err)
	}
	metrics.ObservePDFDownload(string(crawler.DownloadFallback), "ok")
	return crawler.DownloadResult{
		Body:        resp.Body,
		ContentType: resp.Headers.Get("Content-Type"),
		Method:      crawler.DownloadFallback,
	}, nil
}

type downloadOutcome struct {
	guid string
	err  error
}

func tabCookies(ctx context.Context, fileURL string) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{fileURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return cookies, nil
}

func cookieHeader(cookies []*network.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// anchorClickScript builds the script that clicks a synthetic download link.
func anchorClickScript(fileURL string) (string, error) {
	quoted, err := json.Marshal(fileURL)
	if err != nil {
		return "", fmt.Errorf("quote url: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const a = document.createElement('a');
  a.href = %s;
  a.download = '';
  document.body.appendChild(a);
  a.click();
  a.remove();
  return true;
})()`, quoted), nil
}
