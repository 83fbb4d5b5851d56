package acquisition

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
	hashsha "github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/parse"
)

const maxBaseNameLen = 80

var (
	pdfMagic       = []byte("%PDF")
	unsafeFileChar = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// ValidatePDF rejects HTML served at a PDF URL, payloads without the PDF
// magic header, and payloads larger than maxBytes (when positive).
func ValidatePDF(contentType string, body []byte, maxBytes int64) error {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil && strings.EqualFold(mediaType, "text/html") {
			return fmt.Errorf("%w: content-type %s", crawler.ErrInvalidPDF, mediaType)
		}
	}
	if len(body) < len(pdfMagic) || !bytes.Equal(body[:len(pdfMagic)], pdfMagic) {
		return fmt.Errorf("%w: missing %%PDF header", crawler.ErrInvalidPDF)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", crawler.ErrInvalidPDF, len(body), maxBytes)
	}
	return nil
}

// BodyLimit is the response cap a fetcher needs so that ValidatePDF can see an
// oversized PDF. Fetchers truncate at their cap without an error, so the cap
// sits one byte above the PDF limit. Zero means no limit.
func BodyLimit(maxPDFBytes int) int {
	if maxPDFBytes <= 0 {
		return 0
	}
	return maxPDFBytes + 1
}

// FileName builds a collision-safe name: sanitized basename, an 8-char hash
// of the URL, and the UTC millisecond timestamp.
func FileName(fileURL string, now time.Time) string {
	base := "document"
	if u, err := url.Parse(fileURL); err == nil {
		name := path.Base(u.Path)
		name = strings.TrimSuffix(name, path.Ext(name))
		name = unsafeFileChar.ReplaceAllString(name, "_")
		name = strings.Trim(name, "._")
		if len(name) > maxBaseNameLen {
			name = name[:maxBaseNameLen]
		}
		if name != "" {
			base = name
		}
	}
	return fmt.Sprintf("%s_%s_%d.pdf", base, hashsha.HashBytes([]byte(fileURL))[:8], now.UTC().UnixMilli())
}

// Session tracks the PDFs downloaded during one crawl run.
type Session struct {
	layer      *Layer
	src        crawler.Source
	downloaded map[string]struct{}
}

// NewSession starts download bookkeeping for one run of src.
func (l *Layer) NewSession(src crawler.Source) *Session {
	return &Session{layer: l, src: src, downloaded: make(map[string]struct{})}
}

// PDFResult is the outcome of one download attempt.
type PDFResult struct {
	URL      string
	Document crawler.PDFDocument
	Err      error
}

// Pending returns the links DownloadPDFs would attempt, in order.
func (s *Session) Pending(links []string) []string {
	out := make([]string, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		key := downloadKey(link)
		if _, done := s.downloaded[key]; done {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, link)
		if len(out) == s.layer.cfg.MaxDownloadsPerPage {
			break
		}
	}
	return out
}

// DownloadPDFs downloads up to the per-page cap of links not yet attempted
// in this run. Every attempt, failed or not, counts as the URL's one try.
func (s *Session) DownloadPDFs(ctx context.Context, pageURL string, links []string, rendered bool) []PDFResult {
	pending := s.Pending(links)
	results := make([]PDFResult, 0, len(pending))
	for _, link := range pending {
		if ctx.Err() != nil {
			break
		}
		s.downloaded[downloadKey(link)] = struct{}{}
		doc, err := s.download(ctx, pageURL, link, rendered)
		results = append(results, PDFResult{URL: link, Document: doc, Err: err})
	}
	return results
}

// Downloaded reports how many PDF URLs this run has attempted.
func (s *Session) Downloaded() int {
	return len(s.downloaded)
}

func (s *Session) download(ctx context.Context, pageURL, fileURL string, rendered bool) (crawler.PDFDocument, error) {
	l := s.layer
	var result crawler.DownloadResult
	if rendered && l.deps.Downloader != nil {
		res, err := l.deps.Downloader.Download(ctx, crawler.DownloadRequest{PageURL: pageURL, FileURL: fileURL})
		if err != nil {
			return crawler.PDFDocument{}, fmt.Errorf("download %s: %w", fileURL, err)
		}
		result = res
	} else {
		resp, err := l.fetchPlain(ctx, fileURL, http.Header{"Referer": {pageURL}})
		if err != nil {
			metrics.ObservePDFDownload(string(crawler.DownloadHTTP), "error")
			return crawler.PDFDocument{}, fmt.Errorf("download %s: %w", fileURL, err)
		}
		metrics.ObservePDFDownload(string(crawler.DownloadHTTP), "ok")
		result = crawler.DownloadResult{Body: resp.Body, ContentType: resp.Headers.Get("Content-Type"), Method: crawler.DownloadHTTP}
	}

	if err := ValidatePDF(result.ContentType, result.Body, l.cfg.MaxPDFBytes); err != nil {
		metrics.ObservePDFDownload(string(result.Method), "invalid")
		return crawler.PDFDocument{}, fmt.Errorf("validate %s: %w", fileURL, err)
	}

	now := l.deps.Clock.Now()
	dir := s.src.DownloadDir
	if dir == "" {
		dir = s.src.ID
	}
	objectPath := path.Join(dir, FileName(fileURL, now))
	uri, err := l.deps.Blobs.PutObject(ctx, objectPath, "application/pdf", bytes.NewReader(result.Body))
	if err != nil {
		return crawler.PDFDocument{}, fmt.Errorf("%w: store %s: %w", crawler.ErrPersistence, objectPath, err)
	}

	text, err := parse.PDFText(result.Body)
	if err != nil {
		l.logger.Warn("pdf text layer unreadable", zap.String("url", fileURL), zap.Error(err))
		text = ""
	}
	return crawler.PDFDocument{
		URL:     fileURL,
		PageURL: pageURL,
		Title:   pdfTitle(fileURL),
		Body:    text,
		File: crawler.DownloadedFile{
			SourceURL:     fileURL,
			PageURL:       pageURL,
			FilePath:      uri,
			FileSizeBytes: int64(len(result.Body)),
			ContentHash:   hashsha.HashBytes(result.Body),
			Method:        result.Method,
			DownloadedAt:  now,
		},
	}, nil
}

func downloadKey(link string) string {
	if normalized, err := crawler.NormalizeURL(link); err == nil {
		return normalized
	}
	return link
}

func pdfTitle(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil {
		return fileURL
	}
	name := path.Base(u.Path)
	if unescaped, uerr := url.PathUnescape(name); uerr == nil {
		name = unescaped
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

// Skip marks a link as attempted without downloading it.
func (s *Session) Skip(link string) {
	s.downloaded[downloadKey(link)] = struct{}{}
}
