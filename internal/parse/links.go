// Package parse extracts links, main text, and PDF text from fetched payloads.
package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultPDFSelectors are tried when a source gives no hints.
var DefaultPDFSelectors = []string{
	`a[href$=".pdf"]`,
	`a[href$=".PDF"]`,
	`a[href*=".pdf?"]`,
	`a[type="application/pdf"]`,
}

// Document wraps a parsed HTML page and its base URL.
type Document struct {
	doc  *goquery.Document
	base *url.URL
}

// NewDocument parses html relative to pageURL.
func NewDocument(html []byte, pageURL string) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, rerr := base.Parse(strings.TrimSpace(href)); rerr == nil {
			base = resolved
		}
	}
	return &Document{doc: doc, base: base}, nil
}

// Title returns the <title> text, falling back to the first <h1>.
func (d *Document) Title() string {
	if t := strings.TrimSpace(d.doc.Find("title").First().Text()); t != "" {
		return collapse(t)
	}
	return collapse(d.doc.Find("h1").First().Text())
}

// Links returns absolute http(s) links in document order, without fragments or duplicates.
func (d *Document) Links() []string {
	return d.collect(d.doc.Find("a[href]"))
}

// PDFLinks returns links matched by the selector hints (or the defaults) plus any
// anchor whose path ends in .pdf, in document order.
func (d *Document) PDFLinks(hints []string) []string {
	selectors := hints
	if len(selectors) == 0 {
		selectors = DefaultPDFSelectors
	}
	selection := d.doc.Find(strings.Join(selectors, ", "))
	hinted := d.collect(selection)

	seen := make(map[string]struct{}, len(hinted))
	out := make([]string, 0, len(hinted))
	for _, link := range hinted {
		seen[link] = struct{}{}
		out = append(out, link)
	}
	for _, link := range d.Links() {
		if _, dup := seen[link]; dup || !IsPDFURL(link) {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

func (d *Document) collect(selection *goquery.Selection) []string {
	seen := make(map[string]struct{})
	var out []string
	selection.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs, ok := d.resolve(href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func (d *Document) resolve(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return "", false
	}
	u, err := d.base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// IsPDFURL reports whether the URL path ends in .pdf.
func IsPDFURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
