// Package detector decides when a plain fetch should be promoted to a rendered one.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// DefaultVisibleTextThreshold is the visible-text length below which a page looks like an unrendered shell.
const DefaultVisibleTextThreshold = 2048

// mountSelectors match the root nodes client-side frameworks render into.
var mountSelectors = []string{
	"#__next",
	"#root",
	"#app",
	"[data-reactroot]",
	"[ng-app]",
	"app-root",
}

// Heuristic flags single-page-app shells whose content only exists after JavaScript runs.
type Heuristic struct {
	VisibleTextThreshold int
}

// NewHeuristic creates a detector. A zero threshold uses DefaultVisibleTextThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultVisibleTextThreshold
	}
	return &Heuristic{VisibleTextThreshold: threshold}
}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	scripts := doc.Find("script")
	scriptBytes := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
		if src, ok := s.Attr("src"); ok {
			scriptBytes += len(src)
		}
	})
	if noscript := strings.ToLower(doc.Find("noscript").Text()); strings.Contains(noscript, "enable javascript") {
		return visibleTextLen(doc) < h.VisibleTextThreshold
	}

	visible := visibleTextLen(doc)
	if visible >= h.VisibleTextThreshold {
		return false
	}
	for _, sel := range mountSelectors {
		mount := doc.Find(sel).First()
		if mount.Length() > 0 && len(strings.TrimSpace(mount.Text())) == 0 {
			return true
		}
	}
	return scripts.Length() > 0 && scriptBytes*100/len(resp.Body) >= 25
}

func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}
