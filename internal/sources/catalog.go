// Package sources loads the operator-managed source catalog from YAML.
package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// Budgets applied when a source leaves them unset.
const (
	DefaultMaxDepth = 2
	DefaultMaxPages = 50
)

var (
	// ErrNoSources indicates the catalog file lists no sources.
	ErrNoSources = errors.New("no sources found in catalog")
	// ErrInvalidSource indicates a source entry failed validation.
	ErrInvalidSource = errors.New("invalid source")
)

type catalogFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

// sourceEntry is the file form of crawler.Source. Pointers mark keys where an
// explicit zero differs from "unset".
type sourceEntry struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	StartURL             string            `yaml:"startUrl"`
	DomainAllowlist      []string          `yaml:"domainAllowlist"`
	DownloadDir          string            `yaml:"downloadDir"`
	MaxDepth             *int              `yaml:"maxDepth"`
	MaxPages             int               `yaml:"maxPages"`
	PDFLinkSelectorHints []string          `yaml:"pdfLinkSelectorHints"`
	ScrollToBottom       bool              `yaml:"scrollToBottom"`
	Headless             bool              `yaml:"headless"`
	AnalyzeHTML          bool              `yaml:"analyzeHtml"`
	Mode                 crawler.FetchMode `yaml:"mode"`
	SourceType           string            `yaml:"sourceType"`
	PromptTemplate       string            `yaml:"promptTemplate"`
	Active               *bool             `yaml:"active"`
}

// Catalog is an immutable, ordered set of sources. It implements crawler.SourceStore.
type Catalog struct {
	order   []string
	sources map[string]crawler.Source
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a catalog. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse sources yaml: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, ErrNoSources
	}

	c := &Catalog{sources: make(map[string]crawler.Source, len(file.Sources))}
	for i, entry := range file.Sources {
		src, err := normalize(entry)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		if _, dup := c.sources[src.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidSource, src.ID)
		}
		c.sources[src.ID] = src
		c.order = append(c.order, src.ID)
	}
	return c, nil
}

func normalize(entry sourceEntry) (crawler.Source, error) {
	src := crawler.Source{
		ID:                   strings.TrimSpace(entry.ID),
		Name:                 entry.Name,
		StartURL:             entry.StartURL,
		DomainAllowlist:      entry.DomainAllowlist,
		DownloadDir:          entry.DownloadDir,
		MaxPages:             entry.MaxPages,
		PDFLinkSelectorHints: entry.PDFLinkSelectorHints,
		ScrollToBottom:       entry.ScrollToBottom,
		Headless:             entry.Headless,
		AnalyzeHTML:          entry.AnalyzeHTML,
		Mode:                 entry.Mode,
		SourceType:           entry.SourceType,
		PromptTemplate:       entry.PromptTemplate,
	}
	if src.ID == "" {
		return crawler.Source{}, fmt.Errorf("%w: id is required", ErrInvalidSource)
	}
	u, err := url.Parse(strings.TrimSpace(src.StartURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Source{}, fmt.Errorf("%w: %s: startUrl must be an absolute http(s) url", ErrInvalidSource, src.ID)
	}
	src.StartURL = u.String()
	if src.Name == "" {
		src.Name = src.ID
	}

	src.MaxDepth = DefaultMaxDepth
	if entry.MaxDepth != nil {
		src.MaxDepth = *entry.MaxDepth
	}
	if src.MaxDepth < 0 {
		return crawler.Source{}, fmt.Errorf("%w: %s: maxDepth must be >= 0", ErrInvalidSource, src.ID)
	}
	if src.MaxPages == 0 {
		src.MaxPages = DefaultMaxPages
	}
	if src.MaxPages < 0 {
		return crawler.Source{}, fmt.Errorf("%w: %s: maxPages must be >= 1", ErrInvalidSource, src.ID)
	}

	switch src.Mode {
	case "":
		src.Mode = crawler.FetchModeAuto
	case crawler.FetchModeAuto, crawler.FetchModePlain, crawler.FetchModeRendered:
	default:
		return crawler.Source{}, fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidSource, src.ID, src.Mode)
	}

	src.Active = entry.Active == nil || *entry.Active
	return src, nil
}

// GetSource implements crawler.SourceStore.
func (c *Catalog) GetSource(_ context.Context, id string) (crawler.Source, error) {
	src, ok := c.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("%w: %s", crawler.ErrSourceNotFound, id)
	}
	return cloneSource(src), nil
}

// ListActiveSources implements crawler.SourceStore, in file order.
func (c *Catalog) ListActiveSources(_ context.Context) ([]crawler.Source, error) {
	out := make([]crawler.Source, 0, len(c.order))
	for _, id := range c.order {
		if src := c.sources[id]; src.Active {
			out = append(out, cloneSource(src))
		}
	}
	return out, nil
}

// All returns every source, active or not, in file order.
func (c *Catalog) All() []crawler.Source {
	out := make([]crawler.Source, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneSource(c.sources[id]))
	}
	return out
}

// The crawler never mutates a source, so callers get their own slices.
func cloneSource(src crawler.Source) crawler.Source {
	src.DomainAllowlist = append([]string(nil), src.DomainAllowlist...)
	src.PDFLinkSelectorHints = append([]string(nil), src.PDFLinkSelectorHints...)
	return src
}
