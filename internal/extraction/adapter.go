// Package extraction runs the keyword pre-pass and the external classifier over
// stored documents and normalizes the datapoints they produce.
package extraction

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// DefaultMaxTextChars bounds the text sent to the classifier.
const DefaultMaxTextChars = 50000

// Config controls the adapter.
type Config struct {
	MaxTextChars  int
	DefaultPrompt string
	PrepassLabels map[string]string
	PrepassWindow int
}

// Result is what the adapter learned about one document.
type Result struct {
	// Classification is nil when the classifier failed.
	Classification *crawler.ExtractionResult
	Datapoints     []crawler.Datapoint
}

// Adapter wraps a crawler.Classifier.
type Adapter struct {
	classifier crawler.Classifier
	prepass    *Prepass
	ids        crawler.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// NewAdapter builds an Adapter.
func NewAdapter(classifier crawler.Classifier, ids crawler.IDGenerator, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = DefaultMaxTextChars
	}
	if classifier == nil {
		classifier = NoopClassifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		classifier: classifier,
		prepass:    NewPrepass(cfg.PrepassLabels, cfg.PrepassWindow),
		ids:        ids,
		cfg:        cfg,
		logger:     logger.Named("extraction"),
	}
}

// Extract runs the pre-pass and the classifier on doc. When the classifier
// fails the returned error wraps crawler.ErrExtraction and the result still
// carries the pre-pass datapoints.
func (a *Adapter) Extract(ctx context.Context, doc crawler.CrawledDocument, src crawler.Source) (Result, error) {
	points := a.prepass.Scan(doc.Content)

	prompt := src.PromptTemplate
	if strings.TrimSpace(prompt) == "" {
		prompt = a.cfg.DefaultPrompt
	}

	var (
		result     Result
		extractErr error
	)
	classified, err := a.classifier.Classify(ctx, truncate(doc.Content, a.cfg.MaxTextChars), prompt, src.SourceType)
	if err == nil {
		err = validate(classified)
	}
	if err != nil {
		extractErr = fmt.Errorf("%w: classify %s: %w", crawler.ErrExtraction, doc.URL, err)
		a.logger.Warn("classifier failed, keeping pre-pass datapoints",
			zap.String("document_id", doc.ID),
			zap.String("url", doc.URL),
			zap.Int("heuristic_points", len(points)),
			zap.Error(err),
		)
	} else {
		result.Classification = &classified
		if classified.IsRelevant {
			points = append(points, normalizeRaw(classified.Datapoints)...)
		}
	}

	points = Dedupe(points)
	for i := range points {
		id, err := a.ids.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("datapoint id: %w", err)
		}
		points[i].ID = id
		points[i].DocumentID = doc.ID
	}
	result.Datapoints = points
	return result, extractErr
}

func validate(res crawler.ExtractionResult) error {
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("malformed classifier output: confidence %v", res.Confidence)
	}
	return nil
}

func normalizeRaw(raw []crawler.RawDatapoint) []crawler.Datapoint {
	out := make([]crawler.Datapoint, 0, len(raw))
	for _, r := range raw {
		key := strings.TrimSpace(r.IndicatorKey)
		if key == "" || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		confidence := math.Max(0, math.Min(1, r.Confidence))
		out = append(out, crawler.Datapoint{
			IndicatorKey:  key,
			Value:         r.Value,
			Unit:          NormalizeUnit(r.Unit),
			EffectiveDate: NormalizeDate(r.EffectiveDate),
			Confidence:    confidence,
			Origin:        crawler.OriginClassifier,
		})
	}
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
