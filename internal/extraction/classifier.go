package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

const maxClassifierResponse = 4 << 20

// HTTPClassifier posts documents to an external classification service.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier builds a classifier for endpoint.
func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClassifier{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type classifyRequest struct {
	Text           string `json:"text"`
	PromptTemplate string `json:"promptTemplate"`
	SourceType     string `json:"sourceType"`
}

// Classify implements crawler.Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text, promptTemplate, sourceType string) (crawler.ExtractionResult, error) {
	payload, err := json.Marshal(classifyRequest{Text: text, PromptTemplate: promptTemplate, SourceType: sourceType})
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("marshal classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("new classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("classify request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierResponse))
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("read classify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return crawler.ExtractionResult{}, fmt.Errorf("classify response status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var result crawler.ExtractionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("decode classify response: %w", err)
	}
	return result, nil
}

// NoopClassifier is used when no classification service is configured.
type NoopClassifier struct{}

// Classify reports every document as irrelevant.
func (NoopClassifier) Classify(context.Context, string, string, string) (crawler.ExtractionResult, error) {
	return crawler.ExtractionResult{IsRelevant: false, Category: "unclassified"}, nil
}
