package parse

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// minReadableChars is the shortest readability result accepted before falling back to the full body.
const minReadableChars = 200

// MainText returns the page title and main text. Readability is tried first;
// short or failed results fall back to the visible body text.
func MainText(html []byte, pageURL string) (string, string) {
	parsedURL, err := url.Parse(pageURL)
	if err == nil {
		article, rerr := readability.FromReader(bytes.NewReader(html), parsedURL)
		if rerr == nil {
			text := collapse(article.TextContent)
			if len(text) >= minReadableChars {
				return collapse(article.Title), text
			}
		}
	}
	return bodyText(html)
}

func bodyText(html []byte) (string, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", collapse(string(html))
	}
	title := collapse(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, template, svg").Remove()
	return title, collapse(doc.Find("body").Text())
}

// PDFText extracts the text layer of a PDF. Scanned PDFs yield an empty string.
func PDFText(data []byte) (text string, err error) {
	defer func() {
		// The pdf reader panics on some malformed cross-reference tables.
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("copy pdf text: %w", err)
	}
	return collapse(buf.String()), nil
}
