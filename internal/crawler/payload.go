package crawler

import "time"

// PayloadKind discriminates ExtractedPayload variants.
type PayloadKind string

// Payload kinds.
const (
	PayloadHTML PayloadKind = "html"
	PayloadPDF  PayloadKind = "pdf"
)

// ExtractedPayload is a unit of fetched content. The only implementations
// are HTMLPage and PDFDocument.
type ExtractedPayload interface {
	Kind() PayloadKind
	Location() string
	DocumentTitle() string
	Text() string
	sealed()
}

// HTMLPage is the extracted text of a fetched page.
type HTMLPage struct {
	URL       string
	FinalURL  string
	Title     string
	Body      string
	Depth     int
	Rendered  bool
	FetchedAt time.Time
}

// Kind implements ExtractedPayload.
func (HTMLPage) Kind() PayloadKind { return PayloadHTML }

// Location returns the URL the page was requested at.
func (p HTMLPage) Location() string { return p.URL }

// DocumentTitle implements ExtractedPayload.
func (p HTMLPage) DocumentTitle() string { return p.Title }

// Text implements ExtractedPayload.
func (p HTMLPage) Text() string { return p.Body }

func (HTMLPage) sealed() {}

// PDFDocument is the text layer of a downloaded PDF.
type PDFDocument struct {
	URL     string
	PageURL string
	Title   string
	Body    string
	File    DownloadedFile
}

// Kind implements ExtractedPayload.
func (PDFDocument) Kind() PayloadKind { return PayloadPDF }

// Location returns the PDF URL.
func (p PDFDocument) Location() string { return p.URL }

// DocumentTitle implements ExtractedPayload.
func (p PDFDocument) DocumentTitle() string { return p.Title }

// Text implements ExtractedPayload.
func (p PDFDocument) Text() string { return p.Body }

func (PDFDocument) sealed() {}
