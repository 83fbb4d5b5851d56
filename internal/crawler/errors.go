package crawler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJobNotFound is returned for unknown job IDs. The message is part of the job API.
var ErrJobNotFound = errors.New("Crawl job not found") //nolint:staticcheck // capitalized API message

var (
	// ErrNotFound is returned by stores when a lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrSourceNotFound is returned when a job references an unknown source.
	ErrSourceNotFound = errors.New("source not found")
	// ErrStatusConflict is matched by StatusConflictError.
	ErrStatusConflict = errors.New("job status conflict")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Acquisition and processing failures recorded as page errors.
var (
	ErrNetwork          = errors.New("network error")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrInvalidPDF       = errors.New("invalid pdf payload")
	ErrExtraction       = errors.New("extraction failed")
	ErrPersistence      = errors.New("persistence failed")
)

// ErrorKind labels a PageError.
type ErrorKind string

// Page error kinds.
const (
	KindNetwork          ErrorKind = "network"
	KindRobotsDisallowed ErrorKind = "robots_disallowed"
	KindInvalidPDF       ErrorKind = "invalid_pdf"
	KindExtraction       ErrorKind = "extraction"
	KindPersistence      ErrorKind = "persistence"
	KindUnknown          ErrorKind = "unknown"
)

// KindOf maps an error onto the taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRobotsDisallowed):
		return KindRobotsDisallowed
	case errors.Is(err, ErrInvalidPDF):
		return KindInvalidPDF
	case errors.Is(err, ErrExtraction):
		return KindExtraction
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// CancelError is returned when cancelling a job that already finished.
type CancelError struct {
	Status JobStatus
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("Cannot cancel job with status '%s'", e.Status)
}

// StatusConflictError reports a conditional update that lost a race.
type StatusConflictError struct {
	JobID   string
	Current JobStatus
	Allowed []JobStatus
}

func (e *StatusConflictError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("job %s is %s, expected one of [%s]", e.JobID, e.Current, strings.Join(allowed, ", "))
}

// Is lets errors.Is match ErrStatusConflict.
func (e *StatusConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}
