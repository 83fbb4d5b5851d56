// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal             *prometheus.CounterVec
	bytesTotal             *prometheus.CounterVec
	documentsTotal         *prometheus.CounterVec
	pdfDownloadsTotal      *prometheus.CounterVec
	robotsDecisionsTotal   *prometheus.CounterVec
	jobsTotal              *prometheus.CounterVec
	activeJobs             prometheus.Gauge
	rateLimitDelaySeconds  *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_pages_total",
				Help: "Pages visited by the frontier, labeled by site, fetch mode and outcome.",
			},
			[]string{"site", "mode", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_documents_total",
				Help: "Documents processed, labeled by change type.",
			},
			[]string{"change_type"},
		)

		pdfDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_pdf_downloads_total",
				Help: "PDF download attempts, labeled by method and outcome.",
			},
			[]string{"method", "outcome"},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_robots_decisions_total",
				Help: "robots.txt decisions, labeled by decision (allow, deny, fail_open).",
			},
			[]string{"decision"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "regwatch_active_jobs",
				Help: "Jobs currently running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regwatch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regwatch_ops_http_requests_total",
				Help: "Requests served by the ops listener, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regwatch_ops_http_request_duration_seconds",
				Help:    "Ops listener latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one frontier visit.
func ObservePage(site, mode, outcome string, bytesFetched int) {
	Init()
	host := SanitizeSite(site)
	pagesTotal.WithLabelValues(host, mode, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveDocument records a change classification.
func ObserveDocument(changeType string) {
	Init()
	documentsTotal.WithLabelValues(changeType).Inc()
}

// ObservePDFDownload records a PDF acquisition attempt.
func ObservePDFDownload(method, outcome string) {
	Init()
	pdfDownloadsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveRobots records a robots.txt decision.
func ObserveRobots(decision string) {
	Init()
	robotsDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one ops listener request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
