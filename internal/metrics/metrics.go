// Package metrics exposes Prometheus collectors for the retriever.
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

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	backoffSeconds             prometheus.Histogram
	pagesTotal                 prometheus.Counter
	itemsTotal                 prometheus.Counter
	breakerOpen                prometheus.Gauge
	runsTotal                  *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	indexedDocumentsTotal      prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retriever_fetch_attempts_total",
				Help: "Total number of page fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		backoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retriever_backoff_seconds",
				Help:    "Histogram of delays slept before retrying a page fetch.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 60},
			},
		)

		pagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retriever_pages_total",
				Help: "Total number of pages persisted.",
			},
		)

		itemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retriever_items_total",
				Help: "Total number of items persisted.",
			},
		)

		breakerOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "retriever_circuit_open",
				Help: "1 while the circuit breaker is open, 0 otherwise.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retriever_runs_total",
				Help: "Total number of retrieval runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retriever_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		indexedDocumentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retriever_indexed_documents_total",
				Help: "Total number of documents written to the vector store.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveIndexed adds n to the indexed document counter.
func ObserveIndexed(n int) {
	indexedDocumentsTotal.Add(float64(n))
}

// Recorder implements retrieval.Recorder on the package collectors.
type Recorder struct{}

var _ retrieval.Recorder = Recorder{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// ObserveAttempt counts one fetch attempt.
func (Recorder) ObserveAttempt(result string) {
	fetchAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveBackoff records a retry delay.
func (Recorder) ObserveBackoff(delay time.Duration) {
	backoffSeconds.Observe(delay.Seconds())
}

// ObservePage counts a persisted page and its items.
func (Recorder) ObservePage(items int) {
	pagesTotal.Inc()
	itemsTotal.Add(float64(items))
}

// ObserveBreaker tracks the breaker state.
func (Recorder) ObserveBreaker(open bool) {
	if open {
		breakerOpen.Set(1)
		return
	}
	breakerOpen.Set(0)
}

// ObserveOutcome counts a finished run.
func (Recorder) ObserveOutcome(outcome retrieval.Outcome) {
	runsTotal.WithLabelValues(string(outcome)).Inc()
}
