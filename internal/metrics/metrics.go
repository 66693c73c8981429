// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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

// Consumer outcome labels, one per structured log line.
const (
	OutcomeProcessed        = "processed"
	OutcomeSkippedDuplicate = "skipped-duplicate"
	OutcomeSkippedInvalid   = "skipped-invalid"
	OutcomeTransientFailure = "transient-failure"
	OutcomeDeadLettered     = "dead-lettered"
)

var (
	producerArticlesTotal         *prometheus.CounterVec
	producerFetchErrorsTotal      *prometheus.CounterVec
	producerPassDurationSeconds   prometheus.Histogram
	consumerMessagesTotal         *prometheus.CounterVec
	enrichmentDurationSeconds     *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	consumerActiveWorkers         prometheus.Gauge
	feedRateLimitDelaysSeconds    *prometheus.HistogramVec
	summarizerBreakerStateChanges *prometheus.CounterVec
	gateWritesTotal               *prometheus.CounterVec
	extractRobotsFallbackTotal    prometheus.Counter
	extractRenderTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		producerArticlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_producer_articles_total",
				Help: "Articles seen by the producer, labeled by topic and result (published, duplicate, publish_error).",
			},
			[]string{"topic", "result"},
		)

		producerFetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_producer_fetch_errors_total",
				Help: "Feed fetch failures that abandoned a topic for the current pass.",
			},
			[]string{"topic"},
		)

		producerPassDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "briefly_producer_pass_duration_seconds",
				Help:    "Histogram of producer pass durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		consumerMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_consumer_messages_total",
				Help: "Queue messages handled by the consumer, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		enrichmentDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "briefly_enrichment_duration_seconds",
				Help:    "Histogram of enrichment call latencies, labeled by result.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"result"},
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

		consumerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "briefly_consumer_active_workers",
				Help: "Number of consumer workers currently processing a message.",
			},
		)

		feedRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "briefly_feed_rate_limit_delays_seconds",
				Help:    "Histogram of feed rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		summarizerBreakerStateChanges = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_summarizer_breaker_transitions_total",
				Help: "Circuit breaker state transitions for enrichment providers.",
			},
			[]string{"provider", "to"},
		)

		gateWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_gate_writes_total",
				Help: "Conditional writes attempted by the persistence gate, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		extractRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "briefly_extract_robots_fallback_total",
				Help: "robots.txt probes that timed out and were treated as allow-all.",
			},
		)

		extractRenderTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "briefly_extract_render_total",
				Help: "Headless renders of script-built pages, labeled by result (used, no_gain, error).",
			},
			[]string{"result"},
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

// ObserveProduced counts one producer decision for an article.
func ObserveProduced(topic, result string) {
	Init()
	producerArticlesTotal.WithLabelValues(topic, result).Inc()
}

// ObserveFetchError counts an abandoned topic.
func ObserveFetchError(topic string) {
	Init()
	producerFetchErrorsTotal.WithLabelValues(topic).Inc()
}

// ObservePass records the duration of a producer pass.
func ObservePass(duration time.Duration) {
	Init()
	producerPassDurationSeconds.Observe(duration.Seconds())
}

// ObserveMessage counts one consumer outcome.
func ObserveMessage(outcome string) {
	Init()
	consumerMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveEnrichment records an enrichment call.
func ObserveEnrichment(result string, duration time.Duration) {
	Init()
	enrichmentDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	consumerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	consumerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	feedRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBreakerTransition counts a circuit breaker state change.
func ObserveBreakerTransition(provider, to string) {
	Init()
	summarizerBreakerStateChanges.WithLabelValues(provider, to).Inc()
}

// ObserveGateWrite counts one conditional write by outcome.
func ObserveGateWrite(outcome string) {
	Init()
	gateWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback() {
	Init()
	extractRobotsFallbackTotal.Inc()
}

// ObserveRender counts one headless render attempt.
func ObserveRender(result string) {
	Init()
	extractRenderTotal.WithLabelValues(result).Inc()
}
