// Package metrics exposes Prometheus collectors for the change monitor.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check outcomes used as label values.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeFirst     = "first_snapshot"
	OutcomeError     = "error"
	OutcomeSkipped   = "skipped"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changewatch_checks_total",
			Help: "Total number of watch checks, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	checkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changewatch_check_errors_total",
			Help: "Total number of failed checks, labeled by error kind.",
		},
		[]string{"kind"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changewatch_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by fetch strategy.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changewatch_active_workers",
			Help: "Number of workers currently checking a watch.",
		},
	)

	scheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "changewatch_scheduler_enqueued_total",
			Help: "Total number of watch IDs pushed onto the work queue by the scheduler.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "changewatch_work_queue_depth",
			Help: "Number of watch IDs waiting in the work queue at the last tick.",
		},
	)

	proxyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changewatch_proxy_failures_total",
			Help: "Total number of fetch failures through a proxy.",
		},
		[]string{"proxy"},
	)

	proxyDemotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "changewatch_proxy_demotions_total",
			Help: "Total number of proxies moved to the bad set.",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changewatch_notifications_total",
			Help: "Total number of notification deliveries, labeled by scheme and outcome.",
		},
		[]string{"scheme", "outcome"},
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

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "changewatch_rate_limit_delays_seconds",
			Help:    "Histogram of politeness wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)
)

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

// ObserveCheck increments the check counter for outcome.
func ObserveCheck(outcome string) {
	checksTotal.WithLabelValues(outcome).Inc()
}

// ObserveCheckError increments the error counter for kind.
func ObserveCheckError(kind string) {
	checkErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records how long a fetch took.
func ObserveFetch(strategy string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveScheduled records IDs pushed by a scheduler tick and the resulting depth.
func ObserveScheduled(pushed, depth int) {
	scheduledTotal.Add(float64(pushed))
	queueDepth.Set(float64(depth))
}

// ObserveProxyFailure records a failure through proxy, and a demotion when demoted is set.
func ObserveProxyFailure(proxy string, demoted bool) {
	proxyFailuresTotal.WithLabelValues(proxy).Inc()
	if demoted {
		proxyDemotionsTotal.Inc()
	}
}

// ObserveNotification records one delivery attempt.
func ObserveNotification(scheme, outcome string) {
	notificationsTotal.WithLabelValues(scheme, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
