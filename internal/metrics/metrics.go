// Package metrics exposes Prometheus collectors for the harvester service.
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
	downloadsTotal             *prometheus.CounterVec
	downloadAttemptsTotal      *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	httpRetriesTotal           *prometheus.CounterVec
	activeDownloads            prometheus.Gauge
	cyclesTotal                *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	linksDiscovered            prometheus.Gauge
	ingestRowsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Total number of CSV downloads, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		downloadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_attempts_total",
				Help: "Total number of download attempts, including connection retries.",
			},
			[]string{"site"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Total number of CSV bytes written, labeled by site.",
			},
			[]string{"site"},
		)

		httpRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_retries_total",
				Help: "Total number of transport retries after a 5xx response, labeled by code.",
			},
			[]string{"code"},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_downloads",
				Help: "Number of downloads currently in flight.",
			},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cycles_total",
				Help: "Total number of harvest cycles, labeled by status.",
			},
			[]string{"status"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_cycle_duration_seconds",
				Help:    "Histogram of harvest cycle durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		linksDiscovered = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_links_discovered",
				Help: "Number of CSV links found by the most recent cycle.",
			},
		)

		ingestRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ingest_rows_total",
				Help: "Total number of CSV rows processed by ingestion, labeled by collection and status.",
			},
			[]string{"collection", "status"},
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

// ObserveDownload records the terminal outcome of one link.
func ObserveDownload(rawURL string, status string, attempts int, bytesWritten int64) {
	site := SanitizeSite(rawURL)
	downloadsTotal.WithLabelValues(site, status).Inc()
	if attempts > 0 {
		downloadAttemptsTotal.WithLabelValues(site).Add(float64(attempts))
	}
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
}

// ObserveHTTPRetry increments the 5xx retry counter.
func ObserveHTTPRetry(code int) {
	httpRetriesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// IncActiveDownloads increments the in-flight downloads gauge.
func IncActiveDownloads() {
	activeDownloads.Inc()
}

// DecActiveDownloads decrements the in-flight downloads gauge.
func DecActiveDownloads() {
	activeDownloads.Dec()
}

// ObserveCycle records a finished cycle.
func ObserveCycle(status string, links int, duration time.Duration) {
	cyclesTotal.WithLabelValues(status).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
	linksDiscovered.Set(float64(links))
}

// ObserveIngestRow counts one processed CSV row.
func ObserveIngestRow(collection, status string) {
	ingestRowsTotal.WithLabelValues(collection, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
