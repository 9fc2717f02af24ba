// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	gatherer              prometheus.Gatherer
	pipelineRuns          *prometheus.CounterVec
	stageDuration         *prometheus.HistogramVec
	downloadedBytes       prometheus.Counter
	unpackedBytes         prometheus.Counter
	unimplementedDelegate *prometheus.CounterVec
	regionsTotal          prometheus.Gauge
	regionsDownloaded     prometheus.Gauge
	backendRequests       *prometheus.CounterVec
	storageOperations     *prometheus.CounterVec
	storageDuration       *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector registered with reg.
// A nil reg uses the default registry.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = "offgrid"
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		gatherer = reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		gatherer: gatherer,

		pipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of finished offline download runs",
			},
			[]string{"stage"},
		),

		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Offline download stage duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage", "status"},
		),

		downloadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes_total",
				Help:      "Total number of tile pack bytes downloaded",
			},
		),

		unpackedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unpacked_bytes_total",
				Help:      "Total number of tile bytes unpacked",
			},
		),

		unimplementedDelegate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unimplemented_delegate_warnings_total",
				Help:      "Unimplemented delegate methods reported for the first time",
			},
			[]string{"function"},
		),

		regionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "regions_total",
				Help:      "Number of catalogued offline regions",
			},
		),

		regionsDownloaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "regions_downloaded",
				Help:      "Number of offline regions with an available pack",
			},
		),

		backendRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of tile backend requests",
			},
			[]string{"operation", "status"},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncPipelineRuns increments the finished run counter.
func (c *Collector) IncPipelineRuns(stage string) {
	c.pipelineRuns.WithLabelValues(stage).Inc()
}

// ObserveStageDuration records how long a stage took.
func (c *Collector) ObserveStageDuration(stage string, success bool, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage, successLabel(success)).Observe(duration.Seconds())
}

// AddDownloadedBytes adds to the downloaded bytes counter.
func (c *Collector) AddDownloadedBytes(n int64) {
	if n > 0 {
		c.downloadedBytes.Add(float64(n))
	}
}

// AddUnpackedBytes adds to the unpacked bytes counter.
func (c *Collector) AddUnpackedBytes(n uint64) {
	c.unpackedBytes.Add(float64(n))
}

// IncUnimplementedDelegate counts a first-time unimplemented delegate warning.
func (c *Collector) IncUnimplementedDelegate(function string) {
	c.unimplementedDelegate.WithLabelValues(function).Inc()
}

// SetRegions sets the region gauges.
func (c *Collector) SetRegions(total, downloaded int) {
	c.regionsTotal.Set(float64(total))
	c.regionsDownloaded.Set(float64(downloaded))
}

// IncBackendRequests increments the backend request counter.
func (c *Collector) IncBackendRequests(operation string, success bool) {
	c.backendRequests.WithLabelValues(operation, successLabel(success)).Inc()
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, successLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses ids in API paths so label cardinality stays bounded.
func normalizePath(path string) string {
	for _, prefix := range []string{"/api/v1/regions/", "/api/v1/downloads/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" || rest == "refresh" {
			continue
		}
		return prefix + "{id}"
	}
	return path
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
