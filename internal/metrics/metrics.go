package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StorageOperation identifies the cache storage method being instrumented.
type StorageOperation string

const (
	// StorageOperationMatch records cache lookups.
	StorageOperationMatch StorageOperation = "match"
	// StorageOperationPut records cache writes.
	StorageOperationPut StorageOperation = "put"
	// StorageOperationDelete records generation deletions.
	StorageOperationDelete StorageOperation = "delete"
)

// StorageResult captures the result of a storage operation.
type StorageResult string

const (
	// StorageHit indicates a lookup found a stored response.
	StorageHit StorageResult = "hit"
	// StorageMiss indicates no stored response was present.
	StorageMiss StorageResult = "miss"
	// StorageStored indicates a write or delete went through.
	StorageStored StorageResult = "stored"
	// StorageError indicates the backend failed.
	StorageError StorageResult = "error"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	installAssets      *prometheus.CounterVec
	deletedGenerations prometheus.Counter
	activeGeneration   *prometheus.GaugeVec

	storageOperations *prometheus.CounterVec
	storageLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Requests answered by the cache worker, by strategy and response source.",
	}, []string{"strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shellcache",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for requests answered by the cache worker.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "source"})

	installAssets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "install",
		Name:      "assets_total",
		Help:      "Manifest assets processed during install, by result.",
	}, []string{"version", "result"})

	deletedGenerations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "activate",
		Name:      "deleted_generations_total",
		Help:      "Stale cache generations deleted during activation.",
	})

	activeGeneration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shellcache",
		Name:      "active_generation",
		Help:      "Set to 1 for the cache generation controlling requests.",
	}, []string{"cache"})

	storageOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Cache storage operations executed by the worker.",
	}, []string{"operation", "result"})

	storageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shellcache",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache storage operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, installAssets, deletedGenerations, activeGeneration, storageOperations, storageLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		fetchRequests:      fetchRequests,
		fetchLatency:       fetchLatency,
		installAssets:      installAssets,
		deletedGenerations: deletedGenerations,
		activeGeneration:   activeGeneration,
		storageOperations:  storageOperations,
		storageLatency:     storageLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records how an intercepted request was answered.
func (r *Recorder) ObserveFetch(strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(strategyLabel, sourceLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveInstall records the outcome of one install pass.
func (r *Recorder) ObserveInstall(version string, cached, skipped int) {
	if r == nil {
		return
	}
	versionLabel := normalizeLabel(version)
	if cached > 0 {
		r.installAssets.WithLabelValues(versionLabel, "cached").Add(float64(cached))
	}
	if skipped > 0 {
		r.installAssets.WithLabelValues(versionLabel, "skipped").Add(float64(skipped))
	}
}

// ObserveActivation records the generation now in control and how many stale
// generations were removed on the way.
func (r *Recorder) ObserveActivation(cacheName string, deleted int) {
	if r == nil {
		return
	}
	if deleted > 0 {
		r.deletedGenerations.Add(float64(deleted))
	}
	r.activeGeneration.Reset()
	r.activeGeneration.WithLabelValues(normalizeLabel(cacheName)).Set(1)
}

// ObserveStorage records a storage operation.
func (r *Recorder) ObserveStorage(operation StorageOperation, result StorageResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StorageOperationMatch)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(StorageError)
	}
	r.storageOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.storageLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
