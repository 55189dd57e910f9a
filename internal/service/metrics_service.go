package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP, cache and billing activity.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	paymentsRecorded   *prometheus.CounterVec
	enrollmentsBlocked prometheus.Counter
	reminders          *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	versionConflicts   prometheus.Counter
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	paymentsRecorded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_payments_recorded_total",
		Help: "Payments appended to enrollment ledgers, by entry path",
	}, []string{"source"})

	enrollmentsBlocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_enrollments_blocked_total",
		Help: "Enrollments blocked by the grace-period sweep",
	})

	reminders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reminders_total",
		Help: "Reminder emails attempted by the sweep",
	}, []string{"kind", "result"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_sweep_duration_seconds",
		Help:    "Duration of grace-period sweeps",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	versionConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_version_conflicts_total",
		Help: "Optimistic concurrency conflicts on enrollment writes",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses,
		paymentsRecorded, enrollmentsBlocked, reminders, sweepDuration, versionConflicts, goroutines)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		cacheLatency:       cacheLatency,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		paymentsRecorded:   paymentsRecorded,
		enrollmentsBlocked: enrollmentsBlocked,
		reminders:          reminders,
		sweepDuration:      sweepDuration,
		versionConflicts:   versionConflicts,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordPayment counts a ledger append for the given entry path.
func (m *MetricsService) RecordPayment(source string) {
	if m == nil {
		return
	}
	m.paymentsRecorded.WithLabelValues(source).Inc()
}

// RecordBlock counts a sweep block.
func (m *MetricsService) RecordBlock() {
	if m == nil {
		return
	}
	m.enrollmentsBlocked.Inc()
}

// RecordReminder counts a reminder attempt; result is "sent" or "failed".
func (m *MetricsService) RecordReminder(kind, result string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(kind, result).Inc()
}

// ObserveSweep records the duration of one sweep.
func (m *MetricsService) ObserveSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordVersionConflict counts a lost optimistic update.
func (m *MetricsService) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}
