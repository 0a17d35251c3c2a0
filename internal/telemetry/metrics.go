// Package telemetry exposes Prometheus metrics for searches, index sync,
// rebuilds and feed imports, and keeps an in-memory log of query patterns.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/search"
	"github.com/Aman-CERP/vulnsearch/internal/store"
	"github.com/Aman-CERP/vulnsearch/internal/watcher"
)

const namespace = "vulnsearch"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	searchDuration *prometheus.HistogramVec
	searchTotal    *prometheus.CounterVec
	syncEvents     *prometheus.CounterVec
	rebuilds       *prometheus.CounterVec
	rebuildSeconds *prometheus.HistogramVec
	documents      *prometheus.GaugeVec
	available      *prometheus.GaugeVec
	feedFiles      *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpTotal      *prometheus.CounterVec
}

// New creates and registers every collector, plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Per-kind search latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind", "outcome"}),
		searchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Per-kind searches by outcome",
		}, []string{"kind", "outcome"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Index sync events by operation and outcome",
		}, []string{"kind", "op", "outcome"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Index rebuilds by outcome",
		}, []string{"kind", "outcome"}),
		rebuildSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_rebuild_duration_seconds",
			Help:      "Index rebuild duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_documents",
			Help:      "Committed documents per index",
		}, []string{"kind"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_available",
			Help:      "1 if the index can serve queries",
		}, []string{"kind"}),
		feedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_files_total",
			Help:      "Feed files processed by outcome",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path", "status"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.searchDuration, m.searchTotal, m.syncEvents, m.rebuilds, m.rebuildSeconds,
		m.documents, m.available, m.feedFiles, m.httpDuration, m.httpTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SearchObserver records per-kind search outcomes.
func (m *Metrics) SearchObserver() search.SearchObserver {
	return func(kind document.Kind, outcome string, d time.Duration) {
		m.searchTotal.WithLabelValues(kind.Label(), outcome).Inc()
		m.searchDuration.WithLabelValues(kind.Label(), outcome).Observe(d.Seconds())
	}
}

// SyncObserver records sync events.
func (m *Metrics) SyncObserver() index.SyncObserver {
	return func(kind document.Kind, op string, err error) {
		m.syncEvents.WithLabelValues(kind.Label(), op, outcome(err)).Inc()
	}
}

// RebuildObserver records rebuild outcomes and refreshes the document gauge.
func (m *Metrics) RebuildObserver() index.RebuildObserver {
	return func(kind document.Kind, stats store.RebuildStats, err error) {
		m.rebuilds.WithLabelValues(kind.Label(), outcome(err)).Inc()
		if err != nil {
			return
		}
		m.rebuildSeconds.WithLabelValues(kind.Label()).Observe(stats.Duration.Seconds())
		m.documents.WithLabelValues(kind.Label()).Set(float64(stats.Documents))
		m.available.WithLabelValues(kind.Label()).Set(1)
	}
}

// FeedObserver records feed file outcomes.
func (m *Metrics) FeedObserver() watcher.FeedObserver {
	return func(name string, res catalog.ImportResult, err error) {
		switch {
		case err != nil:
			m.feedFiles.WithLabelValues("failed").Inc()
		case res.SyncErr != nil:
			m.feedFiles.WithLabelValues("unsynced").Inc()
		default:
			m.feedFiles.WithLabelValues("ok").Inc()
		}
	}
}

// ObserveStatuses sets the per-index gauges from a status snapshot.
func (m *Metrics) ObserveStatuses(statuses []store.Status) {
	for _, s := range statuses {
		m.documents.WithLabelValues(s.Kind.Label()).Set(float64(s.Documents))
		v := 0.0
		if s.Available {
			v = 1
		}
		m.available.WithLabelValues(s.Kind.Label()).Set(v)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records HTTP request duration and count, labelled by chi route
// pattern to keep cardinality bounded.
func (m *Metrics) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			path := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				path = rc.RoutePattern()
			}
			status := strconv.Itoa(ww.status)
			m.httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			m.httpTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
