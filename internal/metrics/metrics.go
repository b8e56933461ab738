// Package metrics publishes Prometheus metrics for the offline dispatcher.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source says where a dispatched response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	SourceBypass  Source = "bypass"
	SourceFailed  Source = "failed"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
)

const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultStored  = "stored"
	ResultDropped = "dropped"
	ResultError   = "error"
)

var phases = []string{"new", "installing", "installed", "activating", "activated", "redundant"}

// Recorder publishes dispatcher metrics on a private registry.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	precache        *prometheus.CounterVec
	storesDeleted   prometheus.Counter
	phase           *prometheus.GaugeVec
	events          *prometheus.CounterVec
}

// NewRecorder registers the dispatcher collectors. When reg is nil a dedicated
// registry is created.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emlocator",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Requests seen by the dispatcher by category and response source.",
	}, []string{"category", "source"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "emlocator",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Time to produce a response, by category.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"category"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emlocator",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the dispatcher.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "emlocator",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	precache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emlocator",
		Subsystem: "install",
		Name:      "assets_total",
		Help:      "App shell assets processed on install, by result.",
	}, []string{"result"})

	storesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emlocator",
		Subsystem: "activate",
		Name:      "stores_deleted_total",
		Help:      "Stale cache stores removed during activation.",
	})

	phase := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "emlocator",
		Subsystem: "lifecycle",
		Name:      "phase",
		Help:      "1 for the current dispatcher lifecycle phase, 0 otherwise.",
	}, []string{"phase"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emlocator",
		Subsystem: "events",
		Name:      "total",
		Help:      "Sync and push events handled.",
	}, []string{"kind"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency, precache, storesDeleted, phase, events)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		precache:        precache,
		storesDeleted:   storesDeleted,
		phase:           phase,
		events:          events,
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

// Gatherer returns the underlying gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) ObserveRequest(category string, source Source, duration time.Duration) {
	if r == nil {
		return
	}
	cat := normalizeLabel(category)
	r.requests.WithLabelValues(cat, normalizeLabel(string(source))).Inc()
	r.requestLatency.WithLabelValues(cat).Observe(duration.Seconds())
}

func (r *Recorder) ObserveCache(op CacheOperation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	res := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(string(op), res).Inc()
	r.cacheLatency.WithLabelValues(string(op), res).Observe(duration.Seconds())
}

func (r *Recorder) ObservePrecache(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.precache.WithLabelValues("cached").Inc()
		return
	}
	r.precache.WithLabelValues("failed").Inc()
}

func (r *Recorder) ObserveStoresDeleted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.storesDeleted.Add(float64(n))
}

// SetPhase marks current as the only active lifecycle phase.
func (r *Recorder) SetPhase(current string) {
	if r == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		r.phase.WithLabelValues(p).Set(v)
	}
}

func (r *Recorder) ObserveEvent(kind string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(normalizeLabel(kind)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
