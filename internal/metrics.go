package internal

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _metricsNamespace = "bookdex"

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// _patternRE strips `{...}` segments from route patterns to build labels.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type providerMetrics struct {
	latency *prometheus.HistogramVec
	totals  *prometheus.CounterVec
}

type jobMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

// Instrument is router middleware recording timing and status codes per
// route pattern. Emission never blocks the request path.
func Instrument(reg *prometheus.Registry) func(http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	var normalized sync.Map
	reg.MustRegister(requests, inflight)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inflight.Inc()
			defer inflight.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// The route pattern is only known after dispatch.
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			var path string
			if cached, ok := normalized.Load(pattern); ok {
				path = cached.(string)
			} else {
				path = normalizePattern(pattern)
				normalized.Store(pattern, path)
			}
			if path == "" {
				// Don't record traffic for unrecognized endpoints.
				return
			}

			duration := time.Since(start).Seconds()
			requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
		})
	}
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Cache lookups by outcome (hit_edge, hit_kv, miss, coalesced).",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func (cm *cacheMetrics) hitEdgeInc()   { cm.totals.WithLabelValues("hit_edge").Inc() }
func (cm *cacheMetrics) hitKVInc()     { cm.totals.WithLabelValues("hit_kv").Inc() }
func (cm *cacheMetrics) missInc()      { cm.totals.WithLabelValues("miss").Inc() }
func (cm *cacheMetrics) coalescedInc() { cm.totals.WithLabelValues("coalesced").Inc() }

func (cm *cacheMetrics) get(label string) int64 {
	m := &dto.Metric{}
	if err := cm.totals.WithLabelValues(label).Write(m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Upstream provider latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "total",
			Help:      "Provider calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	// Every upstream shares these collectors; the first registration
	// wins and later ones reuse it.
	if reg != nil {
		if err := reg.Register(latency); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				latency = are.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
		if err := reg.Register(totals); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				totals = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return &providerMetrics{latency: latency, totals: totals}
}

func (pm *providerMetrics) observe(provider string, d time.Duration, err error) {
	pm.latency.WithLabelValues(provider).Observe(d.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = failureKindOf(err).String()
	}
	pm.totals.WithLabelValues(provider, outcome).Inc()
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Job lifecycle events by type.",
		},
		[]string{"type"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Currently live actors and streams.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals, gauge)
	}
	return &jobMetrics{totals: totals, gauge: gauge}
}

func (jm *jobMetrics) launchedInc()            { jm.totals.WithLabelValues("launched").Inc() }
func (jm *jobMetrics) terminalInc(s JobStatus) { jm.totals.WithLabelValues(string(s)).Inc() }
func (jm *jobMetrics) actorsAdd(d float64)     { jm.gauge.WithLabelValues("actors").Add(d) }
func (jm *jobMetrics) streamsAdd(d float64)    { jm.gauge.WithLabelValues("streams").Add(d) }

// normalizePattern derives the constant label from the pattern:
//
//	"/v1/batch-enrichment/{jobID}/cancel" → "/v1/batch-enrichment/cancel"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
