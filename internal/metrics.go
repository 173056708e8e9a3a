package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

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

var _metricsNamespace = "anidex"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type limiterMetrics struct {
	totals *prometheus.CounterVec
}

type upstreamMetrics struct {
	totals *prometheus.CounterVec
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
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

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = normalizePattern(rctx.RoutePattern())
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the cache system.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func (cm *cacheMetrics) hitInc() {
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) missInc() {
	cm.totals.WithLabelValues("misses").Inc()
}

// degradedInc counts operations where the backing store was unreachable and
// the cache failed open.
func (cm *cacheMetrics) degradedInc() {
	cm.totals.WithLabelValues("degraded").Inc()
}

func newLimiterMetrics(reg *prometheus.Registry) *limiterMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "total",
			Help:      "Rate limit decisions by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &limiterMetrics{totals: totals}
}

func (lm *limiterMetrics) allowedInc() {
	lm.totals.WithLabelValues("allowed").Inc()
}

func (lm *limiterMetrics) limitedInc() {
	lm.totals.WithLabelValues("limited").Inc()
}

func (lm *limiterMetrics) degradedInc() {
	lm.totals.WithLabelValues("degraded").Inc()
}

func newUpstreamMetrics(reg *prometheus.Registry) *upstreamMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "upstream",
			Name:      "total",
			Help:      "Outbound upstream requests by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &upstreamMetrics{totals: totals}
}

func (um *upstreamMetrics) attemptInc() {
	um.totals.WithLabelValues("attempts").Inc()
}

func (um *upstreamMetrics) retryInc() {
	um.totals.WithLabelValues("retries").Inc()
}

// normalizePattern derives the constant label from the pattern:
//
//	"/detail/{id}" → "/detail"
//	"/list/airing" → "/list/airing"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
