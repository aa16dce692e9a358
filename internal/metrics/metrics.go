// Package metrics exposes service counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/and161185/moments/internal/retention"
)

const namespace = "moments"

// Registry owns a private Prometheus registry and the service collectors.
type Registry struct {
	reg *prometheus.Registry

	cache          *prometheus.CounterVec
	retentionPosts *prometheus.CounterVec
	retentionRuns  *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	backend        *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// New registers every collector plus the Go and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "post_cache_lookups_total",
			Help: "Post listing cache lookups by outcome.",
		}, []string{"outcome"}),
		retentionPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_posts_total",
			Help: "Posts handled by retention passes by outcome.",
		}, []string{"outcome"}),
		retentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_runs_total",
			Help: "Retention passes by strategy.",
		}, []string{"strategy"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_verifications_total",
			Help: "Session verifications by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_refreshes_total",
			Help: "Session expiry refreshes by outcome.",
		}, []string{"outcome"}),
		backend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_backend_info",
			Help: "Active storage backend; value is 1 for the selected kind.",
		}, []string{"kind", "requested", "degraded"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.cache, r.retentionPosts, r.retentionRuns, r.verifications,
		r.refreshes, r.backend, r.requests, r.duration,
	)
	return r
}

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry to tests and embedding servers.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// CacheLookup matches cache.WithObserver.
func (r *Registry) CacheLookup(hit bool) {
	if hit {
		r.cache.WithLabelValues("hit").Inc()
		return
	}
	r.cache.WithLabelValues("miss").Inc()
}

// Retention matches retention.Enforcer.OnResult.
func (r *Registry) Retention(res retention.Result) {
	strategy := "list"
	if res.Native {
		strategy = "native"
	}
	r.retentionRuns.WithLabelValues(strategy).Inc()
	r.retentionPosts.WithLabelValues("deleted").Add(float64(res.Deleted))
	r.retentionPosts.WithLabelValues("failed").Add(float64(res.Failed))
	r.retentionPosts.WithLabelValues("deferred").Add(float64(res.Deferred))
}

// Verification matches service.AuthServiceImpl.OnVerify.
func (r *Registry) Verification(result string) {
	r.verifications.WithLabelValues(result).Inc()
}

// Refresh matches service.SessionRefresher.OnRefresh.
func (r *Registry) Refresh(ok bool) {
	if ok {
		r.refreshes.WithLabelValues("ok").Inc()
		return
	}
	r.refreshes.WithLabelValues("failed").Inc()
}

// Backend records the outcome of storage selection.
func (r *Registry) Backend(kind, requested string, degraded bool) {
	r.backend.Reset()
	r.backend.WithLabelValues(kind, requested, strconv.FormatBool(degraded)).Set(1)
}

// Request records a finished HTTP request.
func (r *Registry) Request(route, method string, code int, seconds float64) {
	r.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	r.duration.WithLabelValues(route).Observe(seconds)
}
