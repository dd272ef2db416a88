package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoylab/deltasession/internal/common/config"
)

// Result labels for commit and cache operations
const (
	ResultOK          = "ok"
	ResultConflict    = "conflict"
	ResultUnreachable = "unreachable"
	ResultNotFound    = "not_found"
	ResultError       = "error"
)

// Metrics holds the prometheus collectors of one node. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	sessionsActive    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsRejected  prometheus.Counter
	sessionsDestroyed *prometheus.CounterVec
	commitCnt         *prometheus.CounterVec
	commitDur         *prometheus.HistogramVec
	conflictCnt       *prometheus.CounterVec
	cacheOpDur        *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"})
	sessionsCreated := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_created_total"})
	sessionsRejected := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "sessions_rejected_total"})
	sessionsDestroyed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "sessions_destroyed_total"}, []string{"reason"})
	r.MustRegister(sessionsActive, sessionsCreated, sessionsRejected, sessionsDestroyed)

	commitCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "session_commits_total"}, []string{"kind", "result"})
	commitDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "session_commit_duration_seconds", Buckets: buckets}, []string{"kind"})
	conflictCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "session_conflicts_total"}, []string{"outcome"})
	cacheOpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "cache_operation_duration_seconds", Buckets: buckets}, []string{"op", "result"})
	r.MustRegister(commitCnt, commitDur, conflictCnt, cacheOpDur)

	return &Metrics{
		registry:          r,
		httpReqCnt:        httpReqCnt,
		httpDur:           httpDur,
		httpInfl:          httpInfl,
		sessionsActive:    sessionsActive,
		sessionsCreated:   sessionsCreated,
		sessionsRejected:  sessionsRejected,
		sessionsDestroyed: sessionsDestroyed,
		commitCnt:         commitCnt,
		commitDur:         commitDur,
		conflictCnt:       conflictCnt,
		cacheOpDur:        cacheOpDur,
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

// SessionLoaded counts a session reconstructed from the cache into the local table
func (m *Metrics) SessionLoaded() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.sessionsRejected.Inc()
}

// SessionDestroyed counts a session leaving the local table
func (m *Metrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.sessionsDestroyed.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) CommitDone(kind, result string, since time.Time) {
	if m == nil {
		return
	}
	m.commitCnt.WithLabelValues(kind, result).Inc()
	m.commitDur.WithLabelValues(kind).Observe(time.Since(since).Seconds())
}

// Conflict counts a version conflict by how it ended: reconciled or failed
func (m *Metrics) Conflict(outcome string) {
	if m == nil {
		return
	}
	m.conflictCnt.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheOpDone(op, result string, since time.Time) {
	if m == nil {
		return
	}
	m.cacheOpDur.WithLabelValues(op, result).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
