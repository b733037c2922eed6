package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Append attempts by outcome.",
	}, []string{"outcome"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Compliance rejections by rule.",
	}, []string{"rule"})

	integrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_checks_total",
		Help: "Integrity verifications by result.",
	}, []string{"result"})

	treeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_merkle_tree_size",
		Help: "Number of leaves in the ledger Merkle tree.",
	})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rate_limited_total",
		Help: "Requests refused by the rate limiter, by backend.",
	}, []string{"backend"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordAppend(outcome string) {
	appendsTotal.WithLabelValues(outcome).Inc()
}

func recordRejection(rule string) {
	rejectionsTotal.WithLabelValues(rule).Inc()
}

func recordIntegrityCheck(valid bool) {
	if valid {
		integrityChecksTotal.WithLabelValues("valid").Inc()
	} else {
		integrityChecksTotal.WithLabelValues("invalid").Inc()
	}
}
