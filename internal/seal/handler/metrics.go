package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

var (
	sealRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sealRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sealkeeper_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sealBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_broadcasts_total",
		Help: "Total seal broadcasts by result.",
	}, []string{"result"})

	sealLedgerReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_ledger_reads_total",
		Help: "Total confirmation polls against the ledger by result.",
	}, []string{"result"})

	sealEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_events_total",
		Help: "Total engine events by type and whether they were queued or dropped.",
	}, []string{"type", "outcome"})

	sealCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_cycles_total",
		Help: "Total engine cycles by kind and result.",
	}, []string{"cycle", "result"})

	sealWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	sealHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sealkeeper_health_checks_total",
		Help: "Total readiness probes by probe and result.",
	}, []string{"probe", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		sealRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		sealRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Recorder feeds engine outcomes into the Prometheus counters.
// It satisfies service.MetricsRecorder.
type Recorder struct{}

func (Recorder) Broadcast(ok bool) { sealBroadcastsTotal.WithLabelValues(result(ok)).Inc() }

func (Recorder) Read(ok bool) { sealLedgerReadsTotal.WithLabelValues(result(ok)).Inc() }

func (Recorder) Event(typ model.EventType, dropped bool) {
	outcome := "queued"
	if dropped {
		outcome = "dropped"
	}
	sealEventsTotal.WithLabelValues(string(typ), outcome).Inc()
}

// RecordCycle records one engine cycle run by the scheduler or the API.
func RecordCycle(cycle string, ok bool) {
	sealCyclesTotal.WithLabelValues(cycle, result(ok)).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	sealWebhookDeliveriesTotal.WithLabelValues(result(success)).Inc()
}

// RecordHealthCheck records one readiness probe result.
func RecordHealthCheck(probe string, success bool) {
	sealHealthChecksTotal.WithLabelValues(probe, result(success)).Inc()
}
