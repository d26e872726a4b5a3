package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	wsRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_ws_rate_limited_total",
			Help: "Inbound websocket events rejected by the rate limiter.",
		},
	)
	messagesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Messages stored, by sender kind and encryption.",
		},
		[]string{"sender_kind", "encrypted"},
	)
	keyDistributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_key_distributions_total",
			Help: "Room key distributions, by result.",
		},
		[]string{"result"},
	)
	keyBundleSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_key_bundle_recipients",
			Help:    "Number of members a room key was sealed for.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
	readReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "mark-read events, by outcome.",
		},
		[]string{"outcome"},
	)
	assistantJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_assistant_jobs_total",
			Help: "Assistant reply jobs, by result.",
		},
		[]string{"result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		wsRateLimitedTotal,
		messagesPersistedTotal,
		keyDistributionsTotal,
		keyBundleSize,
		readReceiptsTotal,
		assistantJobsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncWSRateLimited() {
	wsRateLimitedTotal.Inc()
}

func IncMessagePersisted(senderKind string, encrypted bool) {
	messagesPersistedTotal.WithLabelValues(senderKind, strconv.FormatBool(encrypted)).Inc()
}

// ObserveKeyDistribution records one distribution attempt. recipients is
// ignored unless result is "ok".
func ObserveKeyDistribution(result string, recipients int) {
	keyDistributionsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		keyBundleSize.Observe(float64(recipients))
	}
}

func IncReadReceipt(outcome string) {
	readReceiptsTotal.WithLabelValues(outcome).Inc()
}

func IncAssistantJob(result string) {
	assistantJobsTotal.WithLabelValues(result).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
