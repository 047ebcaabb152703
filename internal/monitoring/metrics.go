package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Bot lifecycle metrics
	BotTransitionsTotal *prometheus.CounterVec
	BotsReclaimedTotal  prometheus.Counter
	BotsActive          prometheus.Gauge

	// Credit ledger metrics
	CreditsReservedTotal *prometheus.CounterVec
	CreditsChargedTotal  prometheus.Counter
	CreditsReleasedTotal prometheus.Counter
	ReservationFailures  prometheus.Counter

	// Webhook dispatcher metrics
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveriesEnqueued    *prometheus.CounterVec
	DeliveriesDeadTotal   prometheus.Counter
	DeliveryLatency       prometheus.Histogram
	DispatcherQueueDepth  prometheus.Gauge

	// Driver metrics
	DriverRequestsTotal *prometheus.CounterVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		BotTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_transitions_total",
				Help: "Total number of bot state transitions",
			},
			[]string{"from", "to"},
		),
		BotsReclaimedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bots_reclaimed_total",
				Help: "Total number of stale bots force-transitioned to error",
			},
		),
		BotsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bots_active",
				Help: "Number of bots currently in a non-terminal state",
			},
		),

		CreditsReservedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reserved_centicredits_total",
				Help: "Total centicredits reserved",
			},
			[]string{"platform"},
		),
		CreditsChargedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_charged_centicredits_total",
				Help: "Total centicredits charged against reservations",
			},
		),
		CreditsReleasedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_released_centicredits_total",
				Help: "Total centicredits released back from reservations",
			},
		),
		ReservationFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_reservation_failures_total",
				Help: "Total reservations rejected for insufficient credits",
			},
		),

		DeliveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_delivery_attempts_total",
				Help: "Total webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveriesEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_enqueued_total",
				Help: "Total webhook deliveries enqueued",
			},
			[]string{"event_type"},
		),
		DeliveriesDeadTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_dead_total",
				Help: "Total webhook deliveries that exhausted their retry budget",
			},
		),
		DeliveryLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_latency_seconds",
				Help:    "Webhook endpoint response latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		DispatcherQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_dispatcher_queue_depth",
				Help: "Number of pending deliveries due for attempt",
			},
		),

		DriverRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driver_requests_total",
				Help: "Total requests to the meeting driver by action and outcome",
			},
			[]string{"action", "outcome"},
		),
	}

	return metrics
}

// Get returns the initialized metrics, initializing them if needed
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records HTTP request metrics for each gin request
func MetricsMiddleware() gin.HandlerFunc {
	m := Init()
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()

		c.Next()

		m.HTTPRequestsInFlight.Dec()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}
