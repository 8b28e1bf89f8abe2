// Package metrics provides Prometheus collectors for the messaging core and
// an HTTP metrics middleware for Fiber.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_sent_total",
		Help: "Messages persisted by the delivery pipeline",
	})

	SendRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_send_rejections_total",
			Help: "Send attempts rejected, by error kind",
		},
		[]string{"kind"},
	)

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_idempotent_replays_total",
		Help: "Sends answered from an existing idempotency record",
	})

	DuplicateContent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_duplicate_content_total",
		Help: "Sends flagged as duplicate content",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "messaging_send_duration_seconds",
		Help:    "Time from accepted send to persisted message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_ws_connections",
		Help: "Open WebSocket connections",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_online_users",
		Help: "Users with at least one live connection",
	})

	FanoutDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_fanout_dropped_connections_total",
		Help: "Connections closed because their send queue overflowed",
	})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "messaging_search_duration_seconds",
		Help:    "Search query latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1},
	})

	JanitorPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_janitor_purged_total",
			Help: "Records removed by the retention janitor",
		},
		[]string{"kind"},
	)
)

// Middleware records request counts and latency keyed by route pattern.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		httpRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}
