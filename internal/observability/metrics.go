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
			Name: "dm_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_ws_active_connections",
			Help: "Number of open websocket connections, superseded ones included.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ws_events_total",
			Help: "Total number of websocket lifecycle and inbound events.",
		},
		[]string{"event"},
	)
	presenceOnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_presence_online_users",
			Help: "Number of users in the presence registry.",
		},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_deliveries_total",
			Help: "Live pushes by outbound event and outcome.",
		},
		[]string{"event", "outcome"},
	)
	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_messages_stored_total",
			Help: "Message persistence attempts by outcome.",
		},
		[]string{"outcome"},
	)
	publishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_event_publish_errors_total",
			Help: "Total number of event bus publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		presenceOnlineUsers,
		deliveriesTotal,
		messagesStoredTotal,
		publishErrorsTotal,
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

func SetOnlineUsers(n int) {
	presenceOnlineUsers.Set(float64(n))
}

// IncDelivery records a live push; outcome is "pushed", "dropped" or "offline".
func IncDelivery(event, outcome string) {
	deliveriesTotal.WithLabelValues(event, outcome).Inc()
}

// IncMessageStored records a persistence attempt; outcome is "ok" or "error".
func IncMessageStored(outcome string) {
	messagesStoredTotal.WithLabelValues(outcome).Inc()
}

func IncPublishError() {
	publishErrorsTotal.Inc()
}
