package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of registered websocket connections",
	})
	WsRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_rooms",
		Help: "Current number of rooms with at least one live connection",
	})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_frames_total",
		Help: "Inbound websocket frames by kind",
	}, []string{"kind"})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages persisted and broadcast",
	})
	WsDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a connection queue was full or closed",
	})
	EmailTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_email_tasks_total",
		Help: "Email task outcomes",
	}, []string{"status"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsRooms, WsFramesTotal, WsMessagesTotal, WsDroppedFrames,
		EmailTasksTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。websocket 长连接不计入耗时。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		if c.IsWebsocket() {
			return
		}
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
