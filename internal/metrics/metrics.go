package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codeblocks"

// Collector owns a private registry so independent instances never collide.
type Collector struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	connections    prometheus.Gauge
	events         *prometheus.CounterVec
	droppedFrames  prometheus.Counter
	roles          *prometheus.CounterVec
	codeEvaluation *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"method", "path", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Current number of open realtime connections",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Inbound realtime events by name and outcome",
		}, []string{"event", "outcome"}),
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_frames_total",
			Help:      "Outbound frames dropped because a connection buffer was full",
		}),
		roles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_roles_assigned_total",
			Help:      "Roles handed out to joining participants",
		}, []string{"role"}),
		codeEvaluation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_updates_total",
			Help:      "Code submissions graded against the reference solution",
		}, []string{"correct"}),
	}
}

// Handler serves the collector's registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency keyed by the matched route.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(ctx.Writer.Status())
		c.httpRequests.WithLabelValues(ctx.Request.Method, path, status).Inc()
		c.httpLatency.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// EventReceived counts an inbound event; outcome is "handled", "rate_limited" or "malformed".
func (c *Collector) EventReceived(event, outcome string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(event, outcome).Inc()
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.droppedFrames.Inc()
}

func (c *Collector) RoleAssigned(role string) {
	if c == nil {
		return
	}
	c.roles.WithLabelValues(role).Inc()
}

func (c *Collector) CodeEvaluated(correct bool) {
	if c == nil {
		return
	}
	c.codeEvaluation.WithLabelValues(strconv.FormatBool(correct)).Inc()
}
