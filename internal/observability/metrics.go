package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Realtime metrics
	WebSocketSessions prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	MessagesSent      prometheus.Counter
	EventsDropped     prometheus.Counter

	// Graph metrics
	ConnectionRequests *prometheus.CounterVec
	DegreeDuration     *prometheus.HistogramVec

	// Side effects
	NotificationFailures *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, so several can
// coexist in one process (tests).
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebSocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Number of open websocket sessions",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of users with at least one open session",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of chat messages accepted",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_events_dropped_total",
			Help:      "Outbound events dropped because a session could not keep up",
		}),
		ConnectionRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_requests_total",
				Help:      "Connection request transitions by outcome",
			},
			[]string{"outcome"},
		),
		DegreeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "degree_computation_duration_seconds",
				Help:      "Time spent computing degree of separation",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"degree"},
		),
		NotificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Notification side effects that failed",
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.WebSocketSessions,
		c.OnlineUsers,
		c.MessagesSent,
		c.EventsDropped,
		c.ConnectionRequests,
		c.DegreeDuration,
		c.NotificationFailures,
	)

	return c
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations keyed by route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (c *Collector) RecordConnectionRequest(outcome string) {
	if c == nil {
		return
	}
	c.ConnectionRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordDegree(degree int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.DegreeDuration.WithLabelValues(strconv.Itoa(degree)).Observe(elapsed.Seconds())
}

func (c *Collector) RecordMessage() {
	if c == nil {
		return
	}
	c.MessagesSent.Inc()
}

func (c *Collector) RecordDroppedEvent() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

func (c *Collector) RecordNotificationFailure(stage string) {
	if c == nil {
		return
	}
	c.NotificationFailures.WithLabelValues(stage).Inc()
}

// SetPresence publishes the current session and online user counts.
func (c *Collector) SetPresence(sessions, users int) {
	if c == nil {
		return
	}
	c.WebSocketSessions.Set(float64(sessions))
	c.OnlineUsers.Set(float64(users))
}
