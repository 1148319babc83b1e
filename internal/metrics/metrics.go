// Package metrics exposes Prometheus collectors for the controller, the
// forwarder and the router. Each process owns one Collector with its own
// registry; nothing is registered globally.
//
// All recording methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "enginegate"

var engineStatuses = []string{"down", "starting", "up", "stopping"}

// Collector implements the lifecycle observer and the proxy/router hooks.
type Collector struct {
	// Controller
	statusTransitions *prometheus.CounterVec
	engineStatus      *prometheus.GaugeVec
	startupDuration   *prometheus.HistogramVec
	engineErrors      *prometheus.CounterVec

	// Forwarder
	proxyRequests *prometheus.CounterVec
	proxyFailures *prometheus.CounterVec

	// Router
	instanceEvents    *prometheus.CounterVec
	instancesLive     prometheus.Gauge
	readinessAttempts *prometheus.HistogramVec
	spawnsRateLimited prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Collector. An empty namespace uses DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_status_transitions_total",
			Help:      "Total number of engine status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.engineStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_status",
			Help:      "1 for the engine's current status, 0 otherwise",
		},
		[]string{"status"},
	)

	c.startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_startup_duration_seconds",
			Help:      "Time from launch to the end of startup, by outcome",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
		[]string{"outcome"},
	)

	c.engineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total number of errors recorded by the controller",
		},
		[]string{"code"},
	)

	c.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of forwarded requests",
		},
		[]string{"kind", "code"},
	)

	c.proxyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_failures_total",
			Help:      "Total number of forwarding failures by reason",
		},
		[]string{"reason"},
	)

	c.instanceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_instance_events_total",
			Help:      "Total number of router instance events",
		},
		[]string{"event"},
	)

	c.instancesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_instances",
			Help:      "Number of instance records in the registry",
		},
	)

	c.readinessAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_readiness_attempts",
			Help:      "Probe attempts until a new instance was ready or given up on",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"status"},
	)

	c.spawnsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_spawns_rate_limited_total",
			Help:      "Total number of instance starts refused by the spawn limiter",
		},
	)

	c.registry.MustRegister(
		c.statusTransitions,
		c.engineStatus,
		c.startupDuration,
		c.engineErrors,
		c.proxyRequests,
		c.proxyFailures,
		c.instanceEvents,
		c.instancesLive,
		c.readinessAttempts,
		c.spawnsRateLimited,
	)

	for _, s := range engineStatuses {
		c.engineStatus.WithLabelValues(s).Set(0)
	}
	c.engineStatus.WithLabelValues("down").Set(1)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StatusChanged records an engine status transition.
func (c *Collector) StatusChanged(from, to string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(from, to).Inc()
	c.engineStatus.WithLabelValues(from).Set(0)
	c.engineStatus.WithLabelValues(to).Set(1)
}

// StartupObserved records how a start ended ("up", "timeout", "failed").
func (c *Collector) StartupObserved(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	c.startupDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ErrorRecorded counts a controller error by code.
func (c *Collector) ErrorRecorded(code string) {
	if c == nil {
		return
	}
	c.engineErrors.WithLabelValues(code).Inc()
}

// ProxyRequest counts a forwarded request. kind is "http" or "websocket".
func (c *Collector) ProxyRequest(kind string, status int) {
	if c == nil {
		return
	}
	c.proxyRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

// ProxyFailure counts a forwarding failure.
func (c *Collector) ProxyFailure(reason string) {
	if c == nil {
		return
	}
	c.proxyFailures.WithLabelValues(reason).Inc()
}

// InstanceEvent counts a router instance event.
func (c *Collector) InstanceEvent(event string) {
	if c == nil {
		return
	}
	c.instanceEvents.WithLabelValues(event).Inc()
}

// InstancesLive sets the number of registry records.
func (c *Collector) InstancesLive(n int) {
	if c == nil {
		return
	}
	c.instancesLive.Set(float64(n))
}

// ReadinessAttempts records how many probes a new instance took.
func (c *Collector) ReadinessAttempts(attempts int, ready bool) {
	if c == nil {
		return
	}
	status := "ready"
	if !ready {
		status = "failed"
	}
	c.readinessAttempts.WithLabelValues(status).Observe(float64(attempts))
}

// SpawnRateLimited counts a refused instance start.
func (c *Collector) SpawnRateLimited() {
	if c == nil {
		return
	}
	c.spawnsRateLimited.Inc()
}
