package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the console's Prometheus collectors.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	BusConnected   prometheus.Gauge
	BusReconnects  prometheus.Counter
	BusMessages    *prometheus.CounterVec
	BusTopics      prometheus.Gauge
	GatewayCalls   *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	WSSessions     prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teleop_console",
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Status bus connectivity (1=connected, 0=not connected)",
		}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teleop_console",
			Subsystem: "bus",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of status bus reconnect attempts",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teleop_console",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Status messages received, by topic kind and outcome",
		}, []string{"kind", "outcome"}),
		BusTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teleop_console",
			Subsystem: "bus",
			Name:      "topics",
			Help:      "Number of topics with at least one listener",
		}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teleop_console",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Backend HTTP requests, by method and status code",
		}, []string{"method", "code"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teleop_console",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Backend HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teleop_console",
			Subsystem: "web",
			Name:      "live_sessions",
			Help:      "Open live-status WebSocket sessions",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BusConnected,
		m.BusReconnects,
		m.BusMessages,
		m.BusTopics,
		m.GatewayCalls,
		m.GatewayLatency,
		m.WSSessions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SetBusConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.BusReconnects.Inc()
}

func (m *Metrics) IncMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetTopics(n int) {
	if m == nil {
		return
	}
	m.BusTopics.Set(float64(n))
}

// ObserveRequest records one backend round trip. code is "error" when no response arrived.
func (m *Metrics) ObserveRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(method, code).Inc()
	m.GatewayLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) AddSessions(delta int) {
	if m == nil {
		return
	}
	m.WSSessions.Add(float64(delta))
}
