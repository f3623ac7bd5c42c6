package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for collabdraw.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	ActiveBridges     prometheus.Gauge
	DeliveriesTotal   *prometheus.CounterVec
	StoreOpDuration   *prometheus.HistogramVec
	RendersTotal      *prometheus.CounterVec
	StoreReachable    prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collabdraw_connections_total",
			Help: "Total websocket connections accepted",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collabdraw_active_connections",
			Help: "Current active websocket connections",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collabdraw_events_total",
			Help: "Inbound events handled, by event name",
		}, []string{"event"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collabdraw_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		ActiveBridges: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collabdraw_active_bridges",
			Help: "Bus subscriptions currently fanning out to a room page",
		}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collabdraw_bridge_deliveries_total",
			Help: "Bus messages delivered to local connections",
		}, []string{"result"}),
		StoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collabdraw_store_op_duration_seconds",
			Help:    "Latency of stroke store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		RendersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collabdraw_renders_total",
			Help: "Video render jobs, by result",
		}, []string{"result"}),
		StoreReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collabdraw_store_reachable",
			Help: "Store reachability (1=up, 0=down)",
		}),
	}
}

// Error increments the error counter for typ. Safe on a nil receiver.
func (m *Metrics) Error(typ string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(typ).Inc()
}

// Event increments the inbound event counter. Safe on a nil receiver.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(name).Inc()
}

// Delivered records one bridge delivery attempt. Safe on a nil receiver.
func (m *Metrics) Delivered(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// BridgeOpened increments the active bridge gauge. Safe on a nil receiver.
func (m *Metrics) BridgeOpened() {
	if m == nil {
		return
	}
	m.ActiveBridges.Inc()
}

// BridgeClosed decrements the active bridge gauge. Safe on a nil receiver.
func (m *Metrics) BridgeClosed() {
	if m == nil {
		return
	}
	m.ActiveBridges.Dec()
}

// StoreOp observes the latency of one store operation. Safe on a nil receiver.
func (m *Metrics) StoreOp(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Render records the outcome of a video render. Safe on a nil receiver.
func (m *Metrics) Render(result string) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(result).Inc()
}
