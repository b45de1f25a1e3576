package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_relay"

// Drop reasons for outbound frames.
const (
	DropReasonOffline   = "offline"
	DropReasonQueueFull = "queue_full"
)

// Metrics holds relay counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	Connections prometheus.Gauge
	Connects    prometheus.Counter
	Replaced    prometheus.Counter
	Evictions   prometheus.Counter
	Inbound     *prometheus.CounterVec
	Outbound    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Errors      *prometheus.CounterVec
}

// New registers relay metrics in reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered participants.",
		}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Accepted signaling sessions.",
		}),
		Replaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replaced_total",
			Help:      "Registrations that superseded an existing one.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_evictions_total",
			Help:      "Entries removed by liveness sweep.",
		}),
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Dispatched inbound frames by type.",
		}, []string{"type"}),
		Outbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Enqueued outbound frames by type.",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Outbound frames that were not delivered.",
		}, []string{"reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Error frames sent to clients by code.",
		}, []string{"code"}),
	}
}

// Handler exposes registered metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) Connected(replaced bool) {
	if m == nil {
		return
	}
	m.Connects.Inc()
	if replaced {
		m.Replaced.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) Received(typ string) {
	if m != nil {
		m.Inbound.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Sent(typ string) {
	if m != nil {
		m.Outbound.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ProtocolError(code string) {
	if m != nil {
		m.Errors.WithLabelValues(code).Inc()
	}
}
