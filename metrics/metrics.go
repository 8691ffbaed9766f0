// Package metrics exposes bridge counters through prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wasmbridge"

// Metrics holds every collector the bridge updates.
type Metrics struct {
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	connectionsOpen  prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	instanceState    prometheus.Gauge
	instanceDeaths   *prometheus.CounterVec
	guestCalls       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid global collisions.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by all guest connections",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by all guest connections",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections currently held for the guest",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections opened on behalf of the guest",
		}, []string{"kind"}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connection failures by stage",
		}, []string{"stage"}),
		instanceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_state",
			Help:      "Liveness state: 0 uninstantiated, 1 starting, 2 live, 3 dead",
		}),
		instanceDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_deaths_total",
			Help:      "Instances that reached the dead state",
		}, []string{"reason"}),
		guestCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_calls_total",
			Help:      "Host to guest export calls",
		}, []string{"export"}),
	}

	for _, c := range []prometheus.Collector{
		m.bytesReceived, m.bytesSent, m.connectionsOpen, m.connectionsTotal,
		m.connectionErrors, m.instanceState, m.instanceDeaths, m.guestCalls,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

// ConnectionOpened counts a connection of the given kind and bumps the gauge.
func (m *Metrics) ConnectionOpened(kind string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(kind).Inc()
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// ConnectionError counts a failure; stage is "parse", "dial" or "stream".
func (m *Metrics) ConnectionError(stage string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) InstanceState(state int) {
	if m == nil {
		return
	}
	m.instanceState.Set(float64(state))
}

func (m *Metrics) InstanceDied(reason string) {
	if m == nil {
		return
	}
	m.instanceDeaths.WithLabelValues(reason).Inc()
}

func (m *Metrics) GuestCall(export string) {
	if m == nil {
		return
	}
	m.guestCalls.WithLabelValues(export).Inc()
}
