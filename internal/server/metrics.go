package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/session"
)

// Metrics exposes device and command telemetry on its own registry.
type Metrics struct {
	registry *prometheus.Registry
	manager  *session.Manager

	up    *prometheus.GaugeVec
	state *prometheus.GaugeVec

	commands   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	buildInfo  *prometheus.GaugeVec
}

func NewMetrics(manager *session.Manager, version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		manager:  manager,
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aftv_device_up",
			Help: "Whether the device session is connected (1=yes, 0=no)",
		}, []string{"device"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aftv_device_state",
			Help: "Session state (label), 1 for the current state",
		}, []string{"device", "state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftv_commands_total",
			Help: "Commands executed, by device, kind, and result",
		}, []string{"device", "kind", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftv_reconnect_attempts_total",
			Help: "Reconnect attempts, by device",
		}, []string{"device"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aftv_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}
	m.buildInfo.WithLabelValues(version).Set(1)
	m.registry.MustRegister(m, m.commands, m.reconnects, m.buildInfo)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CommandObserved counts one executed command.
func (m *Metrics) CommandObserved(device string, kind command.Kind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(device, string(kind), result).Inc()
}

// ReconnectObserved counts one reconnect attempt. Wire it to the session
// manager's OnReconnectAttempt hook.
func (m *Metrics) ReconnectObserved(device string, _ int) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(device).Inc()
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.up.Describe(ch)
	m.state.Describe(ch)
}

// Collect snapshots the session states at scrape time.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.up.Reset()
	m.state.Reset()

	for _, st := range m.manager.Devices() {
		if st.State == session.StateConnected {
			m.up.WithLabelValues(st.Name).Set(1)
		} else {
			m.up.WithLabelValues(st.Name).Set(0)
		}
		m.state.WithLabelValues(st.Name, st.State.String()).Set(1)
	}

	m.up.Collect(ch)
	m.state.Collect(ch)
}
