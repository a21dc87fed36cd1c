// Package metrics exposes procedure and command counters in the Prometheus format.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
)

const namespace = "opus"

// Metrics implements procedure.Observer, each transition is counted.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	live        *prometheus.GaugeVec
	commands    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedure_transitions_total",
			Help:      "Number of procedure state transitions.",
		}, []string{"procedure", "state"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "procedures_live",
			Help:      "Number of registered procedures.",
		}, []string{"role"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of finished commands by the final state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.transitions, m.live, m.commands)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OnStateChange(_ context.Context, p procedure.Identity, _, to procedure.State) {
	m.transitions.WithLabelValues(p.Name(), to.String()).Inc()
}

// LiveCallback returns a callback for procedure.WithLiveCallback.
func (m *Metrics) LiveCallback(role string) func(n int) {
	gauge := m.live.WithLabelValues(role)
	return func(n int) {
		gauge.Set(float64(n))
	}
}

// CommandFinished counts a command which reached a final state.
func (m *Metrics) CommandFinished(state model.CommandState) {
	m.commands.WithLabelValues(state.String()).Inc()
}
