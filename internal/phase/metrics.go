package phase

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts phase attempts by outcome: success, failure or skipped.
type Metrics struct {
	Runs *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specforge",
			Name:      "phase_runs_total",
			Help:      "Phase executions partitioned by phase id and outcome.",
		}, []string{"phase", "outcome"}),
	}
	if reg != nil {
		if err := reg.Register(m.Runs); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(phase, outcome string) {
	if m == nil || m.Runs == nil {
		return
	}
	m.Runs.WithLabelValues(phase, outcome).Inc()
}
