package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache lookups by result ("hit", "miss") and entry format.
type Metrics struct {
	Lookups *prometheus.CounterVec
}

// NewMetrics registers the cache collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specforge",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups partitioned by result and stored format.",
		}, []string{"result", "format"}),
	}
	if reg != nil {
		if err := reg.Register(m.Lookups); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(result, format string) {
	if m == nil || m.Lookups == nil {
		return
	}
	m.Lookups.WithLabelValues(result, format).Inc()
}
