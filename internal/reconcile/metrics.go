package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeReconciled = "reconciled"
	outcomeDuplicate  = "duplicate"
	outcomeInvalid    = "invalid"
	outcomeFailed     = "failed"
)

type Metrics struct {
	Removals *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Removals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_reconcile_removals_total",
			Help: "ConnectionRemoved deliveries by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) inc(outcome string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(outcome).Inc()
}
