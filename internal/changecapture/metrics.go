package changecapture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Changes        *prometheus.CounterVec
	Derived        *prometheus.CounterVec
	PublishFailure prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_changecapture_changes_total",
			Help: "Mutation-log entries classified, by operation",
		}, []string{"operation"}),
		Derived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_changecapture_events_total",
			Help: "Domain events derived from mutation-log entries, by detail type",
		}, []string{"detail_type"}),
		PublishFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_changecapture_publish_failures_total",
			Help: "Derived event batches that failed to publish",
		}),
	}
}

func (m *Metrics) incChange(op string) {
	if m == nil {
		return
	}
	m.Changes.WithLabelValues(op).Inc()
}

func (m *Metrics) incDerived(detailType string) {
	if m == nil {
		return
	}
	m.Derived.WithLabelValues(detailType).Inc()
}

func (m *Metrics) incPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailure.Inc()
}
