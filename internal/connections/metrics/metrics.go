package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connection lifecycle operations.
type Metrics struct {
	RequestsCreated     prometheus.Counter
	RequestsResolved    *prometheus.CounterVec
	ConnectionsRemoved  prometheus.Counter
	RemovalPublishFails prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_connection_requests_created_total",
			Help: "Connection requests created",
		}),
		RequestsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_connection_requests_resolved_total",
			Help: "Connection requests moved to a terminal status",
		}, []string{"status"}),
		ConnectionsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_connections_removed_total",
			Help: "Connections removed by their owner",
		}),
		RemovalPublishFails: f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_connection_removal_publish_failures_total",
			Help: "Removals rolled back because ConnectionRemoved could not be published",
		}),
	}
}

func (m *Metrics) IncRequestsCreated() {
	if m == nil {
		return
	}
	m.RequestsCreated.Inc()
}

func (m *Metrics) IncRequestsResolved(status string) {
	if m == nil {
		return
	}
	m.RequestsResolved.WithLabelValues(status).Inc()
}

func (m *Metrics) IncConnectionsRemoved() {
	if m == nil {
		return
	}
	m.ConnectionsRemoved.Inc()
}

func (m *Metrics) IncRemovalPublishFails() {
	if m == nil {
		return
	}
	m.RemovalPublishFails.Inc()
}
