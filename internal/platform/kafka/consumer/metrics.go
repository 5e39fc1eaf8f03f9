package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks consumer handling outcomes per group and topic.
type Metrics struct {
	Handled      *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	DeadLettered *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_consumer_messages_total",
			Help: "Messages handled by consumer group, topic and outcome",
		}, []string{"group", "topic", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confconnect_consumer_handle_duration_seconds",
			Help:    "Time spent handling a message including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "topic"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_consumer_dead_lettered_total",
			Help: "Messages forwarded to the dead-letter topic",
		}, []string{"group", "topic"}),
	}
}

func (m *Metrics) observe(group, topic string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Handled.WithLabelValues(group, topic, outcome).Inc()
	m.Duration.WithLabelValues(group, topic).Observe(d.Seconds())
}

func (m *Metrics) incDeadLettered(group, topic string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(group, topic).Inc()
}
