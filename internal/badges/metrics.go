package badges

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"confconnect/internal/graph/models"
)

type Metrics struct {
	Evaluations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_badge_evaluations_total",
			Help: "Badge evaluations by badge and outcome",
		}, []string{"badge_id", "outcome"}),
	}
}

func (m *Metrics) observe(badgeID models.BadgeID, outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(string(badgeID), outcome).Inc()
}
