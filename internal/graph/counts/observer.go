// Package counts observes connection-count changes. It performs no writes, so
// redelivery of the same (userId, connectionCount) pair is harmless.
package counts

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"confconnect/internal/events"
)

type Observer struct {
	vipThreshold int
	logger       *slog.Logger
	counts       prometheus.Histogram
	crossings    *prometheus.CounterVec
}

type Option func(*Observer)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// WithRegisterer registers the observer's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Observer) {
		f := promauto.With(reg)
		o.counts = f.NewHistogram(prometheus.HistogramOpts{
			Name:    "confconnect_user_connection_count",
			Help:    "Connection counts observed on count updates",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		})
		o.crossings = f.NewCounterVec(prometheus.CounterOpts{
			Name: "confconnect_vip_threshold_crossings_total",
			Help: "Count updates that crossed the VIP threshold, by direction",
		}, []string{"direction"})
	}
}

func New(vipThreshold int, opts ...Option) *Observer {
	o := &Observer{vipThreshold: vipThreshold, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Crossing reports whether a change from previous to current crosses the
// threshold, and in which direction.
func Crossing(threshold, previous, current int) (direction string, crossed bool) {
	if threshold <= 0 {
		return "", false
	}
	switch {
	case previous < threshold && current >= threshold:
		return "up", true
	case previous >= threshold && current < threshold:
		return "down", true
	}
	return "", false
}

func (o *Observer) Handle(ctx context.Context, env events.Envelope) error {
	var evt events.UserConnectionCountUpdated
	if err := env.Decode(&evt); err != nil {
		o.logger.WarnContext(ctx, "skipping undecodable count update",
			"delivery_id", env.DeliveryID,
			"error", err,
		)
		return nil
	}
	if o.counts != nil {
		o.counts.Observe(float64(evt.ConnectionCount))
	}
	if direction, crossed := Crossing(o.vipThreshold, evt.PreviousCount, evt.ConnectionCount); crossed {
		if o.crossings != nil {
			o.crossings.WithLabelValues(direction).Inc()
		}
		o.logger.InfoContext(ctx, "user crossed VIP threshold",
			"user_id", evt.UserID,
			"direction", direction,
			"previous_count", evt.PreviousCount,
			"connection_count", evt.ConnectionCount,
			"delivery_id", env.DeliveryID,
		)
	}
	return nil
}
