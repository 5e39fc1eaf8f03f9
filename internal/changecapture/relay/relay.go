// Package relay forwards the Postgres mutation log (record_changes outbox) to
// the record-changes topic.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"confconnect/internal/record"
)

// Outbox hands out unpublished changes in sequence order. publish must succeed
// for the claimed batch to be marked published.
type Outbox interface {
	ClaimChanges(ctx context.Context, limit int, publish func(ctx context.Context, changes []record.Change) error) (int, error)
}

// Producer writes records synchronously.
type Producer interface {
	Produce(ctx context.Context, records ...*kgo.Record) error
}

type Worker struct {
	outbox    Outbox
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	relayed   prometheus.Counter
	failures  prometheus.Counter
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRegisterer registers the relay counters.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) {
		f := promauto.With(reg)
		w.relayed = f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_outbox_relayed_total",
			Help: "Mutation-log entries relayed to Kafka",
		})
		w.failures = f.NewCounter(prometheus.CounterOpts{
			Name: "confconnect_outbox_relay_failures_total",
			Help: "Relay batches that failed to publish",
		})
	}
}

func New(outbox Outbox, producer Producer, topic string, opts ...Option) *Worker {
	w := &Worker{
		outbox:    outbox,
		producer:  producer,
		topic:     topic,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run relays until ctx is cancelled. Full batches are followed immediately by
// another claim; otherwise the worker waits one interval.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := w.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "outbox relay failed", "error", err)
		}
		next := w.interval
		if err == nil && n == w.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RelayOnce claims and publishes one batch, returning how many were relayed.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	n, err := w.outbox.ClaimChanges(ctx, w.batchSize, w.publish)
	if err != nil {
		if w.failures != nil {
			w.failures.Inc()
		}
		return 0, err
	}
	if w.relayed != nil {
		w.relayed.Add(float64(n))
	}
	return n, nil
}

func (w *Worker) publish(ctx context.Context, changes []record.Change) error {
	records := make([]*kgo.Record, 0, len(changes))
	for _, change := range changes {
		r, err := ChangeRecord(w.topic, change)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return w.producer.Produce(ctx, records...)
}

// ChangeRecord encodes change keyed by partition key so changes to one
// partition stay ordered.
func ChangeRecord(topic string, change record.Change) (*kgo.Record, error) {
	value, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("marshal change %s: %w", change.EventID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(change.Key().PK),
		Value: value,
	}, nil
}
