package changecapture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"confconnect/internal/bus"
	"confconnect/internal/platform/kafka/consumer"
	"confconnect/internal/record"
)

var tracer = otel.Tracer("confconnect/changecapture")

// Handler classifies mutation-log entries and publishes the derived events.
type Handler struct {
	publisher bus.Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func New(publisher bus.Publisher, opts ...Option) *Handler {
	h := &Handler{publisher: publisher, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChange publishes every event derived from change as one batch. A
// publish failure is returned so the entry is redelivered.
func (h *Handler) HandleChange(ctx context.Context, change record.Change) error {
	ctx, span := tracer.Start(ctx, "changecapture.HandleChange")
	defer span.End()
	span.SetAttributes(
		attribute.String("change.event_id", change.EventID),
		attribute.String("change.operation", string(change.Operation)),
	)

	h.metrics.incChange(string(change.Operation))
	envs, err := Classify(change)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("classify change %s: %w", change.EventID, err)
	}
	if len(envs) == 0 {
		return nil
	}

	if err := h.publisher.Publish(ctx, envs...); err != nil {
		h.metrics.incPublishFailure()
		span.SetStatus(codes.Error, "publish failed")
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "failed to publish derived events",
			"change_event_id", change.EventID,
			"key", change.Key().String(),
			"events", len(envs),
			"error", err,
		)
		return fmt.Errorf("publish derived events for %s: %w", change.EventID, err)
	}
	for _, env := range envs {
		h.metrics.incDerived(string(env.DetailType))
		h.logger.DebugContext(ctx, "derived event published",
			"change_event_id", change.EventID,
			"detail_type", env.DetailType,
			"delivery_id", env.DeliveryID,
		)
	}
	return nil
}

// Sink adapts the handler to an in-process change feed, logging failures.
func (h *Handler) Sink(ctx context.Context, change record.Change) {
	if err := h.HandleChange(ctx, change); err != nil {
		h.logger.ErrorContext(ctx, "in-process change capture failed",
			"change_event_id", change.EventID,
			"error", err,
		)
	}
}

// Consume handles a mutation-log entry read from the record-changes topic.
// Undecodable entries are logged and skipped.
func (h *Handler) Consume(ctx context.Context, msg *consumer.Message) error {
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	var change record.Change
	if err := dec.Decode(&change); err != nil {
		h.logger.WarnContext(ctx, "skipping malformed record change",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	return h.HandleChange(ctx, change)
}
