package badges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
)

var tracer = otel.Tracer("confconnect/badges")

// BadgeWriter applies outcomes with single-record conditional writes.
type BadgeWriter interface {
	AwardBadge(ctx context.Context, userID string, badge models.Badge) (bool, error)
	IncrementBadge(ctx context.Context, userID string, badgeID models.BadgeID, guard string, now time.Time) (*models.Badge, error)
}

// Dispatcher runs every evaluator for a ConnectionCreated event concurrently
// and applies their outcomes. Evaluators fail independently: an error is
// logged and counted, and only fails the delivery when a single evaluator is
// configured.
type Dispatcher struct {
	evaluators []Evaluator
	writer     BadgeWriter
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(evaluators []Evaluator, writer BadgeWriter, opts ...Option) *Dispatcher {
	d := &Dispatcher{evaluators: evaluators, writer: writer, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluators returns the configured badge ids, for startup logging.
func (d *Dispatcher) Evaluators() []models.BadgeID {
	ids := make([]models.BadgeID, 0, len(d.evaluators))
	for _, e := range d.evaluators {
		ids = append(ids, e.BadgeID())
	}
	return ids
}

// Handle decodes a ConnectionCreated envelope and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, env events.Envelope) error {
	var evt events.ConnectionCreated
	if err := env.Decode(&evt); err != nil {
		d.logger.WarnContext(ctx, "skipping undecodable ConnectionCreated",
			"delivery_id", env.DeliveryID,
			"error", err,
		)
		return nil
	}
	return d.Dispatch(ctx, evt, env.DeliveryID)
}

func (d *Dispatcher) Dispatch(ctx context.Context, evt events.ConnectionCreated, deliveryID string) error {
	if evt.UserID == "" || evt.ConnectedUserID == "" {
		d.logger.WarnContext(ctx, "skipping ConnectionCreated with missing identifiers",
			"delivery_id", deliveryID,
			"user_id", evt.UserID,
			"connected_user_id", evt.ConnectedUserID,
		)
		return nil
	}

	errs := make([]error, len(d.evaluators))
	var wg sync.WaitGroup
	for i, e := range d.evaluators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.run(ctx, e, evt, deliveryID)
		}()
	}
	wg.Wait()

	if len(d.evaluators) == 1 && errs[0] != nil {
		return errs[0]
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, e Evaluator, evt events.ConnectionCreated, deliveryID string) (err error) {
	badgeID := e.BadgeID()
	ctx, span := tracer.Start(ctx, "badges.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("badge_id", string(badgeID)),
		attribute.String("delivery_id", deliveryID),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator %s panicked: %v", badgeID, r)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			d.metrics.observe(badgeID, "error")
			d.logger.ErrorContext(ctx, "badge evaluation failed",
				"badge_id", badgeID,
				"delivery_id", deliveryID,
				"user_id", evt.UserID,
				"connected_user_id", evt.ConnectedUserID,
				"connection_id", evt.ConnectionID,
				"error", err,
			)
		}
	}()

	outcome, err := e.Evaluate(ctx, evt)
	if err != nil {
		return err
	}
	if outcome.Kind == NoMatch {
		d.metrics.observe(badgeID, NoMatch.String())
		return nil
	}
	if err := d.apply(ctx, evt, deliveryID, outcome); err != nil {
		return err
	}
	d.metrics.observe(badgeID, outcome.Kind.String())
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, evt events.ConnectionCreated, deliveryID string, outcome Outcome) error {
	badge := outcome.Badge
	if badge.ID.Accumulates() {
		updated, err := d.writer.IncrementBadge(ctx, evt.UserID, badge.ID, incrementGuard(badge.ID, evt, deliveryID), evt.Timestamp)
		if err != nil {
			return fmt.Errorf("increment %s for %s: %w", badge.ID, evt.UserID, err)
		}
		count := 0
		if updated.Metadata != nil {
			count = updated.Metadata.Count
		}
		d.logger.InfoContext(ctx, "badge counter updated",
			"badge_id", badge.ID,
			"user_id", evt.UserID,
			"delivery_id", deliveryID,
			"count", count,
		)
		return nil
	}

	if outcome.Kind != Award {
		return errors.New("only accumulating badges can be updated")
	}
	awarded, err := d.writer.AwardBadge(ctx, evt.UserID, badge)
	if err != nil {
		return fmt.Errorf("award %s to %s: %w", badge.ID, evt.UserID, err)
	}
	if awarded {
		d.logger.InfoContext(ctx, "badge awarded",
			"badge_id", badge.ID,
			"user_id", evt.UserID,
			"delivery_id", deliveryID,
		)
	}
	return nil
}

// incrementGuard names one counted connection. An edge rewritten with the same
// id re-derives ConnectionCreated under a fresh delivery id, so the connection
// id is preferred over the delivery id.
func incrementGuard(badgeID models.BadgeID, evt events.ConnectionCreated, deliveryID string) string {
	if evt.ConnectionID != "" {
		return string(badgeID) + ":" + evt.ConnectionID
	}
	return string(badgeID) + ":" + deliveryID
}
