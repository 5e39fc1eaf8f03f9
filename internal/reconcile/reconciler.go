// Package reconcile repairs the bidirectional connection invariant after one
// side of a connection is removed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	"confconnect/internal/idempotency"
	"confconnect/pkg/platform/sentinel"
)

var tracer = otel.Tracer("confconnect/reconcile")

// GraphStore is the slice of the graph repository the reconciler writes.
type GraphStore interface {
	ListConnections(ctx context.Context, owner string) ([]*models.Connection, error)
	DeleteConnection(ctx context.Context, owner, other string) error
	AdjustConnectionCount(ctx context.Context, userID string, delta int, guard string) (*models.User, bool, error)
}

type Reconciler struct {
	graph   GraphStore
	dedup   idempotency.Store
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(graph GraphStore, dedup idempotency.Store, opts ...Option) *Reconciler {
	r := &Reconciler{graph: graph, dedup: dedup, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle decodes a ConnectionRemoved envelope and reconciles it.
func (r *Reconciler) Handle(ctx context.Context, env events.Envelope) error {
	var evt events.ConnectionRemoved
	if err := env.Decode(&evt); err != nil {
		r.logger.WarnContext(ctx, "skipping undecodable ConnectionRemoved",
			"delivery_id", env.DeliveryID,
			"error", err,
		)
		r.metrics.inc(outcomeInvalid)
		return nil
	}
	return r.Reconcile(ctx, evt, env.DeliveryID)
}

// Reconcile deletes the reciprocal edge connectedUserId → userId and
// decrements both users' counts, once per deliveryID.
//
// The dedup marker is checked first and set last. Each decrement carries a
// guard derived from deliveryID that is stored on the user record in the same
// write, so a crash after the decrements but before the marker cannot cause a
// second decrement on redelivery. Any store error aborts before the marker.
func (r *Reconciler) Reconcile(ctx context.Context, evt events.ConnectionRemoved, deliveryID string) (err error) {
	ctx, span := tracer.Start(ctx, "reconcile.ConnectionRemoved")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery_id", deliveryID),
		attribute.String("user_id", evt.UserID),
		attribute.String("connected_user_id", evt.ConnectedUserID),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			r.metrics.inc(outcomeFailed)
		}
	}()

	if evt.UserID == "" || evt.ConnectedUserID == "" || deliveryID == "" {
		r.logger.WarnContext(ctx, "skipping ConnectionRemoved with missing identifiers",
			"delivery_id", deliveryID,
			"user_id", evt.UserID,
			"connected_user_id", evt.ConnectedUserID,
		)
		r.metrics.inc(outcomeInvalid)
		return nil
	}

	done, err := r.dedup.HasProcessed(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("check delivery %s: %w", deliveryID, err)
	}
	if done {
		r.logger.DebugContext(ctx, "duplicate ConnectionRemoved delivery", "delivery_id", deliveryID)
		r.metrics.inc(outcomeDuplicate)
		return nil
	}

	if err := r.removeReciprocal(ctx, evt, deliveryID); err != nil {
		return err
	}

	guard := "remove:" + deliveryID
	for _, userID := range []string{evt.UserID, evt.ConnectedUserID} {
		user, applied, err := r.graph.AdjustConnectionCount(ctx, userID, -1, guard)
		if errors.Is(err, sentinel.ErrNotFound) {
			r.logger.WarnContext(ctx, "user missing while decrementing connection count",
				"delivery_id", deliveryID,
				"user_id", userID,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("decrement connection count for %s: %w", userID, err)
		}
		if applied {
			r.logger.InfoContext(ctx, "connection count decremented",
				"delivery_id", deliveryID,
				"user_id", userID,
				"connection_count", user.ConnectionCount,
			)
		}
	}

	if err := r.dedup.MarkProcessed(ctx, deliveryID); err != nil {
		return fmt.Errorf("mark delivery %s: %w", deliveryID, err)
	}
	r.metrics.inc(outcomeReconciled)
	return nil
}

func (r *Reconciler) removeReciprocal(ctx context.Context, evt events.ConnectionRemoved, deliveryID string) error {
	conns, err := r.graph.ListConnections(ctx, evt.ConnectedUserID)
	if err != nil {
		return fmt.Errorf("list connections of %s: %w", evt.ConnectedUserID, err)
	}
	found := false
	for _, c := range conns {
		if c.ConnectedUserID != evt.UserID {
			continue
		}
		found = true
		err := r.graph.DeleteConnection(ctx, c.UserID, c.ConnectedUserID)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete reciprocal edge %s->%s: %w", c.UserID, c.ConnectedUserID, err)
		}
		r.logger.InfoContext(ctx, "reciprocal edge deleted",
			"delivery_id", deliveryID,
			"user_id", c.UserID,
			"connected_user_id", c.ConnectedUserID,
		)
	}
	if !found {
		r.logger.InfoContext(ctx, "reciprocal edge already absent",
			"delivery_id", deliveryID,
			"user_id", evt.ConnectedUserID,
			"connected_user_id", evt.UserID,
		)
	}
	return nil
}
