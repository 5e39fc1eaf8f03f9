// Package bus carries domain event envelopes between the change capture
// router and the graph consumers, over Kafka or in process.
package bus

import (
	"context"
	"log/slog"

	"confconnect/internal/events"
)

// Publisher publishes a batch of envelopes. Either every envelope is accepted
// or an error is returned.
type Publisher interface {
	Publish(ctx context.Context, envs ...events.Envelope) error
}

// Handler consumes one envelope. Returning an error requests redelivery.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

// Router dispatches envelopes to the handler registered for their detail type.
type Router struct {
	handlers map[events.DetailType]Handler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[events.DetailType]Handler),
		logger:   logger,
	}
}

// Register adds the handler for detailType, replacing any earlier one.
func (r *Router) Register(detailType events.DetailType, handler Handler) *Router {
	r.handlers[detailType] = handler
	return r
}

// Handle routes env. Unknown detail types are skipped so they get committed.
func (r *Router) Handle(ctx context.Context, env events.Envelope) error {
	handler, ok := r.handlers[env.DetailType]
	if !ok {
		r.logger.DebugContext(ctx, "no handler for detail type, skipping",
			"detail_type", env.DetailType,
			"delivery_id", env.DeliveryID,
		)
		return nil
	}
	return handler.Handle(ctx, env)
}
