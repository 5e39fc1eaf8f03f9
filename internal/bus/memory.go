package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"confconnect/internal/events"
	"confconnect/pkg/requestcontext"
)

// Memory is an in-process bus. Publish delivers synchronously to every
// subscriber; subscriber failures are logged and do not fail the publish.
type Memory struct {
	mu          sync.RWMutex
	subscribers []namedHandler
	published   []events.Envelope
	logger      *slog.Logger
	timeout     time.Duration
}

type namedHandler struct {
	name    string
	handler Handler
}

type MemoryOption func(*Memory)

func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// WithInvocationTimeout bounds each subscriber call.
func WithInvocationTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.timeout = d }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers handler under a name used in failure logs.
func (m *Memory) Subscribe(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, namedHandler{name: name, handler: handler})
}

func (m *Memory) Publish(ctx context.Context, envs ...events.Envelope) error {
	m.mu.Lock()
	m.published = append(m.published, envs...)
	subs := append([]namedHandler(nil), m.subscribers...)
	m.mu.Unlock()

	for _, env := range envs {
		for _, sub := range subs {
			m.deliver(ctx, sub, env)
		}
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, sub namedHandler, env events.Envelope) {
	ctx = requestcontext.WithDeliveryID(context.WithoutCancel(ctx), env.DeliveryID)
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := sub.handler.Handle(ctx, env); err != nil {
		m.logger.ErrorContext(ctx, "in-process delivery failed",
			"subscriber", sub.name,
			"detail_type", env.DetailType,
			"delivery_id", env.DeliveryID,
			"error", err,
		)
	}
}

// Published returns every envelope published so far.
func (m *Memory) Published() []events.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]events.Envelope(nil), m.published...)
}

// PublishedOf returns published envelopes of one detail type.
func (m *Memory) PublishedOf(detailType events.DetailType) []events.Envelope {
	var out []events.Envelope
	for _, env := range m.Published() {
		if env.DetailType == detailType {
			out = append(out, env)
		}
	}
	return out
}
