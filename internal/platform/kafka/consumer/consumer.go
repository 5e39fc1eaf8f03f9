// Package consumer runs a Kafka consumer group with manual commits, bounded
// per-message retries and dead-lettering of messages that keep failing.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("confconnect/kafka/consumer")

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Handler processes one message. A returned error triggers a retry.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// DeadLetterSink receives messages whose retries are exhausted.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg *Message, cause error) error
}

// Client is the subset of *kgo.Client the consumer needs.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

type Consumer struct {
	client      Client
	handler     Handler
	deadLetter  DeadLetterSink
	logger      *slog.Logger
	metrics     *Metrics
	group       string
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func WithDeadLetter(sink DeadLetterSink) Option {
	return func(c *Consumer) { c.deadLetter = sink }
}

// WithMaxAttempts bounds handler attempts per message, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithInvocationTimeout bounds each handler attempt.
func WithInvocationTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryBackoff sets the initial retry interval.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// NewGroupClient creates a franz-go client joined to group on topics with
// auto-commit disabled.
func NewGroupClient(brokers []string, group string, topics ...string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client for %s: %w", group, err)
	}
	return client, nil
}

func New(group string, client Client, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		client:      client,
		handler:     handler,
		logger:      slog.Default(),
		group:       group,
		maxAttempts: 5,
		timeout:     30 * time.Second,
		backoffBase: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled. Each record is handled, dead-lettered on
// exhaustion, and committed; a record is never committed while its handling is
// still failing and the dead-letter write also failed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "kafka fetch error",
				"group", c.group,
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var stop error
		fetches.EachRecord(func(r *kgo.Record) {
			if stop != nil {
				return
			}
			if err := c.process(ctx, r); err != nil {
				stop = err
				return
			}
			if err := c.client.CommitRecords(ctx, r); err != nil {
				c.logger.WarnContext(ctx, "kafka commit failed",
					"group", c.group,
					"topic", r.Topic,
					"partition", r.Partition,
					"offset", r.Offset,
					"error", err,
				)
			}
		})
		if stop != nil {
			return stop
		}
	}
}

func (c *Consumer) process(ctx context.Context, r *kgo.Record) error {
	msg := toMessage(r)
	start := time.Now()
	ctx, span := tracer.Start(ctx, "kafka.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer.group.name", c.group),
			attribute.Int("messaging.destination.partition.id", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.handler.Handle(attemptCtx, msg)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.backoffBase
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)

	err := backoff.Retry(op, policy)
	c.metrics.observe(c.group, msg.Topic, time.Since(start), err)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.SetStatus(codes.Error, "handling failed after retries")
	span.RecordError(err)

	c.logger.ErrorContext(ctx, "message handling failed after retries",
		"group", c.group,
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"delivery_id", msg.Headers[HeaderDeliveryID],
		"attempts", attempts,
		"error", err,
	)
	if c.deadLetter == nil {
		return nil
	}
	if dlqErr := c.deadLetter.DeadLetter(ctx, msg, err); dlqErr != nil {
		return fmt.Errorf("dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, errors.Join(err, dlqErr))
	}
	c.metrics.incDeadLettered(c.group, msg.Topic)
	return nil
}

// Header keys stamped on produced records.
const (
	HeaderDetailType  = "detail-type"
	HeaderDeliveryID  = "delivery-id"
	HeaderSourceTopic = "source-topic"
	HeaderError       = "error"
)

func toMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
	}
}

// DeadLetterRecord builds the record forwarded to the dead-letter topic.
func DeadLetterRecord(topic string, msg *Message, cause error) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		{Key: "source-partition", Value: []byte(strconv.Itoa(int(msg.Partition)))},
		{Key: "source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: HeaderError, Value: []byte(cause.Error())},
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}
