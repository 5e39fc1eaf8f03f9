package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"confconnect/internal/events"
	"confconnect/internal/platform/kafka/consumer"
	"confconnect/internal/platform/kafka/producer"
	"confconnect/pkg/requestcontext"
)

// KafkaPublisher writes envelopes to one topic keyed by delivery id.
type KafkaPublisher struct {
	producer *producer.Producer
	topic    string
}

func NewKafkaPublisher(p *producer.Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, envs ...events.Envelope) error {
	records := make([]*kgo.Record, 0, len(envs))
	for _, env := range envs {
		r, err := EnvelopeRecord(p.topic, env)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return p.producer.Produce(ctx, records...)
}

// EnvelopeRecord encodes env as a Kafka record on topic.
func EnvelopeRecord(topic string, env events.Envelope) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.DeliveryID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(env.DeliveryID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: consumer.HeaderDetailType, Value: []byte(env.DetailType)},
			{Key: consumer.HeaderDeliveryID, Value: []byte(env.DeliveryID)},
		},
	}, nil
}

// ConsumerHandler adapts a bus Handler to the Kafka consumer. Messages that
// are not valid envelopes are logged and skipped.
func ConsumerHandler(h Handler, logger *slog.Logger) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		var env events.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			logger.WarnContext(ctx, "skipping malformed envelope",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		}
		ctx = requestcontext.WithDeliveryID(ctx, env.DeliveryID)
		return h.Handle(ctx, env)
	})
}

// DeadLetterPublisher forwards exhausted messages to a dead-letter topic.
type DeadLetterPublisher struct {
	producer *producer.Producer
	topic    string
}

func NewDeadLetterPublisher(p *producer.Producer, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: p, topic: topic}
}

func (d *DeadLetterPublisher) DeadLetter(ctx context.Context, msg *consumer.Message, cause error) error {
	return d.producer.Produce(ctx, consumer.DeadLetterRecord(d.topic, msg, cause))
}
