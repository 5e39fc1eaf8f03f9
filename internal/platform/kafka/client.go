// Package kafka builds franz-go clients and provisions the topics this
// service reads and writes.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic names.
const (
	TopicRecordChanges = "graph.record-changes"
	TopicDomainEvents  = "graph.domain-events"
	TopicDeadLetter    = "graph.dead-letter"
)

// Config holds broker connection settings.
type Config struct {
	Brokers           []string
	Partitions        int32
	ReplicationFactor int16
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && strings.TrimSpace(c.Brokers[0]) != ""
}

// NewClient creates a client for the configured brokers.
func NewClient(cfg Config, opts ...kgo.Opt) (*kgo.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka: no brokers configured")
	}
	base := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopics creates the given topics, tolerating ones that already exist.
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg Config, topics ...string) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 3
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}
