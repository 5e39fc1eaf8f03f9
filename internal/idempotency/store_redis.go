package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "dedup:delivery:"

// Redis stores markers as keys with an expiry.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) (*Redis, error) {
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (s *Redis) HasProcessed(ctx context.Context, deliveryID string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKeyPrefix+deliveryID).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery %s: %w", deliveryID, err)
	}
	return n > 0, nil
}

func (s *Redis) MarkProcessed(ctx context.Context, deliveryID string) error {
	if err := s.client.Set(ctx, processedKeyPrefix+deliveryID, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("mark delivery %s: %w", deliveryID, err)
	}
	return nil
}
