// Package idempotency records which bus deliveries have been fully processed.
// Markers expire after a TTL so the store stays bounded while still covering
// the bus's redelivery window.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"confconnect/pkg/platform/sentinel"
)

// DefaultTTL covers a week of redeliveries.
const DefaultTTL = 7 * 24 * time.Hour

// Store is the dedup capability injected into consumers.
type Store interface {
	HasProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkProcessed(ctx context.Context, deliveryID string) error
}

// Clock returns the current time.
type Clock func() time.Time

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	return nil
}
