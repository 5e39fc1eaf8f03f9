package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres stores markers in processed_deliveries with an expiry column.
type Postgres struct {
	db    *sql.DB
	ttl   time.Duration
	clock Clock
}

type PostgresOption func(*Postgres)

func WithPostgresClock(clock Clock) PostgresOption {
	return func(s *Postgres) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgres(db *sql.DB, ttl time.Duration, opts ...PostgresOption) (*Postgres, error) {
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	s := &Postgres{db: db, ttl: ttl, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Postgres) HasProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM processed_deliveries WHERE delivery_id = $1`, deliveryID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivery %s: %w", deliveryID, err)
	}
	return s.clock().Before(expiresAt), nil
}

func (s *Postgres) MarkProcessed(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_deliveries (delivery_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at
	`, deliveryID, s.clock().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("mark delivery %s: %w", deliveryID, err)
	}
	return nil
}

// PurgeExpired deletes markers past their expiry.
func (s *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_deliveries WHERE expires_at <= $1`, s.clock())
	if err != nil {
		return 0, fmt.Errorf("purge processed deliveries: %w", err)
	}
	return res.RowsAffected()
}
