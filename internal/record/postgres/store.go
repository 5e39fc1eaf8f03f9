package postgres

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"confconnect/internal/record"
	"confconnect/pkg/platform/sentinel"
	txcontext "confconnect/pkg/platform/tx"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Store implements record.Store on a single PostgreSQL table. Every write and
// its mutation-log row in record_changes commit in the same transaction; the
// relay worker publishes the log to Kafka (transactional outbox).
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for change timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the records, record_changes and processed_deliveries tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate record schema: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) queryer(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) Get(ctx context.Context, key record.Key) (record.Record, error) {
	row := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT attrs, version FROM records WHERE pk = $1 AND sk = $2`, key.PK, key.SK)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return r, nil
}

func (s *Store) Query(ctx context.Context, pk, skPrefix string) ([]record.Record, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx, `
		SELECT attrs, version
		FROM records
		WHERE pk = $1 AND starts_with(sk, $2)
		ORDER BY sk
	`, pk, skPrefix)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", pk, skPrefix, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, r record.Record) error {
	key := r.Key()
	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		old, err := lockRecord(ctx, tx, key)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put %s: %w", key, err)
		}
		next := r.Clone()
		next[record.AttrVersion] = old.Version() + 1
		attrs, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (pk, sk, attrs, version, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pk, sk) DO UPDATE SET
				attrs = EXCLUDED.attrs,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at
		`, key.PK, key.SK, attrs, next.Version(), s.clock())
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		op := record.OpInsert
		if old != nil {
			op = record.OpModify
		}
		return s.appendChange(ctx, tx, record.NewChange(op, old, next, s.clock()))
	})
}

func (s *Store) Create(ctx context.Context, r record.Record) error {
	key := r.Key()
	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		next := r.Clone()
		next[record.AttrVersion] = 1
		attrs, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (pk, sk, attrs, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (pk, sk) DO NOTHING
		`, key.PK, key.SK, attrs, s.clock())
		if err != nil {
			return fmt.Errorf("create %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create %s rows affected: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("create %s: %w", key, sentinel.ErrConflict)
		}
		return s.appendChange(ctx, tx, record.NewChange(record.OpInsert, nil, next, s.clock()))
	})
}

func (s *Store) Delete(ctx context.Context, key record.Key) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			DELETE FROM records WHERE pk = $1 AND sk = $2
			RETURNING attrs, version
		`, key.PK, key.SK)
		old, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete %s: %w", key, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return s.appendChange(ctx, tx, record.NewChange(record.OpRemove, old, nil, s.clock()))
	})
}

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *Store) Mutate(ctx context.Context, key record.Key, fn record.MutateFunc) (record.Record, error) {
	var result record.Record
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := lockRecord(ctx, tx, key)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mutate %s: %w", key, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("mutate %s: %w", key, err)
		}
		next, err := fn(current.Clone())
		if errors.Is(err, record.ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}
		next = next.Clone()
		next[record.AttrPK] = key.PK
		next[record.AttrSK] = key.SK
		next[record.AttrVersion] = current.Version() + 1
		attrs, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET attrs = $3, version = $4, updated_at = $5
			WHERE pk = $1 AND sk = $2
		`, key.PK, key.SK, attrs, next.Version(), s.clock())
		if err != nil {
			return fmt.Errorf("mutate %s: %w", key, err)
		}
		result = next
		return s.appendChange(ctx, tx, record.NewChange(record.OpModify, current, next, s.clock()))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, key record.Key) (record.Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT attrs, version FROM records WHERE pk = $1 AND sk = $2 FOR UPDATE
	`, key.PK, key.SK)
	return scanRecord(row)
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, change record.Change) error {
	oldImage, err := marshalImage(change.OldImage)
	if err != nil {
		return err
	}
	newImage, err := marshalImage(change.NewImage)
	if err != nil {
		return err
	}
	key := change.Key()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO record_changes (event_id, pk, sk, operation, old_image, new_image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, change.EventID, key.PK, key.SK, string(change.Operation), oldImage, newImage, change.At)
	if err != nil {
		return fmt.Errorf("insert record change: %w", err)
	}
	return nil
}

// ClaimChanges locks up to limit unpublished mutation-log rows, hands them to
// publish in sequence order and stamps them published when publish succeeds.
// Rows locked by a concurrent relay are skipped.
func (s *Store) ClaimChanges(ctx context.Context, limit int, publish func(ctx context.Context, changes []record.Change) error) (int, error) {
	claimed := 0
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT seq, event_id, operation, old_image, new_image, created_at
			FROM record_changes
			WHERE published_at IS NULL
			ORDER BY seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("claim record changes: %w", err)
		}
		var (
			seqs    []int64
			changes []record.Change
		)
		for rows.Next() {
			var (
				seq                int64
				change             record.Change
				op                 string
				oldImage, newImage []byte
			)
			if err := rows.Scan(&seq, &change.EventID, &op, &oldImage, &newImage, &change.At); err != nil {
				rows.Close()
				return fmt.Errorf("scan record change: %w", err)
			}
			change.Operation = record.Operation(op)
			if change.OldImage, err = unmarshalImage(oldImage); err != nil {
				rows.Close()
				return err
			}
			if change.NewImage, err = unmarshalImage(newImage); err != nil {
				rows.Close()
				return err
			}
			seqs = append(seqs, seq)
			changes = append(changes, change)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate record changes: %w", err)
		}
		if len(changes) == 0 {
			return nil
		}
		if err := publish(ctx, changes); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE record_changes SET published_at = $2 WHERE seq = ANY($1)
		`, pq.Array(seqs), s.clock())
		if err != nil {
			return fmt.Errorf("mark record changes published: %w", err)
		}
		claimed = len(changes)
		return nil
	})
	return claimed, err
}

// PurgePublished deletes published mutation-log rows older than cutoff.
func (s *Store) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM record_changes WHERE published_at IS NOT NULL AND published_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge record changes: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Record, error) {
	var (
		attrs   []byte
		version int64
	)
	if err := row.Scan(&attrs, &version); err != nil {
		return nil, err
	}
	r, err := unmarshalImage(attrs)
	if err != nil {
		return nil, err
	}
	r[record.AttrVersion] = json.Number(fmt.Sprintf("%d", version))
	return r, nil
}

func marshalImage(r record.Record) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal image: %w", err)
	}
	return b, nil
}

func unmarshalImage(b []byte) (record.Record, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r record.Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	return r, nil
}
