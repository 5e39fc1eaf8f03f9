// Package record defines the partition/sort-key addressed record store that
// holds users, connections and connection requests, and the mutation log every
// write to it produces.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Attribute names shared by every record.
const (
	AttrPK      = "PK"
	AttrSK      = "SK"
	AttrVersion = "version"
)

// ErrNoChange is returned by a MutateFunc to skip the write. Mutate then returns
// the current record and a nil error.
var ErrNoChange = errors.New("record: no change")

// Key addresses one record.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string { return k.PK + "|" + k.SK }

// Record is a generic attribute map. Numbers decoded from storage may surface as
// json.Number, float64 or int64 depending on the backend; use the accessors.
type Record map[string]any

// Key returns the record's composite key.
func (r Record) Key() Key {
	return Key{PK: r.String(AttrPK), SK: r.String(AttrSK)}
}

// String returns a string attribute or "".
func (r Record) String(attr string) string {
	if r == nil {
		return ""
	}
	s, _ := r[attr].(string)
	return s
}

// Int returns a numeric attribute as int, or 0 when absent or not numeric.
func (r Record) Int(attr string) int {
	if r == nil {
		return 0
	}
	switch v := r[attr].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// Has reports whether attr is present.
func (r Record) Has(attr string) bool {
	if r == nil {
		return false
	}
	_, ok := r[attr]
	return ok
}

// Time parses an RFC 3339 attribute, returning the zero time when absent.
func (r Record) Time(attr string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.String(attr))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Version returns the optimistic concurrency version.
func (r Record) Version() int64 {
	return int64(r.Int(AttrVersion))
}

// Clone returns a deep copy with numbers normalized to json.Number.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out, err := normalize(r)
	if err != nil {
		// Records only ever hold JSON-compatible values.
		panic(fmt.Sprintf("record: clone: %v", err))
	}
	return out
}

// Encode converts a tagged struct into a Record under key.
func Encode(key Key, v any) (Record, error) {
	r, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	r[AttrPK] = key.PK
	r[AttrSK] = key.SK
	return r, nil
}

// Decode fills v from the record's attributes.
func Decode(r Record, v any) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func normalize(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out Record
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Record{}
	}
	return out, nil
}

// MutateFunc computes the next image of a record from its current image.
// Returning ErrNoChange leaves the record untouched.
type MutateFunc func(current Record) (Record, error)

// Store is the contract every backend honours. Each call is atomic for the
// single record it touches; there are no cross-record transactions.
type Store interface {
	// Get returns sentinel.ErrNotFound when the key is absent.
	Get(ctx context.Context, key Key) (Record, error)
	// Query returns all records in partition pk whose sort key starts with skPrefix.
	Query(ctx context.Context, pk, skPrefix string) ([]Record, error)
	// Put writes the record unconditionally.
	Put(ctx context.Context, r Record) error
	// Create writes the record only if its key is absent; otherwise sentinel.ErrConflict.
	Create(ctx context.Context, r Record) error
	// Delete removes the record; sentinel.ErrNotFound when absent.
	Delete(ctx context.Context, key Key) error
	// Mutate applies fn to the current image atomically; sentinel.ErrNotFound when absent.
	Mutate(ctx context.Context, key Key, fn MutateFunc) (Record, error)
}
