package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"confconnect/internal/record"
	"confconnect/pkg/platform/sentinel"
)

// ChangeSink receives mutation-log entries after the write is visible.
type ChangeSink func(ctx context.Context, change record.Change)

// InMemoryStore is a process-local record store. Writes are serialized by a
// single mutex; change sinks run after the lock is released so a sink may write
// back into the store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[record.Key]record.Record
	changes []record.Change
	sinks   []ChangeSink
	clock   func() time.Time
}

type Option func(*InMemoryStore)

// WithChangeSink registers a sink for the store's mutation log.
func WithChangeSink(sink ChangeSink) Option {
	return func(s *InMemoryStore) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithClock overrides the change timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *InMemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		records: make(map[record.Key]record.Record),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe adds a change sink after construction.
func (s *InMemoryStore) Subscribe(sink ChangeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Changes returns a copy of every mutation-log entry produced so far.
func (s *InMemoryStore) Changes() []record.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]record.Change(nil), s.changes...)
}

func (s *InMemoryStore) Get(_ context.Context, key record.Key) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, sentinel.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) Query(_ context.Context, pk, skPrefix string) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []record.Record
	for key, r := range s.records {
		if key.PK == pk && strings.HasPrefix(key.SK, skPrefix) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String(record.AttrSK) < out[j].String(record.AttrSK)
	})
	return out, nil
}

func (s *InMemoryStore) Put(ctx context.Context, r record.Record) error {
	key := r.Key()
	s.mu.Lock()
	old, exists := s.records[key]
	next := r.Clone()
	next[record.AttrVersion] = old.Version() + 1
	s.records[key] = next
	op := record.OpInsert
	if exists {
		op = record.OpModify
	}
	change := s.appendChangeLocked(op, old, next)
	s.mu.Unlock()

	s.emit(ctx, change)
	return nil
}

func (s *InMemoryStore) Create(ctx context.Context, r record.Record) error {
	key := r.Key()
	s.mu.Lock()
	if _, exists := s.records[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("create %s: %w", key, sentinel.ErrConflict)
	}
	next := r.Clone()
	next[record.AttrVersion] = 1
	s.records[key] = next
	change := s.appendChangeLocked(record.OpInsert, nil, next)
	s.mu.Unlock()

	s.emit(ctx, change)
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key record.Key) error {
	s.mu.Lock()
	old, exists := s.records[key]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", key, sentinel.ErrNotFound)
	}
	delete(s.records, key)
	change := s.appendChangeLocked(record.OpRemove, old, nil)
	s.mu.Unlock()

	s.emit(ctx, change)
	return nil
}

func (s *InMemoryStore) Mutate(ctx context.Context, key record.Key, fn record.MutateFunc) (record.Record, error) {
	s.mu.Lock()
	current, exists := s.records[key]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("mutate %s: %w", key, sentinel.ErrNotFound)
	}
	next, err := fn(current.Clone())
	if errors.Is(err, record.ErrNoChange) {
		s.mu.Unlock()
		return current.Clone(), nil
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next = next.Clone()
	next[record.AttrPK] = key.PK
	next[record.AttrSK] = key.SK
	next[record.AttrVersion] = current.Version() + 1
	s.records[key] = next
	change := s.appendChangeLocked(record.OpModify, current, next)
	s.mu.Unlock()

	s.emit(ctx, change)
	return next.Clone(), nil
}

func (s *InMemoryStore) appendChangeLocked(op record.Operation, oldImage, newImage record.Record) record.Change {
	change := record.NewChange(op, oldImage, newImage, s.clock())
	s.changes = append(s.changes, change)
	return change
}

func (s *InMemoryStore) emit(ctx context.Context, change record.Change) {
	s.mu.RLock()
	sinks := append([]ChangeSink(nil), s.sinks...)
	s.mu.RUnlock()
	for _, sink := range sinks {
		sink(ctx, change)
	}
}
