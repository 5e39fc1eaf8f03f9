package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemory keeps markers in a map. Expired markers are dropped lazily on
// lookup and whenever MarkProcessed runs.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

type InMemoryOption func(*InMemory)

func WithMemoryClock(clock Clock) InMemoryOption {
	return func(s *InMemory) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewInMemory(ttl time.Duration, opts ...InMemoryOption) *InMemory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &InMemory{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) HasProcessed(_ context.Context, deliveryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[deliveryID]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(expiresAt) {
		delete(s.entries, deliveryID)
		return false, nil
	}
	return true, nil
}

func (s *InMemory) MarkProcessed(_ context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
		}
	}
	s.entries[deliveryID] = now.Add(s.ttl)
	return nil
}

// Len returns the number of live and not-yet-swept markers.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
