// Package store is the typed graph repository over a record.Store. Every
// method touches exactly one record; multi-record consistency is left to the
// callers' idempotent retries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"confconnect/internal/graph/models"
	"confconnect/internal/record"
	"confconnect/pkg/platform/sentinel"
	"confconnect/pkg/requestcontext"
)

type Store struct {
	records record.Store
}

func New(records record.Store) *Store {
	return &Store{records: records}
}

// Records exposes the underlying record store.
func (s *Store) Records() record.Store {
	return s.records
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	r, err := s.records.Get(ctx, models.UserKey(userID))
	if err != nil {
		return nil, err
	}
	return decodeUser(r)
}

// CreateUser writes a new profile; sentinel.ErrConflict if it exists.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	r, err := record.Encode(models.UserKey(user.ID), user)
	if err != nil {
		return err
	}
	return s.records.Create(ctx, r)
}

func (s *Store) GetConnection(ctx context.Context, owner, other string) (*models.Connection, error) {
	r, err := s.records.Get(ctx, models.ConnectionKey(owner, other))
	if err != nil {
		return nil, err
	}
	return decodeConnection(r)
}

// ListConnections returns every edge owned by owner, ordered by the other id.
func (s *Store) ListConnections(ctx context.Context, owner string) ([]*models.Connection, error) {
	rs, err := s.records.Query(ctx, models.UserPKPrefix+owner, models.ConnectionSKPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Connection, 0, len(rs))
	for _, r := range rs {
		c, err := decodeConnection(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ConnectedUserIDs returns the ids at the far end of owner's edges.
func (s *Store) ConnectedUserIDs(ctx context.Context, owner string) ([]string, error) {
	rs, err := s.records.Query(ctx, models.UserPKPrefix+owner, models.ConnectionSKPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, models.ConnectionOther(r.String(record.AttrSK)))
	}
	return ids, nil
}

// CreateConnection writes a new edge; sentinel.ErrConflict if it exists.
func (s *Store) CreateConnection(ctx context.Context, c *models.Connection) error {
	r, err := record.Encode(models.ConnectionKey(c.UserID, c.ConnectedUserID), c)
	if err != nil {
		return err
	}
	return s.records.Create(ctx, r)
}

// PutConnection writes an edge unconditionally.
func (s *Store) PutConnection(ctx context.Context, c *models.Connection) error {
	r, err := record.Encode(models.ConnectionKey(c.UserID, c.ConnectedUserID), c)
	if err != nil {
		return err
	}
	return s.records.Put(ctx, r)
}

// UpdateConnection applies fn to the stored edge atomically.
func (s *Store) UpdateConnection(ctx context.Context, owner, other string, fn func(c *models.Connection) error) (*models.Connection, error) {
	key := models.ConnectionKey(owner, other)
	r, err := s.records.Mutate(ctx, key, func(cur record.Record) (record.Record, error) {
		c, err := decodeConnection(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		return record.Encode(key, c)
	})
	if err != nil {
		return nil, err
	}
	return decodeConnection(r)
}

// DeleteConnection removes owner → other; sentinel.ErrNotFound if absent.
func (s *Store) DeleteConnection(ctx context.Context, owner, other string) error {
	return s.records.Delete(ctx, models.ConnectionKey(owner, other))
}

// AdjustConnectionCount adds delta to the user's count, flooring at zero. A
// non-empty guard makes the update apply at most once: the guard is recorded
// on the user record in the same write, and a second call with the same guard
// is a no-op reporting applied=false.
func (s *Store) AdjustConnectionCount(ctx context.Context, userID string, delta int, guard string) (user *models.User, applied bool, err error) {
	user, err = s.mutateUser(ctx, userID, func(u *models.User) error {
		if guard != "" && u.Applied(guard) {
			return record.ErrNoChange
		}
		u.AdjustCount(delta)
		if guard != "" {
			u.MarkApplied(guard)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, applied, nil
}

// AwardBadge appends badge unless an instance with the same dedup key is
// already held. The check and the append are one conditional write.
func (s *Store) AwardBadge(ctx context.Context, userID string, badge models.Badge) (awarded bool, err error) {
	_, err = s.mutateUser(ctx, userID, func(u *models.User) error {
		if u.HasBadgeKey(badge.DedupKey()) {
			return record.ErrNoChange
		}
		u.Badges = append(u.Badges, badge)
		awarded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return awarded, nil
}

// IncrementBadge bumps metadata.count on the user's badgeID instance, creating
// it with count 1 when absent. guard makes the increment apply at most once.
func (s *Store) IncrementBadge(ctx context.Context, userID string, badgeID models.BadgeID, guard string, now time.Time) (*models.Badge, error) {
	var result models.Badge
	_, err := s.mutateUser(ctx, userID, func(u *models.User) error {
		idx := u.FindBadge(badgeID)
		if guard != "" && u.Applied(guard) {
			if idx >= 0 {
				result = u.Badges[idx]
			}
			return record.ErrNoChange
		}
		if idx < 0 {
			u.Badges = append(u.Badges, models.Badge{
				ID:       badgeID,
				EarnedAt: now,
				Metadata: &models.BadgeMetadata{Count: 1},
			})
			idx = len(u.Badges) - 1
		} else {
			if u.Badges[idx].Metadata == nil {
				u.Badges[idx].Metadata = &models.BadgeMetadata{}
			}
			u.Badges[idx].Metadata.Count++
		}
		if guard != "" {
			u.MarkApplied(guard)
		}
		result = u.Badges[idx]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// mutateUser applies fn to the profile in one conditional write and stamps
// UpdatedAt from the request clock when fn changed it.
func (s *Store) mutateUser(ctx context.Context, userID string, fn func(u *models.User) error) (*models.User, error) {
	key := models.UserKey(userID)
	r, err := s.records.Mutate(ctx, key, func(cur record.Record) (record.Record, error) {
		u, err := decodeUser(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(u); err != nil {
			return nil, err
		}
		u.UpdatedAt = requestcontext.Now(ctx).UTC()
		return record.Encode(key, u)
	})
	if err != nil {
		return nil, err
	}
	return decodeUser(r)
}

// CreateRequest writes a new connection request.
func (s *Store) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	r, err := record.Encode(models.RequestKey(req.ID), req)
	if err != nil {
		return err
	}
	return s.records.Create(ctx, r)
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (*models.ConnectionRequest, error) {
	r, err := s.records.Get(ctx, models.RequestKey(requestID))
	if err != nil {
		return nil, err
	}
	return decodeRequest(r)
}

// TransitionRequest moves a request to next atomically. A request already in
// a terminal state yields sentinel.ErrInvalidState.
func (s *Store) TransitionRequest(ctx context.Context, requestID string, next models.RequestStatus, now time.Time) (*models.ConnectionRequest, error) {
	key := models.RequestKey(requestID)
	r, err := s.records.Mutate(ctx, key, func(cur record.Record) (record.Record, error) {
		req, err := decodeRequest(cur)
		if err != nil {
			return nil, err
		}
		if err := req.Transition(next, now); err != nil {
			return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, sentinel.ErrInvalidState)
		}
		return record.Encode(key, req)
	})
	if err != nil {
		return nil, err
	}
	return decodeRequest(r)
}

func decodeUser(r record.Record) (*models.User, error) {
	var u models.User
	if err := record.Decode(r, &u); err != nil {
		return nil, err
	}
	if u.Badges == nil {
		u.Badges = []models.Badge{}
	}
	return &u, nil
}

func decodeConnection(r record.Record) (*models.Connection, error) {
	var c models.Connection
	if err := record.Decode(r, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeRequest(r record.Record) (*models.ConnectionRequest, error) {
	var req models.ConnectionRequest
	if err := record.Decode(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
