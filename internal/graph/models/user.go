package models

import (
	"time"
)

// MaxAppliedDeliveries bounds the guard list kept on each user record.
const MaxAppliedDeliveries = 64

// User is the profile record. ConnectionCount and Badges are written only by
// the graph engine; AppliedDeliveries records which guarded updates already
// landed on this record so redelivered events do not apply twice.
type User struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"displayName,omitempty"`
	ConnectionCount   int       `json:"connectionCount"`
	Badges            []Badge   `json:"badges"`
	AppliedDeliveries []string  `json:"appliedDeliveries,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func NewUser(id, displayName string, now time.Time) *User {
	return &User{
		ID:          id,
		DisplayName: displayName,
		Badges:      []Badge{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasBadge reports whether any instance of badgeID is held.
func (u *User) HasBadge(badgeID BadgeID) bool {
	return u.FindBadge(badgeID) >= 0
}

// HasBadgeKey reports whether a badge with the given dedup key is held.
func (u *User) HasBadgeKey(dedupKey string) bool {
	for _, b := range u.Badges {
		if b.DedupKey() == dedupKey {
			return true
		}
	}
	return false
}

// FindBadge returns the index of the first instance of badgeID, or -1.
func (u *User) FindBadge(badgeID BadgeID) int {
	for i, b := range u.Badges {
		if b.ID == badgeID {
			return i
		}
	}
	return -1
}

// Applied reports whether the guarded update named guard already landed.
func (u *User) Applied(guard string) bool {
	for _, g := range u.AppliedDeliveries {
		if g == guard {
			return true
		}
	}
	return false
}

// MarkApplied records guard, evicting the oldest entries past the bound.
func (u *User) MarkApplied(guard string) {
	u.AppliedDeliveries = append(u.AppliedDeliveries, guard)
	if over := len(u.AppliedDeliveries) - MaxAppliedDeliveries; over > 0 {
		u.AppliedDeliveries = append([]string(nil), u.AppliedDeliveries[over:]...)
	}
}

// AdjustCount applies delta to the connection count, flooring at zero.
func (u *User) AdjustCount(delta int) {
	u.ConnectionCount += delta
	if u.ConnectionCount < 0 {
		u.ConnectionCount = 0
	}
}
