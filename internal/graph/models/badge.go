package models

import (
	"strconv"
	"time"
)

// BadgeID is one of the fixed set of badges.
type BadgeID string

const (
	BadgeEventAttendee    BadgeID = "event-attendee"
	BadgeSpecialGuest     BadgeID = "special-guest"
	BadgeTriangleComplete BadgeID = "triangle-complete"
	BadgeVIPConnector     BadgeID = "vip-connector"
)

// Accumulates reports whether the badge is a counter updated in place rather
// than a one-off award.
func (id BadgeID) Accumulates() bool {
	return id == BadgeVIPConnector
}

// BadgeMetadata carries the rule-specific payload of a badge.
type BadgeMetadata struct {
	EventYear     int      `json:"eventYear,omitempty"`
	Count         int      `json:"count,omitempty"`
	TriangleUsers []string `json:"triangleUsers,omitempty"`
}

type Badge struct {
	ID       BadgeID        `json:"id"`
	EarnedAt time.Time      `json:"earnedAt"`
	Metadata *BadgeMetadata `json:"metadata,omitempty"`
}

// DedupKey identifies a badge instance for uniqueness checks. The event badge
// is unique per year; every other badge is unique per user.
func (b Badge) DedupKey() string {
	if b.ID == BadgeEventAttendee && b.Metadata != nil {
		return string(b.ID) + "#" + strconv.Itoa(b.Metadata.EventYear)
	}
	return string(b.ID)
}
