package models

import (
	"time"
)

// Connection is the directed edge UserID → ConnectedUserID. A connection is
// mutual when the opposite edge also exists.
type Connection struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	ConnectedUserID string    `json:"connectedUserId"`
	Tags            []string  `json:"tags"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func NewConnection(id, owner, other string, tags []string, note string, now time.Time) *Connection {
	if tags == nil {
		tags = []string{}
	}
	return &Connection{
		ID:              id,
		UserID:          owner,
		ConnectedUserID: other,
		Tags:            tags,
		Note:            note,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
