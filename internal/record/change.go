package record

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of write recorded in the mutation log.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpModify Operation = "MODIFY"
	OpRemove Operation = "REMOVE"
)

// Change is one mutation-log entry carrying the before and after images.
// OldImage is nil for inserts; NewImage is nil for removals.
type Change struct {
	EventID   string    `json:"eventId"`
	Operation Operation `json:"operation"`
	OldImage  Record    `json:"oldImage,omitempty"`
	NewImage  Record    `json:"newImage,omitempty"`
	At        time.Time `json:"at"`
}

// Key returns the key of whichever image is present.
func (c Change) Key() Key {
	if c.NewImage != nil {
		return c.NewImage.Key()
	}
	return c.OldImage.Key()
}

// NewChange builds a log entry for a write observed at now.
func NewChange(op Operation, oldImage, newImage Record, now time.Time) Change {
	return Change{
		EventID:   uuid.NewString(),
		Operation: op,
		OldImage:  oldImage.Clone(),
		NewImage:  newImage.Clone(),
		At:        now.UTC(),
	}
}
