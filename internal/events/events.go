// Package events defines the semantic domain events derived from record
// changes and the envelope they travel in on the bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source is stamped on every envelope this module publishes.
const Source = "confconnect.graph"

type DetailType string

const (
	DetailConnectionCreated          DetailType = "ConnectionCreated"
	DetailConnectionRemoved          DetailType = "ConnectionRemoved"
	DetailUserConnectionCountUpdated DetailType = "UserConnectionCountUpdated"
)

type ConnectionCreated struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          string    `json:"userId"`
	ConnectedUserID string    `json:"connectedUserId"`
	Timestamp       time.Time `json:"timestamp"`
}

type ConnectionRemoved struct {
	UserID          string    `json:"userId"`
	ConnectedUserID string    `json:"connectedUserId"`
	ConnectionID    string    `json:"connectionId"`
	Timestamp       time.Time `json:"timestamp"`
}

type UserConnectionCountUpdated struct {
	UserID          string    `json:"userId"`
	ConnectionCount int       `json:"connectionCount"`
	PreviousCount   int       `json:"previousCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// Envelope is the bus message. DeliveryID is the dedup key for consumers.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType DetailType      `json:"detailType"`
	Detail     json.RawMessage `json:"detail"`
	DeliveryID string          `json:"deliveryId"`
}

// NewEnvelope wraps detail under detailType with the given delivery id.
func NewEnvelope(detailType DetailType, detail any, deliveryID string) (Envelope, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s detail: %w", detailType, err)
	}
	return Envelope{
		Source:     Source,
		DetailType: detailType,
		Detail:     raw,
		DeliveryID: deliveryID,
	}, nil
}

// Decode unmarshals the envelope's detail into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Detail, v); err != nil {
		return fmt.Errorf("decode %s detail: %w", e.DetailType, err)
	}
	return nil
}

var deliveryNamespace = uuid.MustParse("6f1c8f5e-3f0a-4d7e-9a57-2c3b1f0d9e41")

// DerivedDeliveryID is stable for a given change event and detail type, so a
// redelivered change yields envelopes with the same delivery ids.
func DerivedDeliveryID(changeEventID string, detailType DetailType) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(changeEventID+"/"+string(detailType))).String()
}

// NewDeliveryID returns a fresh random delivery id for explicitly published events.
func NewDeliveryID() string {
	return uuid.NewString()
}
