// Package changecapture turns record-store mutation-log entries into domain
// events and publishes them on the bus.
package changecapture

import (
	"strings"
	"time"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	"confconnect/internal/record"
)

// Classify derives the domain events implied by one mutation-log entry. It is a
// pure function of change: the same entry always yields the same envelopes,
// including their delivery ids.
//
//   - connection INSERT → ConnectionCreated
//   - profile INSERT/MODIFY whose connectionCount changed → UserConnectionCountUpdated
//   - anything else, including every REMOVE → nothing
func Classify(change record.Change) ([]events.Envelope, error) {
	if change.Operation == record.OpRemove || change.NewImage == nil {
		return nil, nil
	}
	key := change.NewImage.Key()

	switch {
	case models.IsConnectionKey(key) && change.Operation == record.OpInsert:
		detail := connectionCreated(change, key)
		env, err := events.NewEnvelope(events.DetailConnectionCreated, detail,
			events.DerivedDeliveryID(change.EventID, events.DetailConnectionCreated))
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil

	case models.IsProfileKey(key):
		previous := 0
		if change.OldImage != nil {
			previous = change.OldImage.Int("connectionCount")
		}
		current := change.NewImage.Int("connectionCount")
		if current == previous {
			return nil, nil
		}
		userID := change.NewImage.String("id")
		if userID == "" {
			userID = strings.TrimPrefix(key.PK, models.UserPKPrefix)
		}
		env, err := events.NewEnvelope(events.DetailUserConnectionCountUpdated, events.UserConnectionCountUpdated{
			UserID:          userID,
			ConnectionCount: current,
			PreviousCount:   previous,
			Timestamp:       change.At,
		}, events.DerivedDeliveryID(change.EventID, events.DetailUserConnectionCountUpdated))
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	}
	return nil, nil
}

func connectionCreated(change record.Change, key record.Key) events.ConnectionCreated {
	img := change.NewImage
	detail := events.ConnectionCreated{
		ConnectionID:    img.String("id"),
		UserID:          img.String("userId"),
		ConnectedUserID: img.String("connectedUserId"),
		Timestamp:       img.Time("createdAt"),
	}
	if detail.UserID == "" {
		detail.UserID = strings.TrimPrefix(key.PK, models.UserPKPrefix)
	}
	if detail.ConnectedUserID == "" {
		detail.ConnectedUserID = models.ConnectionOther(key.SK)
	}
	if detail.Timestamp.IsZero() {
		detail.Timestamp = change.At
	}
	detail.Timestamp = detail.Timestamp.In(time.UTC)
	return detail
}
