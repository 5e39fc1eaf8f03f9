package badges

import (
	"context"
	"fmt"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
)

// Temporal awards event-attendee once per conference year for connections
// made during that year's window.
type Temporal struct {
	windows EventWindows
	graph   GraphReader
}

func NewTemporal(windows EventWindows, graph GraphReader) *Temporal {
	return &Temporal{windows: windows, graph: graph}
}

func (e *Temporal) BadgeID() models.BadgeID { return models.BadgeEventAttendee }

func (e *Temporal) Evaluate(ctx context.Context, evt events.ConnectionCreated) (Outcome, error) {
	window, ok := e.windows.Match(evt.Timestamp)
	if !ok {
		return noMatch(), nil
	}
	badge := models.Badge{
		ID:       models.BadgeEventAttendee,
		EarnedAt: evt.Timestamp,
		Metadata: &models.BadgeMetadata{EventYear: window.Year},
	}
	user, err := e.graph.GetUser(ctx, evt.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load user %s: %w", evt.UserID, err)
	}
	if user.HasBadgeKey(badge.DedupKey()) {
		return noMatch(), nil
	}
	return award(badge), nil
}
