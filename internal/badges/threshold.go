package badges

import (
	"context"
	"fmt"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
)

// Threshold accrues vip-connector for each connection made with a user whose
// connection count is at least the threshold. The first match awards the badge
// with count 1; later matches update the same instance.
type Threshold struct {
	threshold int
	graph     GraphReader
}

func NewThreshold(threshold int, graph GraphReader) *Threshold {
	return &Threshold{threshold: threshold, graph: graph}
}

func (e *Threshold) BadgeID() models.BadgeID { return models.BadgeVIPConnector }

func (e *Threshold) Evaluate(ctx context.Context, evt events.ConnectionCreated) (Outcome, error) {
	connected, err := e.graph.GetUser(ctx, evt.ConnectedUserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load connected user %s: %w", evt.ConnectedUserID, err)
	}
	if connected.ConnectionCount < e.threshold {
		return noMatch(), nil
	}
	user, err := e.graph.GetUser(ctx, evt.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load user %s: %w", evt.UserID, err)
	}
	if idx := user.FindBadge(models.BadgeVIPConnector); idx >= 0 {
		return update(user.Badges[idx]), nil
	}
	return award(models.Badge{
		ID:       models.BadgeVIPConnector,
		EarnedAt: evt.Timestamp,
		Metadata: &models.BadgeMetadata{Count: 1},
	}), nil
}
