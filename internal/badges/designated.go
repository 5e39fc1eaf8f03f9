package badges

import (
	"context"
	"fmt"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
)

// DesignatedUser awards special-guest for connecting with one configured user.
type DesignatedUser struct {
	designatedID string
	graph        GraphReader
}

func NewDesignatedUser(designatedID string, graph GraphReader) *DesignatedUser {
	return &DesignatedUser{designatedID: designatedID, graph: graph}
}

func (e *DesignatedUser) BadgeID() models.BadgeID { return models.BadgeSpecialGuest }

func (e *DesignatedUser) Evaluate(ctx context.Context, evt events.ConnectionCreated) (Outcome, error) {
	if evt.ConnectedUserID != e.designatedID {
		return noMatch(), nil
	}
	user, err := e.graph.GetUser(ctx, evt.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load user %s: %w", evt.UserID, err)
	}
	if user.HasBadge(models.BadgeSpecialGuest) {
		return noMatch(), nil
	}
	return award(models.Badge{ID: models.BadgeSpecialGuest, EarnedAt: evt.Timestamp}), nil
}
