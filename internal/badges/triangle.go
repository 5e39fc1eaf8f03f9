package badges

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	"confconnect/pkg/platform/strings"
)

// Triangle awards triangle-complete when the new edge closes a three-cycle
// userId–connectedUserId–X–userId. When several X qualify any one is recorded.
type Triangle struct {
	graph GraphReader
}

func NewTriangle(graph GraphReader) *Triangle {
	return &Triangle{graph: graph}
}

func (e *Triangle) BadgeID() models.BadgeID { return models.BadgeTriangleComplete }

func (e *Triangle) Evaluate(ctx context.Context, evt events.ConnectionCreated) (Outcome, error) {
	user, err := e.graph.GetUser(ctx, evt.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load user %s: %w", evt.UserID, err)
	}
	if user.HasBadge(models.BadgeTriangleComplete) {
		return noMatch(), nil
	}

	var mine, theirs []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := e.graph.ConnectedUserIDs(gctx, evt.UserID)
		if err != nil {
			return fmt.Errorf("connections of %s: %w", evt.UserID, err)
		}
		mine = ids
		return nil
	})
	g.Go(func() error {
		ids, err := e.graph.ConnectedUserIDs(gctx, evt.ConnectedUserID)
		if err != nil {
			return fmt.Errorf("connections of %s: %w", evt.ConnectedUserID, err)
		}
		theirs = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	shared := strings.Intersect(mine, theirs, evt.UserID, evt.ConnectedUserID)
	if len(shared) == 0 {
		return noMatch(), nil
	}
	return award(models.Badge{
		ID:       models.BadgeTriangleComplete,
		EarnedAt: evt.Timestamp,
		Metadata: &models.BadgeMetadata{TriangleUsers: []string{evt.ConnectedUserID, shared[0]}},
	}), nil
}
