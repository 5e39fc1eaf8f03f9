// Package badges evaluates the fixed set of badge rules against newly created
// connections and applies their outcomes to the acting user.
package badges

import (
	"context"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
)

type OutcomeKind int

const (
	NoMatch OutcomeKind = iota
	Award
	Update
)

func (k OutcomeKind) String() string {
	switch k {
	case Award:
		return "award"
	case Update:
		return "update"
	default:
		return "no_match"
	}
}

// Outcome is what an evaluator decided. Badge is set for Award and Update.
type Outcome struct {
	Kind  OutcomeKind
	Badge models.Badge
}

func noMatch() Outcome { return Outcome{Kind: NoMatch} }

func award(b models.Badge) Outcome { return Outcome{Kind: Award, Badge: b} }

func update(b models.Badge) Outcome { return Outcome{Kind: Update, Badge: b} }

// Evaluator decides one badge rule for a ConnectionCreated event. Evaluators
// only read; the Dispatcher applies the outcome.
type Evaluator interface {
	BadgeID() models.BadgeID
	Evaluate(ctx context.Context, evt events.ConnectionCreated) (Outcome, error)
}

// GraphReader is the read side evaluators use.
type GraphReader interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	ConnectedUserIDs(ctx context.Context, owner string) ([]string, error)
}

// NewEvaluators builds the evaluators enabled by cfg, in a fixed order.
func NewEvaluators(cfg Config, graph GraphReader) []Evaluator {
	var out []Evaluator
	if len(cfg.EventWindows) > 0 {
		out = append(out, NewTemporal(cfg.EventWindows, graph))
	}
	if cfg.DesignatedUserID != "" {
		out = append(out, NewDesignatedUser(cfg.DesignatedUserID, graph))
	}
	out = append(out, NewTriangle(graph))
	if cfg.VIPThreshold > 0 {
		out = append(out, NewThreshold(cfg.VIPThreshold, graph))
	}
	return out
}
