package badges_test

//go:generate mockgen -source=evaluator.go -destination=mocks/evaluator_mock.go -package=mocks Evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"confconnect/internal/badges"
	"confconnect/internal/badges/mocks"
	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	graphstore "confconnect/internal/graph/store"
	"confconnect/internal/record/memory"
)

type DispatcherSuite struct {
	suite.Suite
	ctrl  *gomock.Controller
	graph *graphstore.Store
	ctx   context.Context
	now   time.Time
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.graph = graphstore.New(memory.New())
	s.ctx = context.Background()
	s.now = time.Date(2024, 12, 3, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"u1", "u2"} {
		s.Require().NoError(s.graph.CreateUser(s.ctx, models.NewUser(id, id, s.now)))
	}
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) dispatcher(evals ...badges.Evaluator) *badges.Dispatcher {
	return badges.NewDispatcher(evals, s.graph,
		badges.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		badges.WithMetrics(badges.NewMetrics(prometheus.NewRegistry())),
	)
}

func (s *DispatcherSuite) evaluator(id models.BadgeID) *mocks.MockEvaluator {
	m := mocks.NewMockEvaluator(s.ctrl)
	m.EXPECT().BadgeID().Return(id).AnyTimes()
	return m
}

func (s *DispatcherSuite) created(deliveryID string) events.Envelope {
	env, err := events.NewEnvelope(events.DetailConnectionCreated, events.ConnectionCreated{
		ConnectionID: "c1", UserID: "u1", ConnectedUserID: "u2", Timestamp: s.now,
	}, deliveryID)
	s.Require().NoError(err)
	return env
}

func (s *DispatcherSuite) badgesOf(id string) []models.Badge {
	u, err := s.graph.GetUser(s.ctx, id)
	s.Require().NoError(err)
	return u.Badges
}

func (s *DispatcherSuite) TestFailuresAreIsolated() {
	failing := s.evaluator(models.BadgeTriangleComplete)
	failing.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return(badges.Outcome{}, errors.New("query timeout"))

	guest := s.evaluator(models.BadgeSpecialGuest)
	guest.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return(badges.Outcome{
		Kind:  badges.Award,
		Badge: models.Badge{ID: models.BadgeSpecialGuest, EarnedAt: s.now},
	}, nil)

	s.NoError(s.dispatcher(failing, guest).Handle(s.ctx, s.created("d1")))

	held := s.badgesOf("u1")
	s.Require().Len(held, 1)
	s.Equal(models.BadgeSpecialGuest, held[0].ID)
}

func (s *DispatcherSuite) TestSingleEvaluatorFailureFailsDelivery() {
	failing := s.evaluator(models.BadgeTriangleComplete)
	failing.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return(badges.Outcome{}, errors.New("query timeout"))

	s.Error(s.dispatcher(failing).Handle(s.ctx, s.created("d1")))
}

func (s *DispatcherSuite) TestPanicsAreContained() {
	panicky := s.evaluator(models.BadgeEventAttendee)
	panicky.EXPECT().Evaluate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, events.ConnectionCreated) (badges.Outcome, error) {
			panic("bad window")
		})

	err := s.dispatcher(panicky).Handle(s.ctx, s.created("d1"))
	s.Require().Error(err)
	s.Contains(err.Error(), "panicked")
}

func (s *DispatcherSuite) TestDuplicateAwardsAreDeduplicated() {
	guest := s.evaluator(models.BadgeSpecialGuest)
	guest.EXPECT().Evaluate(gomock.Any(), gomock.Any()).Return(badges.Outcome{
		Kind:  badges.Award,
		Badge: models.Badge{ID: models.BadgeSpecialGuest, EarnedAt: s.now},
	}, nil).Times(3)

	d := s.dispatcher(guest)
	for i := 0; i < 3; i++ {
		s.Require().NoError(d.Handle(s.ctx, s.created("d1")))
	}
	s.Len(s.badgesOf("u1"), 1)
}

func (s *DispatcherSuite) TestThresholdAccumulates() {
	s.Require().NoError(s.graph.CreateUser(s.ctx, func() *models.User {
		u := models.NewUser("vip", "vip", s.now)
		u.ConnectionCount = badges.DefaultVIPThreshold
		return u
	}()))
	d := s.dispatcher(badges.NewThreshold(badges.DefaultVIPThreshold, s.graph))

	const n = 5
	for i := 0; i < n; i++ {
		env, err := events.NewEnvelope(events.DetailConnectionCreated, events.ConnectionCreated{
			ConnectionID: fmt.Sprintf("c%d", i), UserID: "u1", ConnectedUserID: "vip", Timestamp: s.now,
		}, fmt.Sprintf("d%d", i))
		s.Require().NoError(err)
		s.Require().NoError(d.Handle(s.ctx, env))
	}

	s.Run("redelivery does not count twice", func() {
		env, err := events.NewEnvelope(events.DetailConnectionCreated, events.ConnectionCreated{
			ConnectionID: "c0", UserID: "u1", ConnectedUserID: "vip", Timestamp: s.now,
		}, "d0")
		s.Require().NoError(err)
		s.Require().NoError(d.Handle(s.ctx, env))
	})

	s.Run("rewritten edge under a new delivery id does not count twice", func() {
		env, err := events.NewEnvelope(events.DetailConnectionCreated, events.ConnectionCreated{
			ConnectionID: "c1", UserID: "u1", ConnectedUserID: "vip", Timestamp: s.now,
		}, "d-restore")
		s.Require().NoError(err)
		s.Require().NoError(d.Handle(s.ctx, env))
	})

	held := s.badgesOf("u1")
	s.Require().Len(held, 1)
	s.Equal(models.BadgeVIPConnector, held[0].ID)
	s.Equal(n, held[0].Metadata.Count)
}

func (s *DispatcherSuite) TestInvalidEventsAreSkipped() {
	eval := s.evaluator(models.BadgeSpecialGuest)
	env, err := events.NewEnvelope(events.DetailConnectionCreated, events.ConnectionCreated{UserID: "u1"}, "d1")
	s.Require().NoError(err)
	s.NoError(s.dispatcher(eval).Handle(s.ctx, env))
}
