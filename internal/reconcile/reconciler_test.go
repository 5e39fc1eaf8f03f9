package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	graphstore "confconnect/internal/graph/store"
	"confconnect/internal/idempotency"
	"confconnect/internal/record/memory"
)

type ReconcilerSuite struct {
	suite.Suite
	graph *graphstore.Store
	dedup *idempotency.InMemory
	rec   *Reconciler
	ctx   context.Context
	now   time.Time
}

func (s *ReconcilerSuite) SetupTest() {
	s.graph = graphstore.New(memory.New())
	s.dedup = idempotency.NewInMemory(time.Hour)
	s.rec = New(s.graph, s.dedup,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)
	s.ctx = context.Background()
	s.now = time.Date(2024, 12, 4, 12, 0, 0, 0, time.UTC)
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) givenUser(id string, count int) {
	u := models.NewUser(id, id, s.now)
	u.ConnectionCount = count
	s.Require().NoError(s.graph.CreateUser(s.ctx, u))
}

func (s *ReconcilerSuite) givenEdge(owner, other string) {
	s.Require().NoError(s.graph.CreateConnection(s.ctx, models.NewConnection(owner+"-"+other, owner, other, nil, "", s.now)))
}

func (s *ReconcilerSuite) count(id string) int {
	u, err := s.graph.GetUser(s.ctx, id)
	s.Require().NoError(err)
	return u.ConnectionCount
}

func (s *ReconcilerSuite) removed(deliveryID string) events.Envelope {
	env, err := events.NewEnvelope(events.DetailConnectionRemoved, events.ConnectionRemoved{
		UserID: "u1", ConnectedUserID: "u2", ConnectionID: "u1-u2", Timestamp: s.now,
	}, deliveryID)
	s.Require().NoError(err)
	return env
}

func (s *ReconcilerSuite) TestDuplicateDeliveryDecrementsOnce() {
	s.givenUser("u1", 6)
	s.givenUser("u2", 11)
	s.givenEdge("u2", "u1")
	s.givenEdge("u2", "u3")

	s.Require().NoError(s.rec.Handle(s.ctx, s.removed("d1")))
	s.Require().NoError(s.rec.Handle(s.ctx, s.removed("d1")))

	s.Equal(5, s.count("u1"))
	s.Equal(10, s.count("u2"))

	_, err := s.graph.GetConnection(s.ctx, "u2", "u1")
	s.True(graphstore.IsNotFound(err))
	_, err = s.graph.GetConnection(s.ctx, "u2", "u3")
	s.NoError(err)

	processed, err := s.dedup.HasProcessed(s.ctx, "d1")
	s.Require().NoError(err)
	s.True(processed)
}

func (s *ReconcilerSuite) TestMissingReciprocalEdgeIsNotAnError() {
	s.givenUser("u1", 1)
	s.givenUser("u2", 1)

	s.Require().NoError(s.rec.Handle(s.ctx, s.removed("d1")))
	s.Equal(0, s.count("u1"))
	s.Equal(0, s.count("u2"))
}

func (s *ReconcilerSuite) TestCounterFloorsAtZero() {
	s.givenUser("u1", 0)
	s.givenUser("u2", 0)

	for _, id := range []string{"d1", "d2", "d3"} {
		s.Require().NoError(s.rec.Handle(s.ctx, s.removed(id)))
	}
	s.Equal(0, s.count("u1"))
	s.Equal(0, s.count("u2"))
}

func (s *ReconcilerSuite) TestInvalidEventsAreSkipped() {
	env, err := events.NewEnvelope(events.DetailConnectionRemoved, events.ConnectionRemoved{UserID: "u1"}, "d1")
	s.Require().NoError(err)
	s.NoError(s.rec.Handle(s.ctx, env))

	s.NoError(s.rec.Handle(s.ctx, events.Envelope{DetailType: events.DetailConnectionRemoved, Detail: []byte("nope"), DeliveryID: "d2"}))
}

// flakyGraph fails the decrement of one user a fixed number of times.
type flakyGraph struct {
	*graphstore.Store
	failUser  string
	failTimes int
}

func (f *flakyGraph) AdjustConnectionCount(ctx context.Context, userID string, delta int, guard string) (*models.User, bool, error) {
	if userID == f.failUser && f.failTimes > 0 {
		f.failTimes--
		return nil, false, errors.New("throttled")
	}
	return f.Store.AdjustConnectionCount(ctx, userID, delta, guard)
}

func (s *ReconcilerSuite) TestStoreFailureLeavesDeliveryUnmarkedAndRetryIsSafe() {
	s.givenUser("u1", 6)
	s.givenUser("u2", 11)
	s.givenEdge("u2", "u1")

	flaky := &flakyGraph{Store: s.graph, failUser: "u2", failTimes: 1}
	rec := New(flaky, s.dedup, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := rec.Handle(s.ctx, s.removed("d1"))
	s.Require().Error(err)
	processed, err := s.dedup.HasProcessed(s.ctx, "d1")
	s.Require().NoError(err)
	s.False(processed)
	s.Equal(5, s.count("u1"))

	s.Require().NoError(rec.Handle(s.ctx, s.removed("d1")))
	s.Equal(5, s.count("u1"))
	s.Equal(10, s.count("u2"))
}

type failingDedup struct{ idempotency.Store }

func (failingDedup) HasProcessed(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (s *ReconcilerSuite) TestDedupFailurePropagates() {
	s.givenUser("u1", 1)
	s.givenUser("u2", 1)
	rec := New(s.graph, failingDedup{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	s.Error(rec.Handle(s.ctx, s.removed("d1")))
	s.Equal(1, s.count("u1"))
}
