package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"confconnect/internal/bus/mocks"
	connmetrics "confconnect/internal/connections/metrics"
	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	graphstore "confconnect/internal/graph/store"
	"confconnect/internal/record/memory"
	dErrors "confconnect/pkg/domain-errors"
	"confconnect/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	publisher *mocks.MockPublisher
	graph     *graphstore.Store
	svc       *Service
	ctx       context.Context
	now       time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.graph = graphstore.New(memory.New())
	s.svc = New(s.graph, s.publisher,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(connmetrics.New(prometheus.NewRegistry())),
	)
	s.now = time.Date(2024, 12, 3, 14, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := s.svc.RegisterUser(s.ctx, id, id)
		s.Require().NoError(err)
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) request() *models.ConnectionRequest {
	req, err := s.svc.CreateRequest(s.ctx, "alice", CreateRequestInput{
		Recipient: "bob",
		Note:      "met at the keynote",
		Tags:      []string{" Serverless", "serverless", "AWS"},
	})
	s.Require().NoError(err)
	return req
}

func (s *ServiceSuite) count(id string) int {
	u, err := s.graph.GetUser(s.ctx, id)
	s.Require().NoError(err)
	return u.ConnectionCount
}

func (s *ServiceSuite) TestRegisterUser() {
	_, err := s.svc.RegisterUser(s.ctx, "alice", "Alice")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.svc.RegisterUser(s.ctx, "dave", "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestCreateRequest() {
	s.Run("normalizes tags and starts pending", func() {
		req := s.request()
		s.Equal(models.RequestStatusPending, req.Status)
		s.Equal([]string{"serverless", "aws"}, req.Tags)
	})

	s.Run("rejects self requests", func() {
		_, err := s.svc.CreateRequest(s.ctx, "alice", CreateRequestInput{Recipient: "alice"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects unknown recipients", func() {
		_, err := s.svc.CreateRequest(s.ctx, "alice", CreateRequestInput{Recipient: "nobody"})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("rejects already connected users", func() {
		s.Require().NoError(s.graph.CreateConnection(s.ctx, models.NewConnection("x", "carol", "bob", nil, "", s.now)))
		_, err := s.svc.CreateRequest(s.ctx, "carol", CreateRequestInput{Recipient: "bob"})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestApprove() {
	req := s.request()

	s.Run("only the recipient may approve", func() {
		_, err := s.svc.Approve(s.ctx, "alice", req.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.svc.Approve(s.ctx, "carol", req.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("writes both edges and both counts", func() {
		approved, err := s.svc.Approve(s.ctx, "bob", req.ID)
		s.Require().NoError(err)
		s.Equal(models.RequestStatusApproved, approved.Status)

		forward, err := s.graph.GetConnection(s.ctx, "alice", "bob")
		s.Require().NoError(err)
		s.Equal([]string{"serverless", "aws"}, forward.Tags)
		s.Equal("met at the keynote", forward.Note)
		_, err = s.graph.GetConnection(s.ctx, "bob", "alice")
		s.Require().NoError(err)

		s.Equal(1, s.count("alice"))
		s.Equal(1, s.count("bob"))
	})

	s.Run("approving again changes nothing", func() {
		again, err := s.svc.Approve(s.ctx, "bob", req.ID)
		s.Require().NoError(err)
		s.Equal(models.RequestStatusApproved, again.Status)
		s.Equal(1, s.count("alice"))
		s.Equal(1, s.count("bob"))
	})

	s.Run("terminal requests cannot be denied", func() {
		_, err := s.svc.Deny(s.ctx, "bob", req.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

// failOnceGraph fails the first count adjustment for one user.
type failOnceGraph struct {
	*graphstore.Store
	userID string
	failed bool
}

func (f *failOnceGraph) AdjustConnectionCount(ctx context.Context, userID string, delta int, guard string) (*models.User, bool, error) {
	if userID == f.userID && !f.failed {
		f.failed = true
		return nil, false, errors.New("throttled")
	}
	return f.Store.AdjustConnectionCount(ctx, userID, delta, guard)
}

func (s *ServiceSuite) TestApproveResumesAfterPartialFailure() {
	req := s.request()
	flaky := &failOnceGraph{Store: s.graph, userID: "bob"}
	svc := New(flaky, s.publisher, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := svc.Approve(s.ctx, "bob", req.ID)
	s.Require().Error(err)
	stored, err := s.graph.GetRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusPending, stored.Status)
	s.Equal(1, s.count("alice"))

	approved, err := svc.Approve(s.ctx, "bob", req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusApproved, approved.Status)
	s.Equal(1, s.count("alice"))
	s.Equal(1, s.count("bob"))
}

func (s *ServiceSuite) TestDenyAndCancel() {
	req := s.request()
	_, err := s.svc.Cancel(s.ctx, "bob", req.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	cancelled, err := s.svc.Cancel(s.ctx, "alice", req.ID)
	s.Require().NoError(err)
	s.Equal(models.RequestStatusCancelled, cancelled.Status)

	_, err = s.svc.Deny(s.ctx, "bob", req.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	_, err = s.svc.GetRequest(s.ctx, "carol", req.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	_, err = s.svc.GetRequest(s.ctx, "alice", "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestUpdateConnection() {
	s.Require().NoError(s.graph.CreateConnection(s.ctx, models.NewConnection("c1", "alice", "bob", []string{"aws"}, "", s.now)))

	note := "follow up on Lambda SnapStart"
	tags := []string{"Lambda", "lambda"}
	conn, err := s.svc.UpdateConnection(s.ctx, "alice", "bob", UpdateConnectionInput{Tags: &tags, Note: &note})
	s.Require().NoError(err)
	s.Equal([]string{"lambda"}, conn.Tags)
	s.Equal(note, conn.Note)

	_, err = s.svc.UpdateConnection(s.ctx, "bob", "alice", UpdateConnectionInput{Note: &note})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.svc.UpdateConnection(s.ctx, "alice", "bob", UpdateConnectionInput{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRemoveConnection() {
	s.Require().NoError(s.graph.CreateConnection(s.ctx, models.NewConnection("c1", "alice", "bob", nil, "", s.now)))

	s.Run("publishes ConnectionRemoved for the caller's edge", func() {
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, envs ...events.Envelope) error {
				s.Require().Len(envs, 1)
				s.Equal(events.DetailConnectionRemoved, envs[0].DetailType)
				s.NotEmpty(envs[0].DeliveryID)
				var detail events.ConnectionRemoved
				s.Require().NoError(envs[0].Decode(&detail))
				s.Equal("alice", detail.UserID)
				s.Equal("bob", detail.ConnectedUserID)
				s.Equal("c1", detail.ConnectionID)
				return nil
			})

		s.Require().NoError(s.svc.RemoveConnection(s.ctx, "alice", "bob"))
		_, err := s.graph.GetConnection(s.ctx, "alice", "bob")
		s.True(graphstore.IsNotFound(err))
	})

	s.Run("missing edge is not found", func() {
		err := s.svc.RemoveConnection(s.ctx, "alice", "bob")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRemoveConnectionRestoresEdgeWhenPublishFails() {
	s.Require().NoError(s.graph.CreateConnection(s.ctx, models.NewConnection("c1", "alice", "bob", []string{"aws"}, "note", s.now)))
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable"))

	err := s.svc.RemoveConnection(s.ctx, "alice", "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	conn, err := s.graph.GetConnection(s.ctx, "alice", "bob")
	s.Require().NoError(err)
	s.Equal("note", conn.Note)
}

func (s *ServiceSuite) TestGetBadges() {
	_, err := s.graph.AwardBadge(s.ctx, "alice", models.Badge{ID: models.BadgeSpecialGuest, EarnedAt: s.now})
	s.Require().NoError(err)

	got, err := s.svc.GetBadges(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(models.BadgeSpecialGuest, got[0].ID)

	_, err = s.svc.GetBadges(s.ctx, "nobody")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
