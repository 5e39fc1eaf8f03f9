package changecapture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"confconnect/internal/bus/mocks"
	"confconnect/internal/events"
	"confconnect/internal/platform/kafka/consumer"
	"confconnect/internal/record"
)

type HandlerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	publisher *mocks.MockPublisher
	handler   *Handler
	ctx       context.Context
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.handler = New(s.publisher,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)
	s.ctx = context.Background()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) TestPublishesDerivedEvents() {
	c := change(record.OpInsert, nil, connectionImage("u1", "u2"))
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, envs ...events.Envelope) error {
			s.Require().Len(envs, 1)
			s.Equal(events.DetailConnectionCreated, envs[0].DetailType)
			return nil
		})

	s.NoError(s.handler.HandleChange(s.ctx, c))
}

func (s *HandlerSuite) TestNoEventsNoPublish() {
	c := change(record.OpRemove, connectionImage("u1", "u2"), nil)
	s.NoError(s.handler.HandleChange(s.ctx, c))
}

func (s *HandlerSuite) TestPublishFailureFailsInvocation() {
	c := change(record.OpModify, profileImage("u1", 1), profileImage("u1", 2))
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("bus unavailable"))

	err := s.handler.HandleChange(s.ctx, c)
	s.Require().Error(err)
	s.Contains(err.Error(), "bus unavailable")
}

func (s *HandlerSuite) TestConsumeDecodesChanges() {
	c := change(record.OpInsert, nil, connectionImage("u1", "u2"))
	raw, err := json.Marshal(c)
	s.Require().NoError(err)

	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)
	s.NoError(s.handler.Consume(s.ctx, &consumer.Message{Topic: "graph.record-changes", Value: raw}))

	s.Run("malformed entries are skipped", func() {
		s.NoError(s.handler.Consume(s.ctx, &consumer.Message{Value: []byte("{")}))
	})
}
