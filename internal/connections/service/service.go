// Package service implements the attendee-facing connection workflow:
// requests, approval, edge annotation and removal.
//
// Approval writes both directional edges and both counter increments before
// the request is marked APPROVED. Each step is idempotent (edges are created
// only when absent, increments are guarded by the request id), so a failed
// approval is completed by calling Approve again.
//
// Removal deletes only the caller's edge and publishes ConnectionRemoved; the
// reciprocal edge and the counters are repaired by the reconciler.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"confconnect/internal/bus"
	connmetrics "confconnect/internal/connections/metrics"
	"confconnect/internal/events"
	"confconnect/internal/graph/models"
	dErrors "confconnect/pkg/domain-errors"
	"confconnect/pkg/platform/sentinel"
	"confconnect/pkg/platform/strings"
	"confconnect/pkg/requestcontext"
)

// GraphStore is the subset of the graph repository the workflow needs.
type GraphStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	GetConnection(ctx context.Context, owner, other string) (*models.Connection, error)
	ListConnections(ctx context.Context, owner string) ([]*models.Connection, error)
	CreateConnection(ctx context.Context, c *models.Connection) error
	PutConnection(ctx context.Context, c *models.Connection) error
	UpdateConnection(ctx context.Context, owner, other string, fn func(c *models.Connection) error) (*models.Connection, error)
	DeleteConnection(ctx context.Context, owner, other string) error
	AdjustConnectionCount(ctx context.Context, userID string, delta int, guard string) (*models.User, bool, error)
	CreateRequest(ctx context.Context, req *models.ConnectionRequest) error
	GetRequest(ctx context.Context, requestID string) (*models.ConnectionRequest, error)
	TransitionRequest(ctx context.Context, requestID string, next models.RequestStatus, now time.Time) (*models.ConnectionRequest, error)
}

// edgeNamespace derives stable edge ids from the approving request.
var edgeNamespace = uuid.MustParse("5c1f7a2e-8d43-4b6a-9f0e-2a7d9c31b4e8")

type Service struct {
	graph     GraphStore
	publisher bus.Publisher
	logger    *slog.Logger
	metrics   *connmetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *connmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(graph GraphStore, publisher bus.Publisher, opts ...Option) *Service {
	s := &Service{graph: graph, publisher: publisher, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequestInput carries the fields of a new connection request.
type CreateRequestInput struct {
	Recipient string
	Note      string
	Tags      []string
}

// UpdateConnectionInput replaces the annotations on an edge. Nil fields are
// left unchanged.
type UpdateConnectionInput struct {
	Tags *[]string
	Note *string
}

// RegisterUser creates the caller's profile.
func (s *Service) RegisterUser(ctx context.Context, userID, displayName string) (*models.User, error) {
	if userID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "caller identity is required")
	}
	if displayName == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "displayName is required")
	}
	user := models.NewUser(userID, displayName, requestcontext.Now(ctx))
	if err := s.graph.CreateUser(ctx, user); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "user already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.graph.GetUser(ctx, userID)
	if err != nil {
		return nil, wrapStoreErr(err, "user not found", "failed to load user")
	}
	return user, nil
}

// GetBadges returns the user's badges in earn order.
func (s *Service) GetBadges(ctx context.Context, userID string) ([]models.Badge, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Badges, nil
}

func (s *Service) CreateRequest(ctx context.Context, initiator string, in CreateRequestInput) (*models.ConnectionRequest, error) {
	now := requestcontext.Now(ctx)
	tags := strings.NormalizeTags(in.Tags)
	req, err := models.NewConnectionRequest(uuid.NewString(), initiator, in.Recipient, in.Note, tags, now)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{initiator, in.Recipient} {
		if _, err := s.graph.GetUser(ctx, id); err != nil {
			return nil, wrapStoreErr(err, "user "+id+" not found", "failed to load user")
		}
	}
	if _, err := s.graph.GetConnection(ctx, initiator, in.Recipient); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "users are already connected")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check existing connection")
	}
	if err := s.graph.CreateRequest(ctx, req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create request")
	}
	s.metrics.IncRequestsCreated()
	return req, nil
}

// GetRequest returns the request if caller is one of its participants.
func (s *Service) GetRequest(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error) {
	req, err := s.graph.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrapStoreErr(err, "request not found", "failed to load request")
	}
	if caller != req.Initiator && caller != req.Recipient {
		return nil, dErrors.New(dErrors.CodeForbidden, "not a participant of this request")
	}
	return req, nil
}

// Approve connects the request's participants. Only the recipient may approve.
// The request stays PENDING until every write has landed, so a failed attempt
// is finished by approving again. Approving an APPROVED request is a no-op.
func (s *Service) Approve(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error) {
	req, err := s.GetRequest(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	if caller != req.Recipient {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the recipient can approve a request")
	}
	switch req.Status {
	case models.RequestStatusApproved:
		return req, nil
	case models.RequestStatusPending:
	default:
		return nil, dErrors.New(dErrors.CodeInvalidState, "request is already "+string(req.Status))
	}

	now := requestcontext.Now(ctx)
	edges := []*models.Connection{
		models.NewConnection(edgeID(req.ID, req.Initiator), req.Initiator, req.Recipient, req.Tags, req.Note, now),
		models.NewConnection(edgeID(req.ID, req.Recipient), req.Recipient, req.Initiator, nil, "", now),
	}
	for _, edge := range edges {
		if err := s.graph.CreateConnection(ctx, edge); err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create connection")
		}
	}
	guard := "approve:" + req.ID
	for _, userID := range []string{req.Initiator, req.Recipient} {
		if _, _, err := s.graph.AdjustConnectionCount(ctx, userID, 1, guard); err != nil {
			return nil, wrapStoreErr(err, "user "+userID+" not found", "failed to update connection count")
		}
	}

	approved, err := s.transition(ctx, req.ID, models.RequestStatusApproved)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "connection request approved",
		"request_id", req.ID,
		"user_id", req.Initiator,
		"connected_user_id", req.Recipient,
	)
	return approved, nil
}

// Deny rejects a pending request. Only the recipient may deny.
func (s *Service) Deny(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error) {
	req, err := s.GetRequest(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	if caller != req.Recipient {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the recipient can deny a request")
	}
	return s.transition(ctx, req.ID, models.RequestStatusDenied)
}

// Cancel withdraws a pending request. Only the initiator may cancel.
func (s *Service) Cancel(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error) {
	req, err := s.GetRequest(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	if caller != req.Initiator {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the initiator can cancel a request")
	}
	return s.transition(ctx, req.ID, models.RequestStatusCancelled)
}

func (s *Service) transition(ctx context.Context, requestID string, next models.RequestStatus) (*models.ConnectionRequest, error) {
	req, err := s.graph.TransitionRequest(ctx, requestID, next, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidState, "request is no longer pending")
		}
		return nil, wrapStoreErr(err, "request not found", "failed to update request")
	}
	s.metrics.IncRequestsResolved(string(next))
	return req, nil
}

func (s *Service) ListConnections(ctx context.Context, caller string) ([]*models.Connection, error) {
	conns, err := s.graph.ListConnections(ctx, caller)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list connections")
	}
	return conns, nil
}

// UpdateConnection replaces the tags and/or note on the caller's own edge.
func (s *Service) UpdateConnection(ctx context.Context, caller, other string, in UpdateConnectionInput) (*models.Connection, error) {
	if in.Tags == nil && in.Note == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "nothing to update")
	}
	now := requestcontext.Now(ctx)
	conn, err := s.graph.UpdateConnection(ctx, caller, other, func(c *models.Connection) error {
		if in.Tags != nil {
			c.Tags = strings.NormalizeTags(*in.Tags)
			if c.Tags == nil {
				c.Tags = []string{}
			}
		}
		if in.Note != nil {
			c.Note = *in.Note
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "connection not found", "failed to update connection")
	}
	return conn, nil
}

// RemoveConnection deletes the caller's edge to other and announces it with
// ConnectionRemoved. When the announcement cannot be published the edge is
// written back and an error returned, so the caller can simply retry.
func (s *Service) RemoveConnection(ctx context.Context, caller, other string) error {
	conn, err := s.graph.GetConnection(ctx, caller, other)
	if err != nil {
		return wrapStoreErr(err, "connection not found", "failed to load connection")
	}
	if err := s.graph.DeleteConnection(ctx, caller, other); err != nil {
		return wrapStoreErr(err, "connection not found", "failed to delete connection")
	}

	env, err := events.NewEnvelope(events.DetailConnectionRemoved, events.ConnectionRemoved{
		UserID:          caller,
		ConnectedUserID: other,
		ConnectionID:    conn.ID,
		Timestamp:       requestcontext.Now(ctx),
	}, events.NewDeliveryID())
	if err == nil {
		err = s.publisher.Publish(ctx, env)
	}
	if err != nil {
		s.metrics.IncRemovalPublishFails()
		if restoreErr := s.graph.PutConnection(ctx, conn); restoreErr != nil {
			s.logger.ErrorContext(ctx, "failed to restore connection after publish failure",
				"user_id", caller,
				"connected_user_id", other,
				"error", restoreErr,
			)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to publish connection removal")
	}

	s.metrics.IncConnectionsRemoved()
	s.logger.InfoContext(ctx, "connection removed",
		"user_id", caller,
		"connected_user_id", other,
		"delivery_id", env.DeliveryID,
	)
	return nil
}

func edgeID(requestID, owner string) string {
	return uuid.NewSHA1(edgeNamespace, []byte(requestID+"/"+owner)).String()
}

func wrapStoreErr(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, notFoundMsg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internalMsg)
}
