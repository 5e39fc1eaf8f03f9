package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"confconnect/internal/connections/service"
	"confconnect/internal/graph/models"
	"confconnect/internal/platform/httpserver"
	"confconnect/internal/platform/metrics"
	"confconnect/internal/platform/middleware"
	dErrors "confconnect/pkg/domain-errors"
	"confconnect/pkg/platform/httputil"
	"confconnect/pkg/requestcontext"
)

// Service defines the connection workflow operations exposed over HTTP.
type Service interface {
	RegisterUser(ctx context.Context, userID, displayName string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetBadges(ctx context.Context, userID string) ([]models.Badge, error)
	CreateRequest(ctx context.Context, initiator string, in service.CreateRequestInput) (*models.ConnectionRequest, error)
	GetRequest(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error)
	Approve(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error)
	Deny(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error)
	Cancel(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error)
	ListConnections(ctx context.Context, caller string) ([]*models.Connection, error)
	UpdateConnection(ctx context.Context, caller, other string, in service.UpdateConnectionInput) (*models.Connection, error)
	RemoveConnection(ctx context.Context, caller, other string) error
}

// Handler serves the /v1 connection routes.
type Handler struct {
	svc     Service
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(svc Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, logger: logger, metrics: m}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(middleware.Timeout(httpserver.RequestBudget))
		v1.Use(middleware.Latency(h.metrics))
		v1.Use(middleware.RequireUser(h.logger))

		v1.Post("/users", h.handleRegisterUser)
		v1.Get("/users/{id}", h.handleGetUser)
		v1.Get("/users/{id}/badges", h.handleGetBadges)

		v1.Post("/requests", h.handleCreateRequest)
		v1.Get("/requests/{id}", h.handleGetRequest)
		v1.Post("/requests/{id}/approve", h.handleApprove)
		v1.Post("/requests/{id}/deny", h.handleDeny)
		v1.Post("/requests/{id}/cancel", h.handleCancel)

		v1.Get("/connections", h.handleListConnections)
		v1.Patch("/connections/{otherId}", h.handleUpdateConnection)
		v1.Delete("/connections/{otherId}", h.handleRemoveConnection)
	})
}

type registerUserRequest struct {
	DisplayName string `json:"displayName"`
}

type createRequestRequest struct {
	Recipient string   `json:"recipient"`
	Note      string   `json:"note"`
	Tags      []string `json:"tags"`
}

type updateConnectionRequest struct {
	Tags *[]string `json:"tags"`
	Note *string   `json:"note"`
}

type badgesResponse struct {
	UserID string         `json:"userId"`
	Badges []models.Badge `json:"badges"`
}

type connectionsResponse struct {
	Connections []*models.Connection `json:"connections"`
}

func (h *Handler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var body registerUserRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.RegisterUser(r.Context(), middleware.GetUserID(r), body.DisplayName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *Handler) handleGetBadges(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	badges, err := h.svc.GetBadges(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, badgesResponse{UserID: userID, Badges: badges})
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.svc.CreateRequest(r.Context(), middleware.GetUserID(r), service.CreateRequestInput{
		Recipient: body.Recipient,
		Note:      body.Note,
		Tags:      body.Tags,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, h.svc.GetRequest)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, h.svc.Approve)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, h.svc.Deny)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, h.svc.Cancel)
}

func (h *Handler) requestAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, caller, requestID string) (*models.ConnectionRequest, error)) {
	req, err := action(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.svc.ListConnections(r.Context(), middleware.GetUserID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, connectionsResponse{Connections: conns})
}

func (h *Handler) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var body updateConnectionRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	conn, err := h.svc.UpdateConnection(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "otherId"),
		service.UpdateConnectionInput{Tags: body.Tags, Note: body.Note})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, conn)
}

func (h *Handler) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveConnection(r.Context(), middleware.GetUserID(r), chi.URLParam(r, "otherId")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail logs at a level matching the error class and writes the envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx),
		"path", r.URL.Path,
		"error", err,
	}
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}
