package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"notify-scheduler/internal/api/dto"
	"notify-scheduler/internal/api/respond"
	"notify-scheduler/internal/model"
)

type schedulerService interface {
	JobCount(ctx context.Context) (int64, error)
	Healthy(ctx context.Context) bool
}

type presenceManager interface {
	SetActive(ctx context.Context, userID, connectionID string) error
	RemoveByConnection(ctx context.Context, connectionID string) error
	All(ctx context.Context) ([]model.ActiveUser, error)
	Count(ctx context.Context) (int64, error)
}

type Handler struct {
	service   schedulerService
	presence  presenceManager
	validator *validator.Validate
}

func NewHandler(s schedulerService, p presenceManager, v *validator.Validate) *Handler {
	return &Handler{service: s, presence: p, validator: v}
}

// Health reports job-store reachability and the size of the pending set.
func (h *Handler) Health(c *ginext.Context) {
	ctx := c.Request.Context()

	if !h.service.Healthy(ctx) {
		respond.Fail(c.Writer, http.StatusServiceUnavailable, fmt.Errorf("job store unreachable"))
		return
	}

	count, err := h.service.JobCount(ctx)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to count scheduled jobs")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, map[string]interface{}{
		"status":        "ok",
		"scheduledJobs": count,
	})
}

// ActiveUsers lists every user with a live realtime connection.
func (h *Handler) ActiveUsers(c *ginext.Context) {
	users, err := h.presence.All(c.Request.Context())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to list active users")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	count, err := h.presence.Count(c.Request.Context())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to count active users")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, map[string]interface{}{
		"count": count,
		"users": users,
	})
}

// Connect registers a realtime connection for a user.
func (h *Handler) Connect(c *ginext.Context) {
	var req dto.PresenceRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	if err := h.presence.SetActive(c.Request.Context(), req.UserID, req.ConnectionID); err != nil {
		zlog.Logger.Error().Err(err).Str("userId", req.UserID).Msg("failed to register connection")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "connection registered")
}

// Disconnect removes the presence entry for a closed connection.
func (h *Handler) Disconnect(c *ginext.Context) {
	connectionID := c.Query("connectionId")
	if connectionID == "" {
		zlog.Logger.Warn().Msg("missing connectionId")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing connectionId"))
		return
	}

	if err := h.presence.RemoveByConnection(c.Request.Context(), connectionID); err != nil {
		zlog.Logger.Error().Err(err).Str("connectionId", connectionID).Msg("failed to remove connection")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "connection removed")
}
