package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"notify-scheduler/internal/api/dto"
	"notify-scheduler/internal/api/respond"
	"notify-scheduler/internal/config"
	"notify-scheduler/internal/jobstore"
	"notify-scheduler/internal/model"
	"notify-scheduler/internal/repository/notification"
	"notify-scheduler/internal/scheduler"
)

type schedulerService interface {
	Schedule(ctx context.Context, job model.Job) (model.Job, time.Duration, error)
	ScheduleMany(ctx context.Context, batch scheduler.Batch) (int, error)
	Cancel(ctx context.Context, id string) error
	RescheduleByCorrelation(ctx context.Context, resourceID, resourceType string, runAt time.Time, metadata json.RawMessage) (int, error)
	ListScheduled(ctx context.Context) ([]model.Job, error)
	ListPending(ctx context.Context, filter notification.PendingFilter) ([]model.Job, error)
}

type Handler struct {
	service   schedulerService
	validator *validator.Validate
	cfg       *config.Config
}

func NewHandler(
	s schedulerService,
	v *validator.Validate,
	cfg *config.Config,
) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// Schedule queues one notification, or delivers it immediately when no
// runAt is given.
func (h *Handler) Schedule(c *ginext.Context) {
	var req dto.ScheduleRequest

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

	if !dto.ValidMetadata(req.Metadata) {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("metadata must be a JSON object or array"))
		return
	}

	runAt, err := parseRunAt(req.RunAt)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = h.cfg.Delivery.DefaultMaxRetries
	}

	job := model.Job{
		ID:                  req.ID,
		UserID:              req.UserID,
		IsBroadcast:         req.IsBroadcast,
		Title:               req.Title,
		Content:             req.Content,
		Description:         req.Description,
		Type:                req.Type,
		Category:            req.Category,
		Priority:            req.Priority,
		RelatedResourceID:   req.RelatedResourceID,
		RelatedResourceType: req.RelatedResourceType,
		ActionURL:           req.ActionURL,
		Metadata:            req.Metadata,
		Email:               req.Email,
		WhatsApp:            req.WhatsApp,
		RetryCount:          req.RetryCount,
		MaxRetries:          maxRetries,
		RunAt:               runAt,
	}

	accepted, delay, err := h.service.Schedule(c.Request.Context(), job)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			zlog.Logger.Error().Err(err).Str("title", req.Title).Msg("failed to schedule notification")
			respond.Fail(c.Writer, status, fmt.Errorf("internal server error"))
			return
		}
		respond.Fail(c.Writer, status, err)
		return
	}

	respond.Created(c.Writer, map[string]interface{}{
		"id":      accepted.ID,
		"delayMs": delay.Milliseconds(),
	})
}

// ScheduleMany queues one message body for a list of recipients.
func (h *Handler) ScheduleMany(c *ginext.Context) {
	var req dto.ScheduleManyRequest

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

	if !dto.ValidMetadata(req.Metadata) {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("metadata must be a JSON object or array"))
		return
	}

	runAt, err := parseRunAt(req.RunAt)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = h.cfg.Delivery.DefaultMaxRetries
	}

	recipients := make([]scheduler.Recipient, 0, len(req.Users))
	for _, u := range req.Users {
		recipients = append(recipients, scheduler.Recipient{
			UserID:   u.UserID,
			Email:    u.Email,
			WhatsApp: u.WhatsApp,
		})
	}

	batch := scheduler.Batch{
		Recipients:          recipients,
		Title:               req.Title,
		Content:             req.Content,
		Description:         req.Description,
		Type:                req.Type,
		Category:            req.Category,
		Priority:            req.Priority,
		RelatedResourceID:   req.RelatedResourceID,
		RelatedResourceType: req.RelatedResourceType,
		ActionURL:           req.ActionURL,
		Metadata:            req.Metadata,
		RunAt:               runAt,
		RetryCount:          req.RetryCount,
		MaxRetries:          maxRetries,
	}

	count, err := h.service.ScheduleMany(c.Request.Context(), batch)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			zlog.Logger.Error().Err(err).Str("title", req.Title).Msg("failed to schedule notification batch")
			respond.Fail(c.Writer, status, fmt.Errorf("internal server error"))
			return
		}
		respond.Fail(c.Writer, status, err)
		return
	}

	respond.Created(c.Writer, map[string]interface{}{"count": count})
}

// Cancel removes a scheduled notification by the notifId query param.
func (h *Handler) Cancel(c *ginext.Context) {
	id := c.Query("notifId")
	if id == "" {
		zlog.Logger.Warn().Msg("missing notifId")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing notifId"))
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			zlog.Logger.Warn().Str("id", id).Msg("scheduled notification not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("scheduled notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id).Msg("failed to cancel notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "notification cancelled")
}

// Reschedule moves every scheduled notification matching the
// correlation pair to a new fire time.
func (h *Handler) Reschedule(c *ginext.Context) {
	var req dto.RescheduleRequest

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

	if !dto.ValidMetadata(req.Metadata) {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("metadata must be a JSON object or array"))
		return
	}

	runAt, err := time.Parse(time.RFC3339, req.RunAt)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid runAt: %s", err.Error()))
		return
	}

	count, err := h.service.RescheduleByCorrelation(
		c.Request.Context(),
		req.RelatedResourceID,
		req.RelatedResourceType,
		runAt,
		req.Metadata,
	)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			zlog.Logger.Error().Err(err).
				Str("resourceId", req.RelatedResourceID).
				Str("resourceType", req.RelatedResourceType).
				Msg("failed to reschedule notifications")
			respond.Fail(c.Writer, status, fmt.Errorf("internal server error"))
			return
		}
		respond.Fail(c.Writer, status, err)
		return
	}

	respond.OK(c.Writer, map[string]interface{}{"count": count})
}

// List returns every job currently in the job store.
func (h *Handler) List(c *ginext.Context) {
	jobs, err := h.service.ListScheduled(c.Request.Context())
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to list scheduled notifications")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, jobs)
}

// ListPending returns a filtered page of scheduled rows from the
// relational store.
func (h *Handler) ListPending(c *ginext.Context) {
	filter := notification.PendingFilter{
		UserID:   c.Query("userId"),
		Category: c.Query("category"),
		Type:     c.Query("type"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}

	jobs, err := h.service.ListPending(c.Request.Context(), filter)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to list pending notifications")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, jobs)
}

func parseRunAt(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, fmt.Errorf("invalid runAt: %s", err.Error())
	}

	return &t, nil
}

func intQuery(c *ginext.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}

	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrPastDeadline),
		errors.Is(err, scheduler.ErrMissingRecipient),
		errors.Is(err, scheduler.ErrBroadcastRecipient),
		errors.Is(err, scheduler.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrAlreadyScheduled):
		return http.StatusConflict
	case errors.Is(err, jobstore.ErrJobNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
