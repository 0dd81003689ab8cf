// Package scheduler coordinates the relational store, the Redis job
// store and the timer registry for schedule, cancel and reschedule
// requests. It enforces the scheduling invariants (no duplicate
// schedule, no past deadline, exactly one recipient mode) and leaves
// partial state behind only where documented.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"notify-scheduler/internal/jobstore"
	"notify-scheduler/internal/model"
	"notify-scheduler/internal/repository/notification"
)

var (
	ErrPastDeadline       = errors.New("scheduled time is in the past")
	ErrAlreadyScheduled   = errors.New("notification already scheduled")
	ErrMissingRecipient   = errors.New("userId is required unless broadcast")
	ErrBroadcastRecipient = errors.New("userId must be empty for broadcast")
	ErrEmptyBatch         = errors.New("batch has no recipients")
)

type jobRepository interface {
	CreateJob(ctx context.Context, job model.Job) error
	CreateJobs(ctx context.Context, jobs []model.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListByCorrelation(ctx context.Context, resourceID, resourceType string) ([]model.Job, error)
	ListPending(ctx context.Context, filter notification.PendingFilter) ([]model.Job, error)
	RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	UpdateScheduleTx(ctx context.Context, tx *sql.Tx, id string, runAt time.Time, metadata json.RawMessage) error
}

type jobStore interface {
	Create(ctx context.Context, job model.Job) error
	Put(ctx context.Context, job model.Job) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	All(ctx context.Context) ([]model.Job, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type timerRegistry interface {
	Arm(id string, delay time.Duration, fn func())
	Cancel(id string)
}

type deliveryPipeline interface {
	Deliver(ctx context.Context, job model.Job, durable bool)
}

// Batch is one message body scheduled for several recipients, each
// getting their own generated job id and secondary addresses.
type Batch struct {
	Recipients          []Recipient
	Title               string
	Content             string
	Description         *string
	Type                string
	Category            string
	Priority            string
	RelatedResourceID   *string
	RelatedResourceType *string
	ActionURL           *string
	Metadata            json.RawMessage
	RunAt               *time.Time
	RetryCount          int
	MaxRetries          int
}

// Recipient addresses one member of a batch.
type Recipient struct {
	UserID   string
	Email    *string
	WhatsApp *string
}

// Service orchestrates the scheduled-delivery subsystem.
type Service struct {
	repo     jobRepository
	store    jobStore
	timers   timerRegistry
	pipeline deliveryPipeline
}

// NewService wires the scheduler.
func NewService(repo jobRepository, store jobStore, timers timerRegistry, pipeline deliveryPipeline) *Service {
	return &Service{repo: repo, store: store, timers: timers, pipeline: pipeline}
}

// Schedule accepts one job. Without a run time it is delivered
// immediately and never persisted; with one, the relational row and
// the job-store entry are written before a timer is armed. Returns the
// accepted job and the computed delay.
func (s *Service) Schedule(ctx context.Context, job model.Job) (model.Job, time.Duration, error) {
	if err := validateAddressing(job); err != nil {
		return model.Job{}, 0, err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if !job.Timed() {
		s.pipeline.Deliver(ctx, job, false)
		return job, 0, nil
	}

	delay := time.Until(*job.RunAt)
	if delay < 0 {
		return model.Job{}, 0, ErrPastDeadline
	}

	exists, err := s.store.Exists(ctx, job.ID)
	if err != nil {
		return model.Job{}, 0, fmt.Errorf("check existing job: %w", err)
	}
	if exists {
		return model.Job{}, 0, ErrAlreadyScheduled
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return model.Job{}, 0, fmt.Errorf("create notification: %w", err)
	}

	if err := s.store.Create(ctx, job); err != nil {
		// Unwind the relational row so a failed schedule leaves no
		// partial state behind.
		if delErr := s.repo.DeleteJob(ctx, job.ID); delErr != nil {
			zlog.Logger.Error().Err(delErr).Str("id", job.ID).Msg("failed to unwind notification row after job store failure")
		}
		if errors.Is(err, jobstore.ErrJobExists) {
			return model.Job{}, 0, ErrAlreadyScheduled
		}
		return model.Job{}, 0, fmt.Errorf("store job: %w", err)
	}

	s.arm(job, delay)

	zlog.Logger.Info().Str("id", job.ID).Dur("delay", delay).Msg("notification scheduled")

	return job, delay, nil
}

// ScheduleMany fans one message body out to every recipient. On the
// timed path the relational batch insert happens first and aborts the
// whole batch on failure, before any timer is armed; per-recipient
// job-store duplicates are silently replaced. Returns the number of
// accepted jobs.
func (s *Service) ScheduleMany(ctx context.Context, batch Batch) (int, error) {
	if len(batch.Recipients) == 0 {
		return 0, ErrEmptyBatch
	}

	var delay time.Duration
	if batch.RunAt != nil {
		delay = time.Until(*batch.RunAt)
		if delay < 0 {
			return 0, ErrPastDeadline
		}
	}

	jobs := make([]model.Job, 0, len(batch.Recipients))
	for _, r := range batch.Recipients {
		userID := r.UserID
		jobs = append(jobs, model.Job{
			ID:                  uuid.NewString(),
			UserID:              &userID,
			IsBroadcast:         false,
			Title:               batch.Title,
			Content:             batch.Content,
			Description:         batch.Description,
			Type:                batch.Type,
			Category:            batch.Category,
			Priority:            batch.Priority,
			RelatedResourceID:   batch.RelatedResourceID,
			RelatedResourceType: batch.RelatedResourceType,
			ActionURL:           batch.ActionURL,
			Metadata:            batch.Metadata,
			Email:               r.Email,
			WhatsApp:            r.WhatsApp,
			RetryCount:          batch.RetryCount,
			MaxRetries:          batch.MaxRetries,
			RunAt:               batch.RunAt,
		})
	}

	if batch.RunAt == nil {
		for _, job := range jobs {
			s.pipeline.Deliver(ctx, job, false)
		}
		return len(jobs), nil
	}

	if err := s.repo.CreateJobs(ctx, jobs); err != nil {
		return 0, fmt.Errorf("create notification batch: %w", err)
	}

	accepted := 0
	for _, job := range jobs {
		// Put overwrites: the batch path tolerates replacing a
		// previously scheduled duplicate id.
		if err := s.store.Put(ctx, job); err != nil {
			return accepted, fmt.Errorf("store job %s: %w", job.ID, err)
		}
		s.arm(job, delay)
		accepted++
	}

	zlog.Logger.Info().Int("count", accepted).Dur("delay", delay).Msg("notification batch scheduled")

	return accepted, nil
}

// Cancel removes a scheduled job: timer first, then the job store,
// then the relational row. The relational delete is best-effort so a
// missing audit row never blocks cancellation.
func (s *Service) Cancel(ctx context.Context, id string) error {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check existing job: %w", err)
	}
	if !exists {
		return jobstore.ErrJobNotFound
	}

	s.timers.Cancel(id)

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if err := s.repo.DeleteJob(ctx, id); err != nil {
		zlog.Logger.Warn().Err(err).Str("id", id).Msg("failed to delete notification row on cancel")
	}

	zlog.Logger.Info().Str("id", id).Msg("notification cancelled")

	return nil
}

// RescheduleByCorrelation moves every still-scheduled job matching the
// correlation pair to a new fire time, updating metadata in place. All
// relational updates run in one transaction: if any record fails the
// delay re-validation the whole batch rolls back and no timer moves.
// Returns the number of rescheduled jobs.
func (s *Service) RescheduleByCorrelation(ctx context.Context, resourceID, resourceType string, runAt time.Time, metadata json.RawMessage) (int, error) {
	if time.Until(runAt) < 0 {
		return 0, ErrPastDeadline
	}

	records, err := s.repo.ListByCorrelation(ctx, resourceID, resourceType)
	if err != nil {
		return 0, fmt.Errorf("list related notifications: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	// Only jobs still armed in the job store are eligible; rows whose
	// delivery already fired (or was cancelled) are skipped.
	eligible := make([]model.Job, 0, len(records))
	for _, rec := range records {
		exists, err := s.store.Exists(ctx, rec.ID)
		if err != nil {
			return 0, fmt.Errorf("check existing job: %w", err)
		}
		if exists {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	err = s.repo.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range eligible {
			if time.Until(runAt) < 0 {
				return ErrPastDeadline
			}
			if err := s.repo.UpdateScheduleTx(ctx, tx, rec.ID, runAt, metadata); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range eligible {
		job := eligible[i]
		job.RunAt = &runAt
		job.Metadata = metadata

		s.timers.Cancel(job.ID)

		if err := s.store.Delete(ctx, job.ID); err != nil {
			zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to drop stale job store entry on reschedule")
		}
		if err := s.store.Put(ctx, job); err != nil {
			zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to refresh job store entry on reschedule")
			continue
		}

		s.arm(job, time.Until(runAt))
	}

	zlog.Logger.Info().Int("count", len(eligible)).Time("runAt", runAt).Msg("notifications rescheduled")

	return len(eligible), nil
}

// ListScheduled returns the full in-flight set from the job store.
func (s *Service) ListScheduled(ctx context.Context) ([]model.Job, error) {
	jobs, err := s.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}

	return jobs, nil
}

// ListPending returns a page of scheduled rows from the relational store.
func (s *Service) ListPending(ctx context.Context, filter notification.PendingFilter) ([]model.Job, error) {
	jobs, err := s.repo.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}

	return jobs, nil
}

// JobCount returns the job-store index cardinality.
func (s *Service) JobCount(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// Healthy reports whether the job store is reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

func (s *Service) arm(job model.Job, delay time.Duration) {
	s.timers.Arm(job.ID, delay, func() {
		// The request context is long gone when the timer fires.
		s.pipeline.Deliver(context.Background(), job, true)
	})
}

func validateAddressing(job model.Job) error {
	hasUser := job.UserID != nil && *job.UserID != ""

	if !job.IsBroadcast && !hasUser {
		return ErrMissingRecipient
	}
	if job.IsBroadcast && hasUser {
		return ErrBroadcastRecipient
	}

	return nil
}
