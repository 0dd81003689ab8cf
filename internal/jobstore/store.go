package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/wb-go/wbf/retry"

	"notify-scheduler/internal/model"
)

const (
	jobsKey   = "notifications:jobs" // sorted set for time-based queries
	jobPrefix = "notifications:job:" // hash per job
)

var (
	ErrJobNotFound = errors.New("job not found in store")
	ErrJobExists   = errors.New("job already scheduled")
)

// Store keeps scheduled jobs in Redis: one hash per job plus a sorted
// set scored by run_at epoch milliseconds. It is the fast source of
// truth for "is this job still pending / cancellable". Operations on
// different ids are safe to call concurrently; callers serialize
// operations on the same id.
type Store struct {
	client   *redis.Client
	strategy retry.Strategy
}

// New creates a job store on top of an established Redis connection.
func New(client *redis.Client, strategy retry.Strategy) *Store {
	return &Store{client: client, strategy: strategy}
}

// Create persists a job that must not already exist. The duplicate
// check protects the single-schedule path; batch paths use Put.
func (s *Store) Create(ctx context.Context, job model.Job) error {
	exists, err := s.Exists(ctx, job.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrJobExists
	}

	return s.Put(ctx, job)
}

// Put persists a job, overwriting any previous entry for the same id.
func (s *Store) Put(ctx context.Context, job model.Job) error {
	if job.RunAt == nil {
		return fmt.Errorf("job %s has no run time", job.ID)
	}

	fields := marshalJob(job)
	score := float64(job.RunAt.UnixMilli())

	err := retry.DoContext(ctx, s.strategy, func() error {
		return s.client.HSet(ctx, jobPrefix+job.ID, fields).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}

	err = retry.DoContext(ctx, s.strategy, func() error {
		return s.client.ZAdd(ctx, jobsKey, &redis.Z{Score: score, Member: job.ID}).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to index job %s: %w", job.ID, err)
	}

	return nil
}

// Get retrieves the full job or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	data, err := s.client.HGetAll(ctx, jobPrefix+id).Result()
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if len(data) == 0 {
		return model.Job{}, ErrJobNotFound
	}

	return unmarshalJob(data)
}

// Delete removes the job record and its time-index entry. Deleting an
// absent id is not an error: both cancel and post-delivery cleanup may
// race to remove the same job.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := retry.DoContext(ctx, s.strategy, func() error {
		return s.client.ZRem(ctx, jobsKey, id).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to unindex job %s: %w", id, err)
	}

	err = retry.DoContext(ctx, s.strategy, func() error {
		return s.client.Del(ctx, jobPrefix+id).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	return nil
}

// Exists is a cheap existence check independent of Get.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, jobPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check job %s: %w", id, err)
	}

	return n == 1, nil
}

// ListByTimeRange returns all jobs whose fire time is at or before the
// bound, ascending. Diagnostics only; restore reads the relational
// store instead.
func (s *Store) ListByTimeRange(ctx context.Context, before time.Time) ([]model.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, jobsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range jobs: %w", err)
	}

	return s.hydrate(ctx, ids)
}

// All returns the full in-flight set ordered by fire time.
func (s *Store) All(ctx context.Context) ([]model.Job, error) {
	ids, err := s.client.ZRange(ctx, jobsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return s.hydrate(ctx, ids)
}

// Count returns the number of indexed jobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, jobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	return n, nil
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) hydrate(ctx context.Context, ids []string) ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// index entry outlived the hash, skip
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func marshalJob(job model.Job) map[string]interface{} {
	fields := map[string]interface{}{
		"id":                  job.ID,
		"userId":              derefString(job.UserID),
		"isBroadcast":         strconv.FormatBool(job.IsBroadcast),
		"title":               job.Title,
		"content":             job.Content,
		"description":         derefString(job.Description),
		"type":                job.Type,
		"category":            job.Category,
		"priority":            job.Priority,
		"relatedResourceId":   derefString(job.RelatedResourceID),
		"relatedResourceType": derefString(job.RelatedResourceType),
		"actionUrl":           derefString(job.ActionURL),
		"metadata":            string(job.Metadata),
		"email":               derefString(job.Email),
		"whatsApp":            derefString(job.WhatsApp),
		"retryCount":          job.RetryCount,
		"maxRetries":          job.MaxRetries,
		"runAt":               job.RunAt.UTC().Format(time.RFC3339Nano),
	}

	return fields
}

func unmarshalJob(data map[string]string) (model.Job, error) {
	job := model.Job{
		ID:                  data["id"],
		UserID:              optString(data["userId"]),
		IsBroadcast:         data["isBroadcast"] == "true",
		Title:               data["title"],
		Content:             data["content"],
		Description:         optString(data["description"]),
		Type:                data["type"],
		Category:            data["category"],
		Priority:            data["priority"],
		RelatedResourceID:   optString(data["relatedResourceId"]),
		RelatedResourceType: optString(data["relatedResourceType"]),
		ActionURL:           optString(data["actionUrl"]),
		Email:               optString(data["email"]),
		WhatsApp:            optString(data["whatsApp"]),
	}

	if raw := data["metadata"]; raw != "" {
		job.Metadata = []byte(raw)
	}

	retryCount, err := strconv.Atoi(data["retryCount"])
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to parse retryCount for job %s: %w", job.ID, err)
	}
	job.RetryCount = retryCount

	maxRetries, err := strconv.Atoi(data["maxRetries"])
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to parse maxRetries for job %s: %w", job.ID, err)
	}
	job.MaxRetries = maxRetries

	runAt, err := time.Parse(time.RFC3339Nano, data["runAt"])
	if err != nil {
		return model.Job{}, fmt.Errorf("failed to parse runAt for job %s: %w", job.ID, err)
	}
	job.RunAt = &runAt

	return job, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
