package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notify-scheduler/internal/jobstore"
	"notify-scheduler/internal/model"
	"notify-scheduler/internal/repository/notification"
)

type fakeRepo struct {
	mu sync.Mutex

	created   []model.Job
	deleted   []string
	related   []model.Job
	pending   []model.Job
	updated   []string
	createErr error
	batchErr  error
	txErr     error
	updateErr error
}

func (f *fakeRepo) CreateJob(_ context.Context, job model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, job)
	return nil
}

func (f *fakeRepo) CreateJobs(_ context.Context, jobs []model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.created = append(f.created, jobs...)
	return nil
}

func (f *fakeRepo) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRepo) ListByCorrelation(_ context.Context, _, _ string) ([]model.Job, error) {
	return f.related, nil
}

func (f *fakeRepo) ListPending(_ context.Context, _ notification.PendingFilter) ([]model.Job, error) {
	return f.pending, nil
}

func (f *fakeRepo) RunInTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	return fn(nil)
}

func (f *fakeRepo) UpdateScheduleTx(_ context.Context, _ *sql.Tx, id string, _ time.Time, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, id)
	return nil
}

type fakeStore struct {
	mu sync.Mutex

	jobs      map[string]model.Job
	createErr error
	existsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]model.Job)}
}

func (f *fakeStore) Create(_ context.Context, job model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.jobs[job.ID]; ok {
		return jobstore.ErrJobExists
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) Put(_ context.Context, job model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.jobs[id]
	return ok, nil
}

func (f *fakeStore) All(_ context.Context) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.jobs)), nil
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }

type fakeTimers struct {
	mu        sync.Mutex
	armed     map[string]time.Duration
	cancelled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]time.Duration)}
}

func (f *fakeTimers) Arm(id string, delay time.Duration, _ func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[id] = delay
}

func (f *fakeTimers) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, id)
	f.cancelled = append(f.cancelled, id)
}

type fakePipeline struct {
	mu        sync.Mutex
	delivered []model.Job
	durable   []bool
}

func (f *fakePipeline) Deliver(_ context.Context, job model.Job, durable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, job)
	f.durable = append(f.durable, durable)
}

func strPtr(s string) *string { return &s }

func setupService() (*Service, *fakeRepo, *fakeStore, *fakeTimers, *fakePipeline) {
	repo := &fakeRepo{}
	store := newFakeStore()
	timers := newFakeTimers()
	pipeline := &fakePipeline{}
	return NewService(repo, store, timers, pipeline), repo, store, timers, pipeline
}

func timedJob(runAt time.Time) model.Job {
	return model.Job{
		ID:         "job-1",
		UserID:     strPtr("user-1"),
		Title:      "Reminder",
		Content:    "Meeting soon",
		Type:       "reminder",
		Category:   "meetings",
		Priority:   "high",
		MaxRetries: 3,
		RunAt:      &runAt,
	}
}

func TestSchedule_Immediate(t *testing.T) {
	svc, repo, store, timers, pipeline := setupService()

	job := timedJob(time.Time{})
	job.RunAt = nil

	accepted, delay, err := svc.Schedule(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
	assert.Equal(t, "job-1", accepted.ID)

	// Send-now never persists anything.
	require.Len(t, pipeline.delivered, 1)
	assert.False(t, pipeline.durable[0])
	assert.Empty(t, repo.created)
	assert.Empty(t, store.jobs)
	assert.Empty(t, timers.armed)
}

func TestSchedule_GeneratesID(t *testing.T) {
	svc, _, _, _, pipeline := setupService()

	job := timedJob(time.Time{})
	job.ID = ""
	job.RunAt = nil

	accepted, _, err := svc.Schedule(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, accepted.ID, pipeline.delivered[0].ID)
}

func TestSchedule_Timed(t *testing.T) {
	svc, repo, store, timers, pipeline := setupService()

	runAt := time.Now().Add(time.Hour)
	_, delay, err := svc.Schedule(context.Background(), timedJob(runAt))
	require.NoError(t, err)

	assert.InDelta(t, time.Hour, delay, float64(time.Second))
	assert.Len(t, repo.created, 1)
	assert.Contains(t, store.jobs, "job-1")
	assert.Contains(t, timers.armed, "job-1")
	assert.Empty(t, pipeline.delivered)
}

func TestSchedule_PastDeadline(t *testing.T) {
	svc, repo, _, _, _ := setupService()

	_, _, err := svc.Schedule(context.Background(), timedJob(time.Now().Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrPastDeadline)
	assert.Empty(t, repo.created)
}

func TestSchedule_Duplicate(t *testing.T) {
	svc, _, store, _, _ := setupService()

	runAt := time.Now().Add(time.Hour)
	store.jobs["job-1"] = timedJob(runAt)

	_, _, err := svc.Schedule(context.Background(), timedJob(runAt))
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
}

func TestSchedule_StoreFailureUnwindsRow(t *testing.T) {
	svc, repo, store, timers, _ := setupService()
	store.createErr = errors.New("redis down")

	_, _, err := svc.Schedule(context.Background(), timedJob(time.Now().Add(time.Hour)))
	require.Error(t, err)

	// The relational row written before the store failure is removed.
	assert.Equal(t, []string{"job-1"}, repo.deleted)
	assert.Empty(t, timers.armed)
}

func TestSchedule_Addressing(t *testing.T) {
	svc, _, _, _, _ := setupService()

	job := timedJob(time.Now().Add(time.Hour))
	job.UserID = nil
	_, _, err := svc.Schedule(context.Background(), job)
	assert.ErrorIs(t, err, ErrMissingRecipient)

	job = timedJob(time.Now().Add(time.Hour))
	job.IsBroadcast = true
	_, _, err = svc.Schedule(context.Background(), job)
	assert.ErrorIs(t, err, ErrBroadcastRecipient)

	job = timedJob(time.Now().Add(time.Hour))
	job.UserID = nil
	job.IsBroadcast = true
	_, _, err = svc.Schedule(context.Background(), job)
	assert.NoError(t, err)
}

func TestScheduleMany_Empty(t *testing.T) {
	svc, _, _, _, _ := setupService()

	_, err := svc.ScheduleMany(context.Background(), Batch{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestScheduleMany_Immediate(t *testing.T) {
	svc, repo, _, _, pipeline := setupService()

	batch := Batch{
		Recipients: []Recipient{{UserID: "u1"}, {UserID: "u2"}},
		Title:      "Hello",
		Content:    "Body",
		Type:       "announcement",
		Category:   "general",
		Priority:   "normal",
		MaxRetries: 3,
	}

	count, err := svc.ScheduleMany(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, pipeline.delivered, 2)
	assert.Empty(t, repo.created)
}

func TestScheduleMany_Timed(t *testing.T) {
	svc, repo, store, timers, pipeline := setupService()

	runAt := time.Now().Add(time.Hour)
	batch := Batch{
		Recipients: []Recipient{
			{UserID: "u1", Email: strPtr("u1@example.com")},
			{UserID: "u2", WhatsApp: strPtr("+100")},
		},
		Title:      "Hello",
		Content:    "Body",
		Type:       "announcement",
		Category:   "general",
		Priority:   "normal",
		MaxRetries: 3,
		RunAt:      &runAt,
	}

	count, err := svc.ScheduleMany(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// One relational batch, one store entry and one timer per recipient,
	// each with its own generated id.
	require.Len(t, repo.created, 2)
	assert.NotEqual(t, repo.created[0].ID, repo.created[1].ID)
	assert.Len(t, store.jobs, 2)
	assert.Len(t, timers.armed, 2)
	assert.Empty(t, pipeline.delivered)

	assert.Equal(t, "u1", *repo.created[0].UserID)
	assert.Equal(t, "u1@example.com", *repo.created[0].Email)
}

func TestScheduleMany_BatchInsertFailureAbortsAll(t *testing.T) {
	svc, repo, store, timers, _ := setupService()
	repo.batchErr = errors.New("db down")

	runAt := time.Now().Add(time.Hour)
	count, err := svc.ScheduleMany(context.Background(), Batch{
		Recipients: []Recipient{{UserID: "u1"}, {UserID: "u2"}},
		RunAt:      &runAt,
	})
	require.Error(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, store.jobs)
	assert.Empty(t, timers.armed)
}

func TestScheduleMany_PastDeadline(t *testing.T) {
	svc, _, _, _, _ := setupService()

	runAt := time.Now().Add(-time.Minute)
	_, err := svc.ScheduleMany(context.Background(), Batch{
		Recipients: []Recipient{{UserID: "u1"}},
		RunAt:      &runAt,
	})
	assert.ErrorIs(t, err, ErrPastDeadline)
}

func TestCancel(t *testing.T) {
	svc, repo, store, timers, _ := setupService()

	runAt := time.Now().Add(time.Hour)
	store.jobs["job-1"] = timedJob(runAt)
	timers.armed["job-1"] = time.Hour

	require.NoError(t, svc.Cancel(context.Background(), "job-1"))

	assert.NotContains(t, store.jobs, "job-1")
	assert.NotContains(t, timers.armed, "job-1")
	assert.Equal(t, []string{"job-1"}, repo.deleted)
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, _, _, _ := setupService()

	err := svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestReschedule_MovesEligibleJobs(t *testing.T) {
	svc, repo, store, timers, _ := setupService()

	oldRunAt := time.Now().Add(time.Hour)
	armed := timedJob(oldRunAt)
	fired := timedJob(oldRunAt)
	fired.ID = "job-2"

	repo.related = []model.Job{armed, fired}
	store.jobs[armed.ID] = armed // job-2 already fired: not in the store

	newRunAt := time.Now().Add(3 * time.Hour)
	metadata := json.RawMessage(`{"moved":true}`)

	count, err := svc.RescheduleByCorrelation(context.Background(), "order-42", "order", newRunAt, metadata)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Only the still-armed job is touched.
	assert.Equal(t, []string{"job-1"}, repo.updated)

	got := store.jobs["job-1"]
	assert.True(t, newRunAt.Equal(*got.RunAt))
	assert.JSONEq(t, string(metadata), string(got.Metadata))
	assert.Contains(t, timers.armed, "job-1")
}

func TestReschedule_PastDeadline(t *testing.T) {
	svc, repo, _, _, _ := setupService()

	_, err := svc.RescheduleByCorrelation(context.Background(), "order-42", "order", time.Now().Add(-time.Minute), nil)
	assert.ErrorIs(t, err, ErrPastDeadline)
	assert.Empty(t, repo.updated)
}

func TestReschedule_TxFailureMovesNoTimers(t *testing.T) {
	svc, repo, store, timers, _ := setupService()
	repo.updateErr = errors.New("row gone")

	runAt := time.Now().Add(time.Hour)
	job := timedJob(runAt)
	repo.related = []model.Job{job}
	store.jobs[job.ID] = job

	_, err := svc.RescheduleByCorrelation(context.Background(), "order-42", "order", time.Now().Add(2*time.Hour), nil)
	require.Error(t, err)

	// The transaction rolled back, so the old timer and entry survive.
	assert.Empty(t, timers.cancelled)
	assert.True(t, runAt.Equal(*store.jobs[job.ID].RunAt))
}

func TestReschedule_NoMatches(t *testing.T) {
	svc, _, _, _, _ := setupService()

	count, err := svc.RescheduleByCorrelation(context.Background(), "order-42", "order", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHealthyAndCount(t *testing.T) {
	svc, _, store, _, _ := setupService()

	runAt := time.Now().Add(time.Hour)
	store.jobs["job-1"] = timedJob(runAt)

	assert.True(t, svc.Healthy(context.Background()))

	count, err := svc.JobCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
