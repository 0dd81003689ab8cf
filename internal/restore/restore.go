// Package restore re-arms delivery timers after a process restart.
// Timers and the Redis job-store timers' callbacks are in-memory only,
// so the relational store is the single source the service can trust
// on startup.
package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"

	"notify-scheduler/internal/model"
)

type jobRepository interface {
	ListFuture(ctx context.Context) ([]model.Job, error)
}

type jobStore interface {
	Put(ctx context.Context, job model.Job) error
}

type timerRegistry interface {
	Arm(id string, delay time.Duration, fn func())
}

type deliveryPipeline interface {
	Deliver(ctx context.Context, job model.Job, durable bool)
}

// Coordinator rebuilds timer and job-store state from the relational
// rows with a future fire time. It runs exactly once, synchronously,
// before the service accepts traffic.
type Coordinator struct {
	repo     jobRepository
	store    jobStore
	timers   timerRegistry
	pipeline deliveryPipeline
}

// NewCoordinator wires the restore coordinator.
func NewCoordinator(repo jobRepository, store jobStore, timers timerRegistry, pipeline deliveryPipeline) *Coordinator {
	return &Coordinator{repo: repo, store: store, timers: timers, pipeline: pipeline}
}

// Run re-arms a timer and re-creates the job-store entry for every
// relational row still in the future. Rows whose delay turned negative
// between the query and the arm are dropped, not fired: their timer
// context is already lost. A read failure is returned to the caller,
// which must treat it as fatal: the service cannot accept traffic
// with an unknown set of pending obligations.
func (c *Coordinator) Run(ctx context.Context) (int, error) {
	jobs, err := c.repo.ListFuture(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: list future notifications: %w", err)
	}

	restored := 0
	for i := range jobs {
		job := jobs[i]

		delay := time.Until(*job.RunAt)
		if delay < 0 {
			zlog.Logger.Warn().Str("id", job.ID).Time("runAt", *job.RunAt).Msg("skipping notification already due at restore")
			continue
		}

		// Put, not Create: the Redis entry may have survived the
		// restart even though its timer did not.
		if err := c.store.Put(ctx, job); err != nil {
			return restored, fmt.Errorf("restore: store job %s: %w", job.ID, err)
		}

		c.timers.Arm(job.ID, delay, func() {
			c.pipeline.Deliver(context.Background(), job, true)
		})
		restored++
	}

	zlog.Logger.Info().Int("restored", restored).Int("total", len(jobs)).Msg("restored scheduled notifications")

	return restored, nil
}
