package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wb-go/wbf/dbpg"

	"notify-scheduler/internal/model"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

const jobColumns = `
		id, user_id, is_broadcast, title, content, description,
		type, category, priority, related_resource_id, related_resource_type,
		action_url, metadata, email, whats_app, retry_count, max_retries,
		run_at, sent_at, failed_at, failure_reason`

// PendingFilter narrows ListPending results. Zero values mean "no filter".
type PendingFilter struct {
	UserID   string
	Category string
	Type     string
	Limit    int
	Offset   int
}

// Repository provides access to the notification_queue table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new notification repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob inserts a single scheduled notification row.
func (r *Repository) CreateJob(ctx context.Context, job model.Job) error {
	query := `
		INSERT INTO notification_queue (` + jobColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21);
    `

	_, err := r.db.ExecContext(ctx, query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// CreateJobs inserts a batch of rows in a single statement. Either
// every row is written or none is: a failed batch must never leave a
// subset of recipients scheduled.
func (r *Repository) CreateJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO notification_queue (` + jobColumns + `
		) VALUES `

	args := make([]interface{}, 0, len(jobs)*21)
	placeholders := make([]string, 0, len(jobs))

	for i, job := range jobs {
		base := i * 21
		nums := make([]string, 21)
		for j := range nums {
			nums[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(nums, ", ")+")")
		args = append(args, jobArgs(job)...)
	}

	query += strings.Join(placeholders, ", ") + ";"

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create notification batch: %w", err)
	}

	return nil
}

// DeleteJob removes a row by id.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	query := `
		DELETE FROM notification_queue
		WHERE id = $1;
    `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

// ListFuture retrieves every row whose run_at is strictly in the
// future. This is the restore source: the job store does not survive
// a restart, the relational table does.
func (r *Repository) ListFuture(ctx context.Context) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_queue
		WHERE run_at > NOW()
		ORDER BY run_at ASC;
    `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list future notifications: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByCorrelation retrieves rows matching the correlation pair with
// a non-null run_at, the eligible set for bulk rescheduling.
func (r *Repository) ListByCorrelation(ctx context.Context, resourceID, resourceType string) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_queue
		WHERE related_resource_id = $1
		  AND related_resource_type = $2
		  AND run_at IS NOT NULL
		ORDER BY run_at ASC;
    `

	rows, err := r.db.QueryContext(ctx, query, resourceID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list related notifications: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPending retrieves a page of scheduled rows, optionally filtered.
func (r *Repository) ListPending(ctx context.Context, filter PendingFilter) ([]model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_queue
		WHERE run_at IS NOT NULL`

	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}

	query += " ORDER BY run_at ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	query += ";"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// RunInTx executes fn inside a transaction on the master node,
// committing on nil and rolling back on error.
func (r *Repository) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateScheduleTx rewrites run_at and metadata for a single row as
// part of a surrounding reschedule transaction.
func (r *Repository) UpdateScheduleTx(ctx context.Context, tx *sql.Tx, id string, runAt time.Time, metadata json.RawMessage) error {
	query := `
		UPDATE notification_queue
		SET run_at = $1, metadata = $2, updated_at = NOW()
		WHERE id = $3;
    `

	res, err := tx.ExecContext(ctx, query, runAt, nullableJSON(metadata), id)
	if err != nil {
		return fmt.Errorf("failed to update notification schedule: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

func jobArgs(job model.Job) []interface{} {
	return []interface{}{
		job.ID, job.UserID, job.IsBroadcast, job.Title, job.Content, job.Description,
		job.Type, job.Category, job.Priority, job.RelatedResourceID, job.RelatedResourceType,
		job.ActionURL, nullableJSON(job.Metadata), job.Email, job.WhatsApp,
		job.RetryCount, job.MaxRetries, job.RunAt, job.SentAt, job.FailedAt, job.FailureReason,
	}
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	var jobs []model.Job

	for rows.Next() {
		var (
			j        model.Job
			metadata []byte
			runAt    sql.NullTime
			sentAt   sql.NullTime
			failedAt sql.NullTime
		)

		err := rows.Scan(
			&j.ID, &j.UserID, &j.IsBroadcast, &j.Title, &j.Content, &j.Description,
			&j.Type, &j.Category, &j.Priority, &j.RelatedResourceID, &j.RelatedResourceType,
			&j.ActionURL, &metadata, &j.Email, &j.WhatsApp, &j.RetryCount, &j.MaxRetries,
			&runAt, &sentAt, &failedAt, &j.FailureReason,
		)
		if err != nil {
			return nil, err
		}

		if len(metadata) > 0 {
			j.Metadata = json.RawMessage(metadata)
		}
		if runAt.Valid {
			t := runAt.Time
			j.RunAt = &t
		}
		if sentAt.Valid {
			t := sentAt.Time
			j.SentAt = &t
		}
		if failedAt.Valid {
			t := failedAt.Time
			j.FailedAt = &t
		}

		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}
