package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
)

type JobRepo struct {
	DB DBTX
}

const jobColumns = `id, created_at, updated_at, user_id, kind, status, charged_amount, refunded,
input, output, error_message, external_handle, project_id, started_at, finished_at`

const createJob = `-- name: CreateJob
INSERT INTO jobs (id, created_at, updated_at, user_id, kind, status, charged_amount, input, project_id)
VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + jobColumns

func (r *JobRepo) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	rows, _ := r.DB.Query(ctx, createJob,
		job.ID, timeNow(), job.UserID, job.Kind, job.Status, job.ChargedAmount, job.Input, job.ProjectID)
	job, err := pgx.CollectOneRow(rows, rowToJob)
	if err != nil {
		return job, fmt.Errorf("db error: %w", err)
	}

	return job, nil
}

const getJob = `-- name: GetJob
SELECT ` + jobColumns + ` FROM jobs
WHERE id = $1
`

func (r *JobRepo) GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	rows, _ := r.DB.Query(ctx, getJob, jobID)
	return collectJob(rows)
}

const getUserJob = `-- name: GetUserJob
SELECT ` + jobColumns + ` FROM jobs
WHERE id = $1 AND user_id = $2
`

// Owner-scoped read: a job owned by another user looks exactly like a
// missing one.
func (r *JobRepo) GetUserJob(ctx context.Context, jobID uuid.UUID, userID uuid.UUID) (models.Job, error) {
	rows, _ := r.DB.Query(ctx, getUserJob, jobID, userID)
	return collectJob(rows)
}

// Conditional update: advances the job only from the expected status.
// COALESCE keeps fields the patch leaves nil.
const transitionJob = `-- name: TransitionJob
UPDATE jobs
SET status = $3,
	updated_at = $4,
	input = COALESCE($5, input),
	output = COALESCE($6, output),
	error_message = COALESCE($7, error_message),
	external_handle = COALESCE($8, external_handle),
	started_at = COALESCE($9, started_at),
	finished_at = COALESCE($10, finished_at)
WHERE id = $1 AND status = $2
RETURNING ` + jobColumns

func (r *JobRepo) Transition(ctx context.Context, jobID uuid.UUID, from, to string, patch repository.JobPatch) (models.Job, error) {
	rows, _ := r.DB.Query(ctx, transitionJob,
		jobID, from, to, timeNow(),
		patch.Input, patch.Output, patch.ErrorMessage, patch.ExternalHandle, patch.StartedAt, patch.FinishedAt)
	job, err := pgx.CollectOneRow(rows, rowToJob)

	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Zero rows: either the job is gone or someone moved it first
		if _, getErr := r.GetJob(ctx, jobID); errors.Is(getErr, apperrors.ErrJobNotFound) {
			return job, getErr
		}
		return job, fmt.Errorf("transition %s->%s: %w", from, to, apperrors.ErrStaleTransition)
	default:
		return job, fmt.Errorf("db error: %w", err)
	}
}

// Idempotency gate for refunds: only the call that flips the flag gets
// rowsAffected == 1 and the permission to credit the wallet.
const markJobRefunded = `-- name: MarkJobRefunded
UPDATE jobs
SET refunded = true, updated_at = $2
WHERE id = $1 AND NOT refunded
`

func (r *JobRepo) MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := r.DB.Exec(ctx, markJobRefunded, jobID, timeNow())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const listJobs = `-- name: ListJobs
SELECT ` + jobColumns + ` FROM jobs
WHERE status = ANY($1)
	AND ($2::timestamptz IS NULL OR updated_at < $2)
ORDER BY updated_at
LIMIT $3
`

func (r *JobRepo) ListJobs(ctx context.Context, opts repository.ListJobsOpts) ([]models.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var cutoff any
	if !opts.UpdatedBefore.IsZero() {
		cutoff = opts.UpdatedBefore
	}

	rows, _ := r.DB.Query(ctx, listJobs, opts.Statuses, cutoff, limit)
	jobs, err := pgx.CollectRows(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return jobs, nil
}

const listProjectJobs = `-- name: ListProjectJobs
SELECT ` + jobColumns + ` FROM jobs
WHERE project_id = $1
ORDER BY created_at
`

func (r *JobRepo) ListProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error) {
	rows, _ := r.DB.Query(ctx, listProjectJobs, projectID)
	jobs, err := pgx.CollectRows(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return jobs, nil
}

func collectJob(rows pgx.Rows) (models.Job, error) {
	job, err := pgx.CollectOneRow(rows, rowToJob)

	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, pgx.ErrNoRows):
		return job, apperrors.ErrJobNotFound
	default:
		return job, fmt.Errorf("db error: %w", err)
	}
}

func rowToJob(row pgx.CollectableRow) (models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.CreatedAt, &j.UpdatedAt, &j.UserID, &j.Kind, &j.Status, &j.ChargedAmount, &j.Refunded,
		&j.Input, &j.Output, &j.ErrorMessage, &j.ExternalHandle, &j.ProjectID, &j.StartedAt, &j.FinishedAt)
	return j, err
}
