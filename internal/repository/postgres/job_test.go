package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/testutil"
)

func mustCreateJob(t *testing.T, storage repository.Storage, userID uuid.UUID) models.Job {
	t.Helper()

	job, err := storage.Job().CreateJob(t.Context(), models.Job{
		UserID:        userID,
		Kind:          models.JobKindMockup,
		Status:        models.JobStatusQueued,
		ChargedAmount: 25,
		Input:         json.RawMessage(`{"template":"tshirt"}`),
	})
	require.NoError(t, err, "job creation must not fail")
	return job
}

func Test_JobRepo(t *testing.T) {
	container := testutil.StartPostgresContainer(t)
	defer container.Terminate()

	t.Run("create and get job", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			job := mustCreateJob(t, storage, user.ID)

			assert.NotEqual(t, uuid.Nil, job.ID)
			assert.Equal(t, models.JobStatusQueued, job.Status)
			assert.Equal(t, int64(25), job.ChargedAmount)
			assert.False(t, job.Refunded)
			assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Second)

			got, err := storage.Job().GetJob(t.Context(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
			assert.JSONEq(t, `{"template":"tshirt"}`, string(got.Input))
		})
	})

	t.Run("get job not found", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)

			_, err := storage.Job().GetJob(t.Context(), uuid.New())
			assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
		})
	})

	t.Run("user job scoped to owner", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			owner := mustCreateUser(t, storage)
			other := mustCreateUser(t, storage)

			job := mustCreateJob(t, storage, owner.ID)

			_, err := storage.Job().GetUserJob(t.Context(), job.ID, owner.ID)
			require.NoError(t, err)

			_, err = storage.Job().GetUserJob(t.Context(), job.ID, other.ID)
			assert.ErrorIs(t, err, apperrors.ErrJobNotFound, "foreign job must look missing")
		})
	})

	t.Run("transition applies patch", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)
			job := mustCreateJob(t, storage, user.ID)

			handle := "prediction-42"
			startedAt := time.Now().Truncate(time.Microsecond)

			got, err := storage.Job().Transition(t.Context(), job.ID, models.JobStatusQueued, models.JobStatusRunning, repository.JobPatch{
				ExternalHandle: &handle,
				StartedAt:      &startedAt,
			})

			require.NoError(t, err)
			assert.Equal(t, models.JobStatusRunning, got.Status)
			require.NotNil(t, got.ExternalHandle)
			assert.Equal(t, handle, *got.ExternalHandle)
			require.NotNil(t, got.StartedAt)
			assert.True(t, startedAt.Equal(*got.StartedAt), "started_at should round-trip")
			assert.JSONEq(t, `{"template":"tshirt"}`, string(got.Input), "nil patch fields keep current values")
		})
	})

	t.Run("transition from wrong status is stale", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)
			job := mustCreateJob(t, storage, user.ID)

			_, err := storage.Job().Transition(t.Context(), job.ID, models.JobStatusRunning, models.JobStatusSucceeded, repository.JobPatch{})
			assert.ErrorIs(t, err, apperrors.ErrStaleTransition)

			got, err := storage.Job().GetJob(t.Context(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusQueued, got.Status, "failed transition must not move the job")
		})
	})

	t.Run("transition missing job", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)

			_, err := storage.Job().Transition(t.Context(), uuid.New(), models.JobStatusQueued, models.JobStatusRunning, repository.JobPatch{})
			assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
		})
	})

	t.Run("mark refunded flips exactly once", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)
			job := mustCreateJob(t, storage, user.ID)

			won, err := storage.Job().MarkRefunded(t.Context(), job.ID)
			require.NoError(t, err)
			assert.True(t, won, "first call must win the flag")

			won, err = storage.Job().MarkRefunded(t.Context(), job.ID)
			require.NoError(t, err)
			assert.False(t, won, "second call must lose the flag")

			got, err := storage.Job().GetJob(t.Context(), job.ID)
			require.NoError(t, err)
			assert.True(t, got.Refunded)
		})
	})

	t.Run("list jobs filters status and cutoff", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			queued := mustCreateJob(t, storage, user.ID)
			running := mustCreateJob(t, storage, user.ID)
			_, err := storage.Job().Transition(t.Context(), running.ID, models.JobStatusQueued, models.JobStatusRunning, repository.JobPatch{})
			require.NoError(t, err)

			jobs, err := storage.Job().ListJobs(t.Context(), repository.ListJobsOpts{
				Statuses: []string{models.JobStatusQueued},
			})
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, queued.ID, jobs[0].ID)

			// A cutoff in the past excludes both fresh jobs
			jobs, err = storage.Job().ListJobs(t.Context(), repository.ListJobsOpts{
				Statuses:      []string{models.JobStatusQueued, models.JobStatusRunning},
				UpdatedBefore: time.Now().Add(-time.Hour),
			})
			require.NoError(t, err)
			assert.Empty(t, jobs)

			// A future cutoff includes them
			jobs, err = storage.Job().ListJobs(t.Context(), repository.ListJobsOpts{
				Statuses:      []string{models.JobStatusQueued, models.JobStatusRunning},
				UpdatedBefore: time.Now().Add(time.Hour),
			})
			require.NoError(t, err)
			assert.Len(t, jobs, 2)
		})
	})

	t.Run("list project jobs in creation order", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			project, err := storage.Figurine().CreateProject(t.Context(), user.ID, "a knight")
			require.NoError(t, err)

			first, err := storage.Job().CreateJob(t.Context(), models.Job{
				UserID:    user.ID,
				Kind:      models.JobKindFigurineConcept,
				ProjectID: &project.ID,
			})
			require.NoError(t, err)

			second, err := storage.Job().CreateJob(t.Context(), models.Job{
				UserID:    user.ID,
				Kind:      models.JobKindFigurineAngles,
				ProjectID: &project.ID,
			})
			require.NoError(t, err)

			jobs, err := storage.Job().ListProjectJobs(t.Context(), project.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, first.ID, jobs[0].ID)
			assert.Equal(t, second.ID, jobs[1].ID)
		})
	})
}
