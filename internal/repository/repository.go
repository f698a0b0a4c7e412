package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, hashedPassword string) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	Save(ctx context.Context, token models.RefreshToken) error

	// Mark token as used and return it
	// Must not overwrite 'usedAt' of an already used token:
	// return apperrors.ErrRefreshTokenIsUsed instead
	GetAndMarkUsed(ctx context.Context, tokenString string) (models.RefreshToken, error)
}

// Wallet repository interface
// Debit and the paired transaction append are expected to run inside
// Storage.InTx so balance and log never drift apart.
type WalletRepo interface {
	// Get wallet; apperrors.ErrWalletNotFound if the user was never funded
	GetWallet(ctx context.Context, userID uuid.UUID) (models.Wallet, error)

	// Atomically decrement balance if it covers amount.
	// The floor check is part of the UPDATE predicate: two concurrent
	// debits against a balance sufficient for one must yield exactly one
	// success and one *apperrors.InsufficientFundsError.
	Debit(ctx context.Context, userID uuid.UUID, amount int64) (models.Wallet, error)

	// Increment balance, creating the wallet lazily if missing.
	// Credits are never rejected.
	Credit(ctx context.Context, userID uuid.UUID, amount int64) (models.Wallet, error)

	AppendTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error)

	// Newest first
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error)
}

// JobPatch carries optional field updates applied together with a
// status transition. Nil fields keep their current values.
type JobPatch struct {
	Input          json.RawMessage
	Output         json.RawMessage
	ErrorMessage   *string
	ExternalHandle *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

type ListJobsOpts struct {
	Statuses      []string
	UpdatedBefore time.Time // zero value means no cutoff
	Limit         int
}

// Job repository interface
type JobRepo interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)

	// Get without ownership check (internal use only)
	GetJob(ctx context.Context, jobID uuid.UUID) (models.Job, error)

	// Owner-scoped read: apperrors.ErrJobNotFound if absent or owned by
	// someone else. Ownership is part of the read contract.
	GetUserJob(ctx context.Context, jobID uuid.UUID, userID uuid.UUID) (models.Job, error)

	// Conditional update: succeeds only if current status == from,
	// otherwise apperrors.ErrStaleTransition. This is the guard that
	// keeps a duplicate poll callback and a user action from both
	// advancing the same job.
	Transition(ctx context.Context, jobID uuid.UUID, from, to string, patch JobPatch) (models.Job, error)

	// Atomically set refunded=true. Returns true only for the call that
	// performed the flip; this is the refund idempotency gate.
	MarkRefunded(ctx context.Context, jobID uuid.UUID) (bool, error)

	ListJobs(ctx context.Context, opts ListJobsOpts) ([]models.Job, error)
	ListProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error)
}

// ProjectPatch carries optional artifact updates applied with a
// project status transition.
type ProjectPatch struct {
	ConceptPath *string
	AnglePaths  map[string]string
	MeshGLBPath *string
	MeshSTLPath *string
}

// Figurine repository interface
type FigurineRepo interface {
	CreateProject(ctx context.Context, userID uuid.UUID, prompt string) (models.FigurineProject, error)

	// Owner-scoped, apperrors.ErrProjectNotFound if absent or not owned
	GetProject(ctx context.Context, projectID uuid.UUID, userID uuid.UUID) (models.FigurineProject, error)

	// Conditional on current status, apperrors.ErrInvalidGateTransition
	// if the project moved meanwhile
	TransitionProject(ctx context.Context, projectID uuid.UUID, from, to string, patch ProjectPatch) (models.FigurineProject, error)

	// Remove a project that never got its first stage admitted.
	// Jobs reference projects, so this only works for empty projects.
	DeleteProject(ctx context.Context, projectID uuid.UUID) error

	// Record a purchased tier. Returns false without error if the tier
	// is already owned.
	AddLicense(ctx context.Context, projectID uuid.UUID, tier string) (bool, error)
	ListLicenses(ctx context.Context, projectID uuid.UUID) ([]models.FigurineLicense, error)
}

// Storage aggregates all repositories over one DB handle.
type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo
	Wallet() WalletRepo
	Job() JobRepo
	Figurine() FigurineRepo

	// Run fn against a transaction-scoped Storage. Commits on nil error.
	InTx(ctx context.Context, fn func(Storage) error) error
}
