package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/repository/postgres"
	"github.com/printmint/printmint/internal/testutil"
)

func Test_LedgerService(t *testing.T) {
	container := testutil.StartPostgresContainer(t)
	defer container.Terminate()

	createUser := func(t *testing.T, storage repository.Storage) models.User {
		t.Helper()
		user, err := storage.User().CreateUser(t.Context(), "user-"+uuid.NewString(), "hashedpassword")
		require.NoError(t, err)
		return user
	}

	t.Run("charge decrements and logs usage", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			_, err := svc.Fund(t.Context(), user.ID, 100, Ref{ID: uuid.New(), Type: models.ReferenceTypePayment}, "credit purchase")
			require.NoError(t, err)

			jobID := uuid.New()
			wallet, err := svc.Charge(t.Context(), user.ID, 25, Ref{ID: jobID, Type: models.ReferenceTypeJob}, "mockup generation")

			require.NoError(t, err)
			assert.Equal(t, int64(75), wallet.Balance)

			list, err := svc.Transactions(t.Context(), user.ID)
			require.NoError(t, err)
			require.Len(t, list, 2)

			usage := list[0] // newest first
			assert.Equal(t, models.TransactionKindUsage, usage.Kind)
			assert.Equal(t, int64(-25), usage.Amount)
			assert.Equal(t, int64(75), usage.BalanceAfter)
			require.NotNil(t, usage.ReferenceID)
			assert.Equal(t, jobID, *usage.ReferenceID)
			assert.Equal(t, models.ReferenceTypeJob, usage.ReferenceType)
		})
	})

	t.Run("charge insufficient leaves no trace", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			_, err := svc.Fund(t.Context(), user.ID, 20, Ref{}, "credit purchase")
			require.NoError(t, err)

			_, err = svc.Charge(t.Context(), user.ID, 25, Ref{ID: uuid.New(), Type: models.ReferenceTypeJob}, "mockup generation")

			fundsErr, ok := apperrors.AsInsufficientFunds(err)
			require.True(t, ok, "expected InsufficientFundsError, got: %v", err)
			assert.Equal(t, int64(25), fundsErr.Required)
			assert.Equal(t, int64(20), fundsErr.Available)

			balance, err := svc.Balance(t.Context(), user.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(20), balance)

			list, err := svc.Transactions(t.Context(), user.ID)
			require.NoError(t, err)
			assert.Len(t, list, 1, "rejected charge must not append a transaction")
		})
	})

	t.Run("unfunded user reads as empty wallet", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			balance, err := svc.Balance(t.Context(), user.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(0), balance)

			_, err = svc.Charge(t.Context(), user.ID, 25, Ref{}, "mockup generation")

			fundsErr, ok := apperrors.AsInsufficientFunds(err)
			require.True(t, ok, "expected InsufficientFundsError, got: %v", err)
			assert.Equal(t, int64(25), fundsErr.Required)
			assert.Equal(t, int64(0), fundsErr.Available)

			list, err := svc.Transactions(t.Context(), user.ID)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	})

	t.Run("non positive amounts rejected", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			_, err := svc.Charge(t.Context(), user.ID, 0, Ref{}, "")
			assert.Error(t, err)

			_, err = svc.Fund(t.Context(), user.ID, -5, Ref{}, "")
			assert.Error(t, err)
		})
	})

	t.Run("refund restores balance and logs", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			_, err := svc.Fund(t.Context(), user.ID, 100, Ref{}, "credit purchase")
			require.NoError(t, err)

			jobID := uuid.New()
			_, err = svc.Charge(t.Context(), user.ID, 25, Ref{ID: jobID, Type: models.ReferenceTypeJob}, "mockup generation")
			require.NoError(t, err)

			wallet, err := svc.Refund(t.Context(), user.ID, 25, Ref{ID: jobID, Type: models.ReferenceTypeJob}, "generation failed")
			require.NoError(t, err)
			assert.Equal(t, int64(100), wallet.Balance, "refund must make the failure net zero")

			list, err := svc.Transactions(t.Context(), user.ID)
			require.NoError(t, err)
			require.Len(t, list, 3)

			refund := list[0]
			assert.Equal(t, models.TransactionKindRefund, refund.Kind)
			assert.Equal(t, int64(25), refund.Amount)
			require.NotNil(t, refund.ReferenceID)
			assert.Equal(t, jobID, *refund.ReferenceID, "usage and refund must reference the same job")
		})
	})

	t.Run("replaying transactions reproduces balance", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			svc := NewService(storage)
			user := createUser(t, storage)

			_, err := svc.Fund(t.Context(), user.ID, 100, Ref{}, "credit purchase")
			require.NoError(t, err)
			_, err = svc.Charge(t.Context(), user.ID, 25, Ref{ID: uuid.New(), Type: models.ReferenceTypeJob}, "mockup")
			require.NoError(t, err)
			_, err = svc.Reward(t.Context(), user.ID, 10, "welcome bonus")
			require.NoError(t, err)
			_, err = svc.Charge(t.Context(), user.ID, 40, Ref{ID: uuid.New(), Type: models.ReferenceTypeJob}, "concept")
			require.NoError(t, err)

			balance, err := svc.Balance(t.Context(), user.ID)
			require.NoError(t, err)

			list, err := svc.Transactions(t.Context(), user.ID)
			require.NoError(t, err)

			var replayed int64
			for _, tr := range list {
				replayed += tr.Amount
			}
			assert.Equal(t, balance, replayed, "sum of signed amounts must equal the balance")

			// Oldest to newest every balance_after must match the running sum
			var running int64
			for i := len(list) - 1; i >= 0; i-- {
				running += list[i].Amount
				assert.Equal(t, running, list[i].BalanceAfter, "balance_after drifted at %q", list[i].Description)
			}
		})
	})
}
