package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/testutil"
)

func mustCreateUser(t *testing.T, storage repository.Storage) models.User {
	t.Helper()

	user, err := storage.User().CreateUser(t.Context(), "user-"+uuid.NewString(), "hashedpassword")
	require.NoError(t, err, "user creation must not fail")
	return user
}

func Test_WalletRepo(t *testing.T) {
	container := testutil.StartPostgresContainer(t)
	defer container.Terminate()

	t.Run("credit creates wallet lazily", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			wallet, err := storage.Wallet().Credit(t.Context(), user.ID, 100)

			require.NoError(t, err)
			assert.Equal(t, user.ID, wallet.UserID)
			assert.Equal(t, int64(100), wallet.Balance)
		})
	})

	t.Run("credit adds to existing balance", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().Credit(t.Context(), user.ID, 100)
			require.NoError(t, err)

			wallet, err := storage.Wallet().Credit(t.Context(), user.ID, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(150), wallet.Balance)
		})
	})

	t.Run("debit decrements balance", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().Credit(t.Context(), user.ID, 100)
			require.NoError(t, err)

			wallet, err := storage.Wallet().Debit(t.Context(), user.ID, 25)
			require.NoError(t, err)
			assert.Equal(t, int64(75), wallet.Balance)
		})
	})

	t.Run("debit insufficient funds rejected without mutation", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().Credit(t.Context(), user.ID, 20)
			require.NoError(t, err)

			_, err = storage.Wallet().Debit(t.Context(), user.ID, 25)

			fundsErr, ok := apperrors.AsInsufficientFunds(err)
			require.True(t, ok, "should return InsufficientFundsError, got: %v", err)
			assert.Equal(t, int64(25), fundsErr.Required)
			assert.Equal(t, int64(20), fundsErr.Available)

			wallet, err := storage.Wallet().GetWallet(t.Context(), user.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(20), wallet.Balance, "failed debit must not change balance")
		})
	})

	t.Run("debit unknown wallet", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().Debit(t.Context(), user.ID, 10)
			assert.ErrorIs(t, err, apperrors.ErrWalletNotFound)
		})
	})

	t.Run("get wallet not found", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().GetWallet(t.Context(), user.ID)
			assert.ErrorIs(t, err, apperrors.ErrWalletNotFound)
		})
	})

	t.Run("list transactions newest first", func(t *testing.T) {
		testutil.WithTx(container.Pool, t, func(tx pgx.Tx) {
			storage := NewStorage(tx)
			user := mustCreateUser(t, storage)

			_, err := storage.Wallet().Credit(t.Context(), user.ID, 100)
			require.NoError(t, err)

			refID := uuid.New()
			first, err := storage.Wallet().AppendTransaction(t.Context(), models.Transaction{
				UserID:       user.ID,
				Kind:         models.TransactionKindPurchase,
				Amount:       100,
				BalanceAfter: 100,
				Description:  "credit purchase",
			})
			require.NoError(t, err)

			second, err := storage.Wallet().AppendTransaction(t.Context(), models.Transaction{
				UserID:        user.ID,
				Kind:          models.TransactionKindUsage,
				Amount:        -25,
				BalanceAfter:  75,
				ReferenceID:   &refID,
				ReferenceType: models.ReferenceTypeJob,
				Description:   "mockup generation",
			})
			require.NoError(t, err)

			list, err := storage.Wallet().ListTransactions(t.Context(), user.ID)
			require.NoError(t, err)
			require.Len(t, list, 2)

			assert.Equal(t, second.ID, list[0].ID, "newest transaction should come first")
			assert.Equal(t, first.ID, list[1].ID)
			assert.Equal(t, int64(-25), list[0].Amount)
			require.NotNil(t, list[0].ReferenceID)
			assert.Equal(t, refID, *list[0].ReferenceID)
			assert.Equal(t, models.ReferenceTypeJob, list[0].ReferenceType)
		})
	})

	// Runs on the pool directly: concurrency through a single tx would
	// serialize and hide the race this test is after
	t.Run("concurrent debits never double spend", func(t *testing.T) {
		storage := NewStorage(container.Pool)
		user := mustCreateUser(t, storage)

		_, err := storage.Wallet().Credit(t.Context(), user.ID, 30)
		require.NoError(t, err)

		const workers = 8
		results := make([]error, workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = storage.Wallet().Debit(context.Background(), user.ID, 25)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			_, ok := apperrors.AsInsufficientFunds(err)
			assert.True(t, ok, "losers must fail with InsufficientFundsError, got: %v", err)
		}
		assert.Equal(t, 1, succeeded, "balance 30 covers exactly one debit of 25")

		wallet, err := storage.Wallet().GetWallet(t.Context(), user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), wallet.Balance)
	})
}
