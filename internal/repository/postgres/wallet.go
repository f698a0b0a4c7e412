package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
)

type WalletRepo struct {
	DB DBTX
}

const getWallet = `-- name: GetWallet
SELECT id, user_id, balance FROM wallets
WHERE user_id = $1
`

func (r *WalletRepo) GetWallet(ctx context.Context, userID uuid.UUID) (models.Wallet, error) {
	rows, _ := r.DB.Query(ctx, getWallet, userID)
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)

	switch {
	case err == nil:
		return wallet, nil
	case errors.Is(err, pgx.ErrNoRows):
		return wallet, apperrors.ErrWalletNotFound
	default:
		return wallet, fmt.Errorf("db error: %w", err)
	}
}

// Decrement with the floor check inside the UPDATE predicate.
// The row lock taken by the statement serializes concurrent debits of
// the same wallet; whichever runs second re-evaluates the predicate
// against the already decremented balance.
const debitWallet = `-- name: DebitWallet
UPDATE wallets
SET balance = balance - $2
WHERE user_id = $1 AND balance >= $2
RETURNING id, user_id, balance
`

func (r *WalletRepo) Debit(ctx context.Context, userID uuid.UUID, amount int64) (models.Wallet, error) {
	rows, _ := r.DB.Query(ctx, debitWallet, userID, amount)
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)

	switch {
	case err == nil:
		return wallet, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Distinguish "no wallet" from "not enough credits"
		current, getErr := r.GetWallet(ctx, userID)
		if getErr != nil {
			return wallet, getErr
		}
		return wallet, &apperrors.InsufficientFundsError{Required: amount, Available: current.Balance}
	default:
		return wallet, fmt.Errorf("db error: %w", err)
	}
}

// Upsert so wallets appear lazily on first funding event
const creditWallet = `-- name: CreditWallet
INSERT INTO wallets (id, user_id, balance)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance
RETURNING id, user_id, balance
`

func (r *WalletRepo) Credit(ctx context.Context, userID uuid.UUID, amount int64) (models.Wallet, error) {
	rows, _ := r.DB.Query(ctx, creditWallet, uuid.New(), userID, amount)
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)
	if err != nil {
		return wallet, fmt.Errorf("db error: %w", err)
	}

	return wallet, nil
}

const appendTransaction = `-- name: AppendTransaction
INSERT INTO wallet_transactions (id, created_at, user_id, kind, amount, balance_after, reference_id, reference_type, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at, user_id, kind, amount, balance_after, reference_id, reference_type, description
`

func (r *WalletRepo) AppendTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = timeNow()
	}

	rows, _ := r.DB.Query(ctx, appendTransaction,
		t.ID, t.CreatedAt, t.UserID, t.Kind, t.Amount, t.BalanceAfter, t.ReferenceID, t.ReferenceType, t.Description)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)
	if err != nil {
		return t, fmt.Errorf("db error: %w", err)
	}

	return t, nil
}

const listTransactions = `-- name: ListTransactions
SELECT id, created_at, user_id, kind, amount, balance_after, reference_id, reference_type, description
FROM wallet_transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
`

func (r *WalletRepo) ListTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, listTransactions, userID)
	transactions, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return transactions, nil
}

func rowToWallet(row pgx.CollectableRow) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance)
	return w, err
}

func rowToTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.CreatedAt, &t.UserID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.ReferenceType, &t.Description)
	return t, err
}
