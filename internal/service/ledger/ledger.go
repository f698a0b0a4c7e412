package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
)

// Ref ties a wallet transaction to the record it pays for.
type Ref struct {
	ID   uuid.UUID
	Type string
}

// Service owns the per-user balance and the append-only transaction
// log. Every balance mutation pairs with exactly one transaction row,
// written in the same DB transaction.
type Service struct {
	storage repository.Storage
}

func NewService(storage repository.Storage) *Service {
	return &Service{storage: storage}
}

// Balance returns the user's current balance. A user who was never
// funded has no wallet row yet; that reads as balance 0.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	wallet, err := s.storage.Wallet().GetWallet(ctx, userID)
	if errors.Is(err, apperrors.ErrWalletNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return wallet.Balance, nil
}

func (s *Service) Transactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	return s.storage.Wallet().ListTransactions(ctx, userID)
}

// Charge atomically decrements the balance and appends a usage
// transaction. Fails with *apperrors.InsufficientFundsError without
// touching state if the balance does not cover amount; the floor check
// and the decrement are one statement, so concurrent charges against
// the same wallet can never both pass on the same credits. A missing
// wallet charges like an empty one: insufficient funds with 0 available.
func (s *Service) Charge(ctx context.Context, userID uuid.UUID, amount int64, ref Ref, description string) (models.Wallet, error) {
	var wallet models.Wallet
	if amount <= 0 {
		return wallet, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		w, err := st.Wallet().Debit(ctx, userID, amount)
		if errors.Is(err, apperrors.ErrWalletNotFound) {
			return &apperrors.InsufficientFundsError{Required: amount, Available: 0}
		}
		if err != nil {
			return err
		}

		_, err = st.Wallet().AppendTransaction(ctx, models.Transaction{
			UserID:        userID,
			Kind:          models.TransactionKindUsage,
			Amount:        -amount,
			BalanceAfter:  w.Balance,
			ReferenceID:   refID(ref),
			ReferenceType: ref.Type,
			Description:   description,
		})
		wallet = w
		return err
	})

	return wallet, err
}

// Refund credits the originally charged amount back. Credits are never
// rejected; idempotency is the caller's job (the orchestrator holds the
// job's refunded flag and must win it before calling here).
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, ref Ref, description string) (models.Wallet, error) {
	return s.credit(ctx, userID, amount, models.TransactionKindRefund, ref, description)
}

// Fund records an external purchase event, creating the wallet lazily
// on first use.
func (s *Service) Fund(ctx context.Context, userID uuid.UUID, amount int64, ref Ref, description string) (models.Wallet, error) {
	return s.credit(ctx, userID, amount, models.TransactionKindPurchase, ref, description)
}

// Reward credits promotional balance.
func (s *Service) Reward(ctx context.Context, userID uuid.UUID, amount int64, description string) (models.Wallet, error) {
	return s.credit(ctx, userID, amount, models.TransactionKindReward, Ref{}, description)
}

func (s *Service) credit(ctx context.Context, userID uuid.UUID, amount int64, kind string, ref Ref, description string) (models.Wallet, error) {
	var wallet models.Wallet
	if amount <= 0 {
		return wallet, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		w, err := st.Wallet().Credit(ctx, userID, amount)
		if err != nil {
			return err
		}

		_, err = st.Wallet().AppendTransaction(ctx, models.Transaction{
			UserID:        userID,
			Kind:          kind,
			Amount:        amount,
			BalanceAfter:  w.Balance,
			ReferenceID:   refID(ref),
			ReferenceType: ref.Type,
			Description:   description,
		})
		wallet = w
		return err
	})

	return wallet, err
}

func refID(ref Ref) *uuid.UUID {
	if ref.ID == uuid.Nil {
		return nil
	}
	return &ref.ID
}
