package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransactionKindPurchase = "purchase"
	TransactionKindUsage    = "usage"
	TransactionKindRefund   = "refund"
	TransactionKindReward   = "reward"
)

const (
	ReferenceTypeJob     = "job"
	ReferenceTypeLicense = "license"
	ReferenceTypePayment = "payment"
)

// Wallet holds the user's credit balance in the smallest credit unit.
// Balance never goes negative; every mutation appends a Transaction.
type Wallet struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Balance int64
}

// Transaction is an immutable wallet log entry.
// Replaying all of a user's transactions in creation order must
// reproduce the wallet balance exactly.
type Transaction struct {
	ID            uuid.UUID
	CreatedAt     time.Time
	UserID        uuid.UUID
	Kind          string
	Amount        int64 // signed: negative for usage, positive for credits
	BalanceAfter  int64
	ReferenceID   *uuid.UUID
	ReferenceType string
	Description   string
}
