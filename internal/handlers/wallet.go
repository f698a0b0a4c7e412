package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/handlers/render"
	"github.com/printmint/printmint/internal/handlers/userctx"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/service/ledger"
)

func handleWalletBalance(walletService walletService, l logger.Logger) http.Handler {
	type response struct {
		Balance int64 `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		balance, err := walletService.Balance(r.Context(), user.ID)
		if err != nil {
			l.Error("Failed to get balance", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, response{Balance: balance})
	})
}

func handleListTransactions(walletService walletService, l logger.Logger) http.Handler {
	type transaction struct {
		ID            uuid.UUID  `json:"id"`
		CreatedAt     time.Time  `json:"created_at"`
		Kind          string     `json:"kind"`
		Amount        int64      `json:"amount"`
		BalanceAfter  int64      `json:"balance_after"`
		ReferenceID   *uuid.UUID `json:"reference_id,omitempty"`
		ReferenceType string     `json:"reference_type,omitempty"`
		Description   string     `json:"description,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		list, err := walletService.Transactions(r.Context(), user.ID)
		if err != nil {
			l.Error("Failed to list transactions", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		transactions := make([]transaction, 0, len(list))
		for _, t := range list {
			transactions = append(transactions, transaction{
				ID:            t.ID,
				CreatedAt:     t.CreatedAt,
				Kind:          t.Kind,
				Amount:        t.Amount,
				BalanceAfter:  t.BalanceAfter,
				ReferenceID:   t.ReferenceID,
				ReferenceType: t.ReferenceType,
				Description:   t.Description,
			})
		}

		render.JSON(w, transactions)
	})
}

func handleFundWallet(walletService walletService, l logger.Logger) http.Handler {
	type request struct {
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		PaymentID string `json:"payment_id" validate:"required,uuid4"`
	}
	type response struct {
		Balance int64 `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		// Payment itself is settled by the storefront, this only
		// credits the purchased amount
		paymentID := uuid.MustParse(data.PaymentID)
		ref := ledger.Ref{ID: paymentID, Type: models.ReferenceTypePayment}

		wallet, err := walletService.Fund(r.Context(), user.ID, data.Amount, ref, "credit purchase")
		if err != nil {
			l.Error("Failed to fund wallet", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, response{Balance: wallet.Balance})
	})
}

// userOrFail pulls the authenticated user set by the auth middleware.
func userOrFail(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := userctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
	return user, ok
}

// pathUUID parses a route path value as UUID, rendering 404 on garbage
// so unparseable ids are indistinguishable from missing ones.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		render.ServiceError(w, "Not found", http.StatusNotFound)
		return uuid.Nil, false
	}
	return id, true
}
