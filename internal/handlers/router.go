package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/handlers/middleware"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/service/ledger"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	walletService walletService,
	generationService generationService,
	figurineService figurineService,
	logger logger.Logger,
) http.Handler {
	authMiddleware := middleware.AuthMiddleware(authService)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}

	apiuser := http.NewServeMux()

	apiuser.Handle("POST /register", handleRegister(authService, logger))
	apiuser.Handle("POST /login", handleLogin(authService, logger))
	apiuser.Handle("POST /refresh", handleTokenRefresh(authService, logger))

	apiuser.Handle("GET /wallet", withAuth(handleWalletBalance(walletService, logger)))
	apiuser.Handle("GET /wallet/transactions", withAuth(handleListTransactions(walletService, logger)))
	apiuser.Handle("POST /wallet/fund", withAuth(handleFundWallet(walletService, logger)))

	apiuser.Handle("POST /generations/mockup", withAuth(handleStartMockup(generationService, logger)))
	apiuser.Handle("POST /generations/product-image", withAuth(handleStartProductImage(generationService, logger)))
	apiuser.Handle("GET /generations/{jobID}", withAuth(handleGetJob(generationService, logger)))
	apiuser.Handle("GET /generations/{jobID}/artifact", withAuth(handleJobArtifact(generationService, logger)))
	apiuser.Handle("POST /generations/{jobID}/discard", withAuth(handleDiscardJob(generationService, logger)))

	apiuser.Handle("POST /figurines", withAuth(handleCreateFigurine(figurineService, logger)))
	apiuser.Handle("GET /figurines/{projectID}", withAuth(handleGetFigurine(figurineService, logger)))
	apiuser.Handle("POST /figurines/{projectID}/approve", withAuth(handleApproveFigurine(figurineService, logger)))
	apiuser.Handle("POST /figurines/{projectID}/convert", withAuth(handleConvertFigurine(figurineService, logger)))
	apiuser.Handle("POST /figurines/{projectID}/license", withAuth(handlePurchaseLicense(figurineService, logger)))
	apiuser.Handle("GET /figurines/{projectID}/download", withAuth(handleFigurineDownload(figurineService, logger)))

	root := http.NewServeMux()
	root.Handle("/api/user/", http.StripPrefix("/api/user", apiuser))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Register user with username and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrUserNotFound if user not found
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Refresh tokens using refresh token
	// If token expired: has to return apperrors.ErrRefreshTokenExpired
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	// Get request and return user if it authenticated or error
	Auth(ctx context.Context, r *http.Request) (models.User, error)
}

type walletService interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	Transactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error)
	Fund(ctx context.Context, userID uuid.UUID, amount int64, ref ledger.Ref, description string) (models.Wallet, error)
}

type generationService interface {
	StartMockup(ctx context.Context, userID uuid.UUID, in models.MockupInput) (models.Job, models.Wallet, error)
	StartProductImage(ctx context.Context, userID uuid.UUID, in models.ProductImageInput) (models.Job, models.Wallet, error)
	GetJob(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (models.Job, error)
	Discard(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (models.Job, models.Wallet, error)
	ArtifactURL(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (string, error)
}

type figurineService interface {
	CreateProject(ctx context.Context, userID uuid.UUID, in models.FigurineConceptInput) (models.FigurineProject, models.Job, models.Wallet, error)
	GetProject(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.FigurineProject, []models.Job, []models.FigurineLicense, error)
	Approve(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.Job, models.Wallet, error)
	Convert(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.Job, models.Wallet, error)
	PurchaseLicense(ctx context.Context, userID uuid.UUID, projectID uuid.UUID, tier string) (models.Wallet, error)
	DownloadURL(ctx context.Context, userID uuid.UUID, projectID uuid.UUID, format string) (string, error)
}
