package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/printmint/printmint/internal/handlers"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/repository/postgres"
	"github.com/printmint/printmint/internal/service/auth"
	"github.com/printmint/printmint/internal/service/inference"
	"github.com/printmint/printmint/internal/service/ledger"
	"github.com/printmint/printmint/internal/service/objstore"
	"github.com/printmint/printmint/internal/service/orchestrator"
	"github.com/printmint/printmint/internal/service/pipeline"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	orch   *orchestrator.Orchestrator
	logger logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := repository.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	storage := postgres.NewStorage(pool)

	// Collaborators
	ledgerService := ledger.NewService(storage)

	gateway := inference.NewClient(inference.Config{
		Addr:  c.ProviderAddr,
		Token: c.ProviderToken,
	}, log)

	store, err := objstore.New(ctx, objstore.Config{
		Endpoint:  c.MinioEndpoint,
		AccessKey: c.MinioAccessKey,
		SecretKey: c.MinioSecretKey,
		Bucket:    c.MinioBucket,
		UseSSL:    c.MinioUseSSL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to object store. Err: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:         c.Workers,
		ProduceInterval: c.PollInterval,
		RunCeiling:      c.RunCeiling,
	}, ledgerService, storage, gateway, store, log)

	generationService := pipeline.NewGenerationService(orch, store, storage, c.Costs)
	figurineService := pipeline.NewFigurineService(orch, ledgerService, store, storage, c.Costs, log)

	authService, err := auth.NewService(auth.Config{
		SecretKey:       c.SecretKey,
		AccessTokenTTL:  c.AccessTokenTTL,
		RefreshTokenTTL: c.RefreshTokenTTL,
	}, storage.User(), storage.Refresh())
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	mux := handlers.NewRouter(
		authService,
		ledgerService,
		generationService,
		figurineService,
		log,
	)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		orch:       orch,
		logger:     log,
	}, nil
}

// Run starts generation workers and the http server, closing both
// gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	workersStopped := s.orch.Process(srvCtx)

	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "addr", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-workersStopped
	s.logger.Info("Generation workers stopped")

	return err
}
