package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-id/aegis/internal/app"
	"github.com/aegis-id/aegis/internal/authz"
	"github.com/aegis-id/aegis/internal/observability"
	"github.com/aegis-id/aegis/internal/platform/cache"
	"github.com/aegis-id/aegis/internal/platform/db"
	"github.com/aegis-id/aegis/internal/roles"
	"github.com/aegis-id/aegis/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The cache is an optimization; the core runs without it.
		logger.Warn("redis unavailable, running uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	publisher := shared.NewRedisPublisher(redisClient, logger)

	decisionCache := authz.NewCache(redisClient)
	authzRepo := authz.NewRepository(pool)
	decisionService := authz.NewService(authzRepo, decisionCache, auditLogger, logger, authz.Config{
		DecisionTTL:       cfg.DecisionTTL,
		CriticalResources: cfg.CriticalResourceList(),
	})
	authzHandler := authz.NewHandler(logger, decisionService, metrics)

	idempotencyStore := shared.NewPgIdempotencyStore(pool)
	idempotencyGuard := shared.NewIdempotencyGuard(idempotencyStore, cfg.IdempotencyRetention, logger)

	rolesRepo := roles.NewRepository(pool)
	trustGuard := roles.NewTrustGuard(rolesRepo)
	rolesService := roles.NewService(rolesRepo, trustGuard, auditLogger, publisher, decisionCache, logger, cfg.ApprovalThreshold)
	rolesHandler := roles.NewHandler(logger, rolesService, idempotencyGuard, metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		AuthzHandler: authzHandler,
		RolesHandler: rolesHandler,
		Pool:         pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
