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

	"github.com/hibiken/asynq"

	"github.com/ledgerline/portal/internal/app"
	"github.com/ledgerline/portal/internal/audit"
	audithttp "github.com/ledgerline/portal/internal/audit/http"
	"github.com/ledgerline/portal/internal/auth"
	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/exports"
	"github.com/ledgerline/portal/internal/observability"
	"github.com/ledgerline/portal/internal/platform/cache"
	"github.com/ledgerline/portal/internal/platform/db"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/shared"
	"github.com/ledgerline/portal/internal/users"
	"github.com/ledgerline/portal/jobs"
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("portal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.PGDSN); err != nil {
			return err
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	policy, err := rbac.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	engine, err := rbac.NewEngine(policy)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	publisher := events.NewRedisPublisher(redisClient, cfg.EventsChannel)
	auditLogger := audit.NewLogger(dbpool)

	rbacService := rbac.NewService(engine, rbac.NewRepository(dbpool), auditLogger, publisher, logger)
	rbacMiddleware := rbac.Middleware{Source: rbacService, Logger: logger}

	usersService := users.NewService(users.NewRepository(dbpool))

	bulkService := bulkops.NewService(bulkops.Deps{
		Repo:        bulkops.NewRepository(dbpool),
		Snapshots:   bulkops.NewRedisProgress(redisClient, cfg.BulkProgressTTL),
		Users:       usersService,
		Engines:     rbacService,
		Keys:        shared.NewIdempotencyStore(dbpool),
		Enqueuer:    jobClient,
		Mailer:      jobClient,
		Publisher:   publisher,
		Audit:       auditLogger,
		Logger:      logger,
		Concurrency: cfg.BulkConcurrency,
	})

	exportService := exports.NewService(exports.NewRepository(dbpool), auditLogger, logger)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	authService := auth.NewService(auth.NewRepository(dbpool), issuer)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		Authenticate:       auth.Middleware(issuer, logger),
		AuthHandler:        auth.NewHandler(logger, authService),
		PermissionsHandler: rbac.NewHandler(logger, rbacService, rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, usersService, rbacMiddleware),
		BulkHandler:        bulkops.NewHandler(logger, bulkService, rbacMiddleware),
		ExportsHandler:     exports.NewHandler(logger, exportService, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("portal listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
