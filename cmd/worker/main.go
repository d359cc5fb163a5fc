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
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/portal/internal/app"
	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/exports"
	jobmetrics "github.com/ledgerline/portal/internal/jobs"
	"github.com/ledgerline/portal/internal/notify"
	"github.com/ledgerline/portal/internal/observability"
	"github.com/ledgerline/portal/internal/platform/cache"
	"github.com/ledgerline/portal/internal/platform/db"
	"github.com/ledgerline/portal/internal/platform/storage"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/shared"
	"github.com/ledgerline/portal/internal/users"
	"github.com/ledgerline/portal/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store, err := storage.New(ctx, storage.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.ExportBucket,
		Region:    cfg.S3Region,
	})
	if err != nil {
		return err
	}

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

	policy, err := rbac.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	engine, err := rbac.NewEngine(policy)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	publisher := events.NewRedisPublisher(redisClient, cfg.EventsChannel)
	auditLogger := audit.NewLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	rbacService := rbac.NewService(engine, rbac.NewRepository(pool), auditLogger, publisher, logger)
	usersRepo := users.NewRepository(pool)

	bulkService := bulkops.NewService(bulkops.Deps{
		Repo:        bulkops.NewRepository(pool),
		Snapshots:   bulkops.NewRedisProgress(redisClient, cfg.BulkProgressTTL),
		Users:       users.NewService(usersRepo),
		Engines:     rbacService,
		Keys:        idempotency,
		Enqueuer:    jobClient,
		Mailer:      jobClient,
		Publisher:   publisher,
		Audit:       auditLogger,
		Counter:     jobMetrics,
		Logger:      logger,
		Concurrency: cfg.BulkConcurrency,
	})

	dispatch := exports.NewDispatchJob(exports.JobDeps{
		Repo:      exports.NewRepository(pool),
		Users:     usersRepo,
		Store:     store,
		Notifier:  notify.NewDispatcher(notify.Options{Timeout: cfg.NotifyTimeout, Logger: logger}),
		Mailer:    jobClient,
		Publisher: publisher,
		Logger:    logger,
		LinkTTL:   cfg.ExportLinkTTL,
	})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBulkExecute, Handler: jobs.BulkExecuteHandler(bulkService, jobMetrics, logger)},
			{Type: jobs.TaskExportDispatch, Handler: jobs.ExportDispatchHandler(dispatch, jobMetrics, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.IdempotencyCleanupHandler(idempotency, jobMetrics, logger)},
			{Type: jobs.TaskTypeSendEmail, Handler: jobs.SendEmailHandler(jobs.LogSender{Logger: logger})},
		},
		Cron: jobs.DefaultCron(),
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency), slog.String("metrics", cfg.WorkerMetricsAddr))
	return g.Wait()
}
