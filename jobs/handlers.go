package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerline/portal/internal/exports"
	jobmetrics "github.com/ledgerline/portal/internal/jobs"
	"github.com/ledgerline/portal/internal/platform/httpx"
)

const idempotencyRetention = 7 * 24 * time.Hour

// BulkExecutor applies a started bulk operation.
type BulkExecutor interface {
	Execute(ctx context.Context, tenantID, id string) error
}

// ExportRunner delivers due export schedules.
type ExportRunner interface {
	Run(ctx context.Context) (exports.RunSummary, error)
}

// KeyCleaner prunes idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BulkExecuteHandler runs TaskBulkExecute. Unknown operations are not
// retried.
func BulkExecuteHandler(exec BulkExecutor, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) (resultErr error) {
		var payload BulkExecutePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OperationID == "" {
			return fmt.Errorf("decode %s: %w", TaskBulkExecute, asynq.SkipRetry)
		}
		tracker := metrics.Track(TaskBulkExecute)
		defer func() { resultErr = tracker.End(resultErr) }()

		log := loggerOr(logger).With(slog.String("tenant", payload.TenantID), slog.String("operation", payload.OperationID))
		log.Info("bulk execute")
		if err := exec.Execute(ctx, payload.TenantID, payload.OperationID); err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				log.Warn("bulk operation gone", slog.Any("error", err))
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			log.Error("bulk execute failed", slog.Any("error", err))
			return err
		}
		return nil
	}
}

// ExportDispatchHandler runs one export dispatch pass.
func ExportDispatchHandler(runner ExportRunner, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) (resultErr error) {
		tracker := metrics.Track(TaskExportDispatch)
		defer func() { resultErr = tracker.End(resultErr) }()

		summary, err := runner.Run(ctx)
		metrics.AddExportDeliveries("delivered", summary.Delivered)
		metrics.AddExportDeliveries("failed", summary.Failed)
		if summary.Due > 0 {
			loggerOr(logger).Info("export dispatch",
				slog.Int("due", summary.Due),
				slog.Int("delivered", summary.Delivered),
				slog.Int("failed", summary.Failed))
		}
		return err
	}
}

// IdempotencyCleanupHandler prunes keys older than a week.
func IdempotencyCleanupHandler(cleaner KeyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) (resultErr error) {
		tracker := metrics.Track(TaskIdempotencyCleanup)
		defer func() { resultErr = tracker.End(resultErr) }()

		removed, err := cleaner.Cleanup(ctx, idempotencyRetention)
		if err != nil {
			return err
		}
		loggerOr(logger).Info("idempotency cleanup", slog.Int64("removed", removed))
		return nil
	}
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
