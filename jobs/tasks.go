package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueCritical carries user-initiated work such as bulk executions.
	QueueCritical = "critical"
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskBulkExecute applies a started bulk operation.
	TaskBulkExecute = "bulk:execute"
	// TaskExportDispatch delivers due export schedules.
	TaskExportDispatch = "export:dispatch"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(5)), nil
}

// BulkExecutePayload identifies the operation to apply.
type BulkExecutePayload struct {
	TenantID    string `json:"tenant_id"`
	OperationID string `json:"operation_id"`
}

// NewBulkExecuteTask constructs a bulk execution task. The operation ID is
// the task ID so an operation is queued at most once.
func NewBulkExecuteTask(payload BulkExecutePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBulkExecute, data,
		asynq.Queue(QueueCritical),
		asynq.TaskID("bulk:"+payload.OperationID),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

// NewExportDispatchTask constructs the periodic export dispatch task.
func NewExportDispatchTask() *asynq.Task {
	return asynq.NewTask(TaskExportDispatch, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(0), asynq.Timeout(5*time.Minute))
}

// NewIdempotencyCleanupTask constructs the periodic cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// MailSender delivers one email.
type MailSender interface {
	Send(ctx context.Context, msg SendEmailPayload) error
}

// LogSender writes emails to the log instead of sending them.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements MailSender.
func (s LogSender) Send(_ context.Context, msg SendEmailPayload) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("send email", slog.String("to", msg.To), slog.String("subject", msg.Subject), slog.Int("body_bytes", len(msg.Body)))
	return nil
}

// SendEmailHandler processes TaskTypeSendEmail tasks.
func SendEmailHandler(sender MailSender) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode %s: %v: %w", TaskTypeSendEmail, err, asynq.SkipRetry)
		}
		if payload.To == "" {
			return fmt.Errorf("%s: empty recipient: %w", TaskTypeSendEmail, asynq.SkipRetry)
		}
		return sender.Send(ctx, payload)
	}
}
