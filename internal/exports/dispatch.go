package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/notify"
	"github.com/ledgerline/portal/internal/users"
)

const (
	defaultBatch    = 20
	defaultLease    = 10 * time.Minute
	defaultLinkTTL  = 72 * time.Hour
	maxExportedRows = 50000
)

// Directory lists the users to export.
type Directory interface {
	ListUsers(ctx context.Context, filter users.Filter) ([]users.User, error)
}

// ObjectStore keeps artifacts and signs download links.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Notifier fans a message out to integrations.
type Notifier interface {
	Dispatch(ctx context.Context, targets []notify.Target, msg notify.Message) ([]notify.Receipt, error)
}

// Mailer queues one email per recipient.
type Mailer interface {
	EnqueueMail(ctx context.Context, to, subject, body string) error
}

// JobDeps wires a DispatchJob.
type JobDeps struct {
	Repo      RepositoryPort
	Users     Directory
	Store     ObjectStore
	Notifier  Notifier
	Mailer    Mailer
	Publisher events.Publisher
	Logger    *slog.Logger
	Batch     int
	Lease     time.Duration
	LinkTTL   time.Duration
	Now       func() time.Time
}

// DispatchJob delivers due schedules.
type DispatchJob struct {
	JobDeps
}

// RunSummary counts one dispatch pass.
type RunSummary struct {
	Due       int
	Delivered int
	Failed    int
}

// NewDispatchJob constructs a DispatchJob.
func NewDispatchJob(deps JobDeps) *DispatchJob {
	if deps.Batch <= 0 {
		deps.Batch = defaultBatch
	}
	if deps.Lease <= 0 {
		deps.Lease = defaultLease
	}
	if deps.LinkTTL <= 0 {
		deps.LinkTTL = defaultLinkTTL
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &DispatchJob{JobDeps: deps}
}

// Run claims due schedules and delivers each one. A schedule always advances
// to its next run, failed or not; the failure is kept in LastError.
func (j *DispatchJob) Run(ctx context.Context) (RunSummary, error) {
	now := j.Now().UTC()
	due, err := j.Repo.ClaimDue(ctx, now, j.Lease, j.Batch)
	if err != nil {
		return RunSummary{}, err
	}
	summary := RunSummary{Due: len(due)}
	var errs []error
	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		deliverErr := j.deliver(ctx, sched, now)
		lastErr := ""
		if deliverErr != nil {
			summary.Failed++
			lastErr = deliverErr.Error()
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.ID, deliverErr))
			j.Logger.Error("export delivery", slog.String("schedule", sched.ID), slog.String("tenant", sched.TenantID), slog.Any("error", deliverErr))
		} else {
			summary.Delivered++
		}

		next, err := CalculateNextExecutionTime(sched.ScheduleInput, now)
		if err != nil {
			// An unparseable stored schedule is parked a day out.
			next = now.Add(24 * time.Hour)
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.ID, err))
		}
		if err := j.Repo.MarkRun(ctx, sched.ID, now, next, lastErr); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.ID, err))
		}
	}
	return summary, errors.Join(errs...)
}

func (j *DispatchJob) deliver(ctx context.Context, sched Schedule, now time.Time) error {
	list, err := j.Users.ListUsers(ctx, users.Filter{
		TenantID: sched.TenantID,
		Role:     sched.Filter.Role,
		Status:   sched.Filter.Status,
		Limit:    maxExportedRows,
	})
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	data, err := RenderUsers(sched.Format, list)
	if err != nil {
		return err
	}
	key := ArtifactKey(sched, now)
	if err := j.Store.Put(ctx, key, sched.Format.ContentType(), data); err != nil {
		return err
	}
	link, err := j.Store.PresignGet(ctx, key, j.LinkTTL)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s: %d users", sched.Name, len(list))
	body := fmt.Sprintf("Your %s export %q is ready.\n\nDownload (valid for %s): %s\n", sched.Frequency, sched.Name, j.LinkTTL, link)
	var mailErrs []error
	for _, to := range sched.Recipients {
		if err := j.Mailer.EnqueueMail(ctx, to, subject, body); err != nil {
			mailErrs = append(mailErrs, fmt.Errorf("mail %s: %w", to, err))
		}
	}

	if len(sched.Integrations) > 0 && j.Notifier != nil {
		msg := notify.Message{
			Title: sched.Name,
			Text:  fmt.Sprintf("%d users exported as %s", len(list), strings.ToUpper(string(sched.Format))),
			Link:  link,
			Event: events.ExportDelivered,
			Data:  map[string]any{"scheduleId": sched.ID, "rows": len(list)},
		}
		if _, err := j.Notifier.Dispatch(ctx, sched.Integrations, msg); err != nil {
			j.Logger.Warn("export notify", slog.String("schedule", sched.ID), slog.Any("error", err))
		}
	}

	if err := j.Publisher.Publish(ctx, events.Event{
		Name:     events.ExportDelivered,
		TenantID: sched.TenantID,
		Subject:  sched.ID,
		Payload:  map[string]any{"key": key, "rows": len(list), "recipients": len(sched.Recipients)},
		At:       now,
	}); err != nil {
		j.Logger.Warn("export publish", slog.String("schedule", sched.ID), slog.Any("error", err))
	}
	return errors.Join(mailErrs...)
}

// ArtifactKey names the object for one run.
func ArtifactKey(sched Schedule, ranAt time.Time) string {
	ext := "csv"
	if sched.Format == FormatJSON {
		ext = "json"
	}
	return fmt.Sprintf("exports/%s/%s/%s.%s", sched.TenantID, sched.ID, ranAt.UTC().Format("20060102T150405Z"), ext)
}

var csvHeader = []string{"id", "name", "email", "role", "status", "created_at"}

// RenderUsers encodes list in format.
func RenderUsers(format Format, list []users.User) ([]byte, error) {
	if format == FormatJSON {
		if list == nil {
			list = []users.User{}
		}
		data, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("exports: encode json: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("exports: write header: %w", err)
	}
	for _, u := range list {
		record := []string{
			strconv.FormatInt(u.ID, 10),
			u.Name,
			u.Email,
			string(u.Role),
			string(u.Status),
			u.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("exports: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("exports: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
