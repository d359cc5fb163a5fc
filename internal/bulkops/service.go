package bulkops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/shared"
	"github.com/ledgerline/portal/internal/users"
)

const idempotencyModule = "bulkops"

// KeyStore rejects request IDs that were already accepted.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Enqueuer schedules the asynchronous execute job.
type Enqueuer interface {
	EnqueueBulkExecute(ctx context.Context, tenantID, operationID string) error
}

// Mailer queues one email per recipient.
type Mailer interface {
	EnqueueMail(ctx context.Context, to, subject, body string) error
}

// ItemCounter observes per-user outcomes.
type ItemCounter interface {
	AddBulkItems(operation, status string, n int)
}

// Deps wires a Service.
type Deps struct {
	Repo        RepositoryPort
	Snapshots   ProgressStore
	Users       Directory
	Engines     EngineSource
	Keys        KeyStore
	Enqueuer    Enqueuer
	Mailer      Mailer
	Publisher   events.Publisher
	Audit       audit.Recorder
	Counter     ItemCounter
	Logger      *slog.Logger
	Concurrency int
	Now         func() time.Time
}

// Service runs bulk operations.
type Service struct {
	Deps
	planner *Planner
}

// NewService constructs a Service.
func NewService(deps Deps) *Service {
	if deps.Concurrency <= 0 {
		deps.Concurrency = 4
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{Deps: deps, planner: NewPlanner(deps.Users, deps.Engines, deps.Concurrency)}
}

// Preview runs a dry-run for actor.
func (s *Service) Preview(ctx context.Context, actor rbac.Principal, req Request) (DryRun, error) {
	req.TenantID = actor.GetTenantID()
	return s.planner.Preview(ctx, actor, req)
}

// Start accepts req for execution once. The dry-run is repeated and must
// allow proceeding.
func (s *Service) Start(ctx context.Context, actor rbac.Principal, req Request) (Progress, error) {
	if req.RequestID == "" {
		return Progress{}, ErrRequestIDRequired
	}
	req.TenantID = actor.GetTenantID()
	module := idempotencyModule + ":" + req.TenantID
	if err := s.Keys.CheckAndInsert(ctx, req.RequestID, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return Progress{}, ErrDuplicateRequest
		}
		return Progress{}, fmt.Errorf("bulkops: idempotency: %w", err)
	}
	release := func() {
		if err := s.Keys.Delete(ctx, req.RequestID, module); err != nil {
			s.Logger.Warn("bulkops release request id", slog.String("request_id", req.RequestID), slog.Any("error", err))
		}
	}

	dry, err := s.planner.Preview(ctx, actor, req)
	if err != nil {
		release()
		return Progress{}, err
	}
	if !dry.CanProceed {
		release()
		return Progress{}, ErrCannotProceed
	}

	now := s.Now().UTC()
	ids := uniqueIDs(req.UserIDs)
	rec := Record{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Operation: req.Operation,
		UserIDs:   ids,
		Status:    StatusPending,
		Total:     len(ids),
		Details:   []string{},
		CreatedBy: actor.GetID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.CreateOperation(ctx, rec); err != nil {
		release()
		return Progress{}, err
	}
	progress := s.publishProgress(ctx, rec, 0)
	if err := s.Enqueuer.EnqueueBulkExecute(ctx, rec.TenantID, rec.ID); err != nil {
		_ = s.fail(ctx, &rec, progress.Version, fmt.Errorf("enqueue: %w", err))
		release()
		return Progress{}, fmt.Errorf("bulkops: enqueue: %w", err)
	}
	s.afterWrite(ctx, rec, actor.GetID(), "bulk.start", events.BulkStarted, map[string]any{
		"type":      rec.Operation.Type(),
		"total":     rec.Total,
		"riskLevel": dry.RiskLevel.String(),
	})
	return progress, nil
}

// Progress returns the latest snapshot. The record wins when it is
// terminal, when the snapshot expired, or when the snapshot is older than
// the record; its version then stays above any snapshot already served.
func (s *Service) Progress(ctx context.Context, tenantID, id string) (Progress, error) {
	snap, ok, err := s.Snapshots.Get(ctx, tenantID, id)
	if err != nil {
		s.Logger.Warn("bulkops progress cache", slog.String("operation_id", id), slog.Any("error", err))
	}
	if ok && snap.Status.Terminal() {
		return snap, nil
	}
	rec, err := s.Repo.GetOperation(ctx, tenantID, id)
	if err != nil {
		return Progress{}, err
	}
	if ok && !rec.Status.Terminal() && !snap.UpdatedAt.Before(rec.UpdatedAt) {
		return snap, nil
	}
	p := rec.Progress()
	if ok && p.Version <= snap.Version {
		p.Version = snap.Version + 1
	}
	return p, nil
}

// Result returns the terminal record.
func (s *Service) Result(ctx context.Context, tenantID, id string) (Result, error) {
	rec, err := s.Repo.GetOperation(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}
	if !rec.Status.Terminal() {
		return Result{}, ErrNotFinished
	}
	return rec.Result(), nil
}

// Get returns the operation record.
func (s *Service) Get(ctx context.Context, tenantID, id string) (Record, error) {
	return s.Repo.GetOperation(ctx, tenantID, id)
}

// List returns recent operations.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.Repo.ListOperations(ctx, tenantID, limit)
}

// Execute applies a pending operation. Redelivered tasks skip users that
// already have an item and finished operations are left untouched.
func (s *Service) Execute(ctx context.Context, tenantID, id string) error {
	rec, err := s.Repo.GetOperation(ctx, tenantID, id)
	if err != nil {
		return err
	}
	logger := s.Logger.With(slog.String("operation_id", id), slog.String("tenant_id", tenantID))
	if rec.Status.Terminal() {
		logger.Info("bulk operation already finished", slog.String("status", string(rec.Status)))
		return nil
	}
	version := s.lastVersion(ctx, tenantID, id)

	engine, err := s.Engines.EngineFor(ctx, tenantID)
	if err != nil {
		return s.fail(ctx, &rec, version, fmt.Errorf("load engine: %w", err))
	}
	found, err := s.Users.UsersByID(ctx, tenantID, rec.UserIDs)
	if err != nil {
		return s.fail(ctx, &rec, version, fmt.Errorf("load users: %w", err))
	}
	done, err := s.Repo.ListItems(ctx, id)
	if err != nil {
		return s.fail(ctx, &rec, version, fmt.Errorf("load items: %w", err))
	}

	run := &execution{svc: s, rec: &rec, version: version, engine: engine, logger: logger, users: map[int64]users.User{}}
	for _, u := range found {
		run.users[u.ID] = u
	}
	run.rec.Succeeded, run.rec.Failed, run.rec.Warnings = 0, 0, 0
	finished := map[int64]struct{}{}
	for _, item := range done {
		finished[item.UserID] = struct{}{}
		if item.Status == ItemFailed {
			run.rec.Failed++
		} else {
			run.rec.Succeeded++
		}
	}

	rec.Status = StatusInProgress
	rec.UpdatedAt = s.Now().UTC()
	if err := s.Repo.UpdateOperation(ctx, rec); err != nil {
		return fmt.Errorf("bulkops: mark in progress: %w", err)
	}
	run.checkpoint(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for _, userID := range rec.UserIDs {
		if _, ok := finished[userID]; ok {
			continue
		}
		g.Go(func() error { return run.apply(gctx, userID) })
	}
	if err := g.Wait(); err != nil {
		return s.fail(ctx, &rec, run.version, err)
	}

	now := s.Now().UTC()
	rec.Status = StatusCompleted
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	if err := s.Repo.UpdateOperation(ctx, rec); err != nil {
		return fmt.Errorf("bulkops: complete: %w", err)
	}
	run.checkpoint(ctx)
	logger.Info("bulk operation completed", slog.Int("succeeded", rec.Succeeded), slog.Int("failed", rec.Failed), slog.Int("warnings", rec.Warnings))
	s.afterWrite(ctx, rec, rec.CreatedBy, "bulk.complete", events.BulkCompleted, map[string]any{
		"succeeded": rec.Succeeded,
		"failed":    rec.Failed,
		"warnings":  rec.Warnings,
	})
	return nil
}

// Rollback restores every applied user to its recorded before state. Only
// completed operations without failures can be rolled back.
func (s *Service) Rollback(ctx context.Context, actor rbac.Principal, id string) (Result, error) {
	tenantID := actor.GetTenantID()
	rec, err := s.Repo.GetOperation(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}
	switch {
	case rec.Status != StatusCompleted:
		return Result{}, fmt.Errorf("%w: operation is %s", ErrRollbackUnavailable, rec.Status)
	case rec.Failed != 0:
		return Result{}, fmt.Errorf("%w: %d users failed", ErrRollbackUnavailable, rec.Failed)
	case rec.Operation.Type() == OpSendEmail:
		return Result{}, fmt.Errorf("%w: sent emails cannot be recalled", ErrRollbackUnavailable)
	}
	items, err := s.Repo.ListItems(ctx, id)
	if err != nil {
		return Result{}, err
	}
	restored := 0
	for _, item := range items {
		if item.Status != ItemApplied {
			continue
		}
		u, err := s.Users.GetUser(ctx, tenantID, item.UserID)
		if err != nil {
			return Result{}, fmt.Errorf("bulkops: rollback user %d: %w", item.UserID, err)
		}
		if _, err := s.Users.UpdateUser(ctx, item.Before.applyTo(u)); err != nil {
			return Result{}, fmt.Errorf("bulkops: rollback user %d: %w", item.UserID, err)
		}
		item.Status = ItemRolledBack
		if err := s.Repo.SaveItem(ctx, item); err != nil {
			return Result{}, err
		}
		restored++
	}

	now := s.Now().UTC()
	rec.Status = StatusRolledBack
	rec.UpdatedAt = now
	rec.Details = append(rec.Details, fmt.Sprintf("Rolled back %d users", restored))
	if err := s.Repo.UpdateOperation(ctx, rec); err != nil {
		return Result{}, err
	}
	s.publishProgress(ctx, rec, s.lastVersion(ctx, tenantID, id))
	s.afterWrite(ctx, rec, actor.GetID(), "bulk.rollback", events.BulkRolledBack, map[string]any{"restored": restored})
	return rec.Result(), nil
}

func (s *Service) fail(ctx context.Context, rec *Record, version int64, cause error) error {
	now := s.Now().UTC()
	rec.Status = StatusFailed
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	rec.Details = append(rec.Details, cause.Error())
	if err := s.Repo.UpdateOperation(ctx, *rec); err != nil {
		s.Logger.Error("bulkops mark failed", slog.String("operation_id", rec.ID), slog.Any("error", err))
	}
	s.publishProgress(ctx, *rec, version)
	s.afterWrite(ctx, *rec, rec.CreatedBy, "bulk.fail", events.BulkFailed, map[string]any{"error": cause.Error()})
	return fmt.Errorf("bulkops: operation %s failed: %w", rec.ID, cause)
}

// lastVersion reads the stored snapshot version, zero when absent.
func (s *Service) lastVersion(ctx context.Context, tenantID, id string) int64 {
	p, ok, err := s.Snapshots.Get(ctx, tenantID, id)
	if err != nil || !ok {
		return 0
	}
	return p.Version
}

// nextVersion is strictly greater than last and tracks wall-clock millis so
// versions keep increasing after a cached snapshot expires.
func (s *Service) nextVersion(last int64) int64 {
	return max(last+1, s.Now().UnixMilli())
}

func (s *Service) publishProgress(ctx context.Context, rec Record, last int64) Progress {
	p := rec.Progress()
	p.Version = s.nextVersion(last)
	p.UpdatedAt = s.Now().UTC()
	if _, err := s.Snapshots.Save(ctx, rec.TenantID, p); err != nil {
		s.Logger.Warn("bulkops save progress", slog.String("operation_id", rec.ID), slog.Any("error", err))
	}
	return p
}

func (s *Service) afterWrite(ctx context.Context, rec Record, actorID int64, action, event string, meta map[string]any) {
	now := s.Now().UTC()
	if s.Audit != nil {
		if err := s.Audit.Record(ctx, audit.Entry{
			TenantID: rec.TenantID,
			ActorID:  actorID,
			Action:   action,
			Entity:   "bulk_operation",
			EntityID: rec.ID,
			Meta:     meta,
			At:       now,
		}); err != nil {
			s.Logger.Warn("bulkops audit", slog.String("action", action), slog.Any("error", err))
		}
	}
	if err := s.Publisher.Publish(ctx, events.Event{
		Name:     event,
		TenantID: rec.TenantID,
		ActorID:  actorID,
		Subject:  rec.ID,
		Payload:  meta,
		At:       now,
	}); err != nil {
		s.Logger.Warn("bulkops publish", slog.String("event", event), slog.Any("error", err))
	}
}

// execution holds the mutable state of one Execute run.
type execution struct {
	svc     *Service
	rec     *Record
	engine  *rbac.Engine
	users   map[int64]users.User
	logger  *slog.Logger
	mu      sync.Mutex
	version int64
}

func (x *execution) apply(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := x.rec.Operation.Config
	item := Item{OperationID: x.rec.ID, UserID: userID}
	var warnings []string

	u, ok := x.users[userID]
	switch {
	case !ok:
		item.Status = ItemFailed
		item.Message = fmt.Sprintf("user %d not found", userID)
	default:
		pl := evaluator{engine: x.engine}.evaluate(cfg, u)
		item.Before, item.After = pl.before, pl.after
		for _, w := range pl.warnings() {
			warnings = append(warnings, fmt.Sprintf("user %d: %s", userID, w.Message))
		}
		if c, blocked := pl.blocked(); blocked {
			item.Status = ItemFailed
			item.Message = c.Message
			break
		}
		item.Status, item.Message = x.perform(ctx, cfg, u, pl)
	}

	if err := x.svc.Repo.SaveItem(ctx, item); err != nil {
		return err
	}
	if item.Status == ItemFailed {
		x.logger.Warn("bulk item failed", slog.Int64("user_id", userID), slog.String("reason", item.Message))
	}
	x.record(ctx, item, warnings)
	return nil
}

func (x *execution) perform(ctx context.Context, cfg Config, u users.User, pl plan) (ItemStatus, string) {
	if mail, ok := cfg.(SendEmailConfig); ok {
		if err := x.svc.Mailer.EnqueueMail(ctx, u.Email, mail.Subject, mail.Body); err != nil {
			return ItemFailed, fmt.Sprintf("queue email: %v", err)
		}
		return ItemApplied, ""
	}
	if !pl.acts {
		return ItemUnchanged, ""
	}
	if _, err := x.svc.Users.UpdateUser(ctx, pl.after.applyTo(u)); err != nil {
		return ItemFailed, fmt.Sprintf("update user: %v", err)
	}
	return ItemApplied, ""
}

func (x *execution) record(ctx context.Context, item Item, warnings []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if item.Status == ItemFailed {
		x.rec.Failed++
		x.rec.Details = append(x.rec.Details, fmt.Sprintf("user %d: %s", item.UserID, item.Message))
	} else {
		x.rec.Succeeded++
	}
	x.rec.Warnings += len(warnings)
	x.rec.Details = append(x.rec.Details, warnings...)
	if x.svc.Counter != nil {
		x.svc.Counter.AddBulkItems(string(x.rec.Operation.Type()), string(item.Status), 1)
	}
	x.checkpointLocked(ctx)
}

func (x *execution) checkpoint(ctx context.Context) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.checkpointLocked(ctx)
}

func (x *execution) checkpointLocked(ctx context.Context) {
	p := x.svc.publishProgress(ctx, *x.rec, x.version)
	x.version = p.Version
}
