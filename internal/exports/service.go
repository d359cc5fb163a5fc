package exports

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/rbac"
)

// Service manages export schedules.
type Service struct {
	repo   RepositoryPort
	audit  audit.Recorder
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService constructs a Service. rec may be nil.
func NewService(repo RepositoryPort, rec audit.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: rec, logger: logger, now: time.Now, newID: uuid.NewString}
}

// List returns the tenant's schedules.
func (s *Service) List(ctx context.Context, tenantID string) ([]Schedule, error) {
	list, err := s.repo.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Schedule{}
	}
	return list, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, tenantID, id string) (Schedule, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// Create validates in and stores a schedule owned by actor.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in ScheduleInput) (Schedule, error) {
	in = in.Normalize()
	now := s.now().UTC()
	next, err := checkedNext(in, now)
	if err != nil {
		return Schedule{}, err
	}
	sched := Schedule{
		ID:            s.newID(),
		TenantID:      actor.GetTenantID(),
		ScheduleInput: in,
		NextRunAt:     next,
		CreatedBy:     actor.GetID(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, sched); err != nil {
		return Schedule{}, err
	}
	s.record(ctx, actor, "export.schedule.create", sched)
	return sched, nil
}

// Update applies patch to an existing schedule. The next run is recomputed
// from now.
func (s *Service) Update(ctx context.Context, actor rbac.Principal, id string, patch SchedulePatch) (Schedule, error) {
	sched, err := s.repo.Get(ctx, actor.GetTenantID(), id)
	if err != nil {
		return Schedule{}, err
	}
	in := patch.Apply(sched.ScheduleInput).Normalize()
	now := s.now().UTC()
	next, err := checkedNext(in, now)
	if err != nil {
		return Schedule{}, err
	}
	sched.ScheduleInput = in
	sched.NextRunAt = next
	sched.UpdatedAt = now
	if err := s.repo.Update(ctx, sched); err != nil {
		return Schedule{}, err
	}
	s.record(ctx, actor, "export.schedule.update", sched)
	return sched, nil
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id string) error {
	sched, err := s.repo.Get(ctx, actor.GetTenantID(), id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, sched.TenantID, id); err != nil {
		return err
	}
	s.record(ctx, actor, "export.schedule.delete", sched)
	return nil
}

// Preview validates in and reports the next run without storing anything.
func (s *Service) Preview(in ScheduleInput) (ValidationResult, *time.Time) {
	res := ValidateSchedule(in)
	if !res.Valid {
		return res, nil
	}
	next, err := CalculateNextExecutionTime(in, s.now().UTC())
	if err != nil {
		return res, nil
	}
	return res, &next
}

func checkedNext(in ScheduleInput, now time.Time) (time.Time, error) {
	if res := ValidateSchedule(in); !res.Valid {
		return time.Time{}, &ValidationError{Result: res}
	}
	return CalculateNextExecutionTime(in, now)
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, sched Schedule) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, audit.Entry{
		TenantID: sched.TenantID,
		ActorID:  actor.GetID(),
		Action:   action,
		Entity:   "export_schedule",
		EntityID: sched.ID,
		Meta:     map[string]any{"name": sched.Name, "frequency": sched.Frequency},
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("exports audit", slog.String("action", action), slog.Any("error", err))
	}
}
