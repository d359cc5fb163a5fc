package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = httpx.Wrap(httpx.ErrNotFound, errors.New("rbac: not found"))
	// ErrInvalidPermissions is returned when a permission set fails validation.
	ErrInvalidPermissions = httpx.Wrap(httpx.ErrValidation, errors.New("rbac: invalid permission set"))
	// ErrNoChanges is returned when an assignment would not change anything.
	ErrNoChanges = httpx.Wrap(httpx.ErrValidation, errors.New("rbac: no pending changes"))
	// ErrRoleDetails is returned when a role lacks a name, description or permissions.
	ErrRoleDetails = httpx.Wrap(httpx.ErrValidation, errors.New("rbac: role requires name, description and at least one permission"))
	// ErrRoleExists is returned when a custom role name collides with another role.
	ErrRoleExists = httpx.Wrap(httpx.ErrDuplicate, errors.New("rbac: role already exists"))
	// ErrCannotManage is returned when the actor does not outrank the target role.
	ErrCannotManage = httpx.Wrap(httpx.ErrForbidden, errors.New("rbac: insufficient role rank"))
	// ErrRoleInUse blocks deleting a role that is still assigned.
	ErrRoleInUse = httpx.Wrap(httpx.ErrConflict, errors.New("rbac: role is assigned to users"))
)

// RepositoryPort defines persistence for custom roles and user access.
type RepositoryPort interface {
	ListCustomRoles(ctx context.Context, tenantID string) ([]CustomRole, error)
	GetCustomRole(ctx context.Context, tenantID string, id int64) (CustomRole, error)
	CreateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error)
	UpdateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error)
	DeleteCustomRole(ctx context.Context, tenantID string, id int64) error
	GetUserAccess(ctx context.Context, tenantID string, userID int64) (UserAccess, error)
	SaveUserAccess(ctx context.Context, access UserAccess) (UserAccess, error)
}

// RoleInput carries custom role fields.
type RoleInput struct {
	Name        string       `json:"name" validate:"required,max=80"`
	Description string       `json:"description" validate:"required,max=500"`
	Rank        int          `json:"rank" validate:"gte=0,lte=100"`
	Permissions []Permission `json:"permissions" validate:"required,min=1"`
}

// Assignment is the outcome of UpdateUserPermissions.
type Assignment struct {
	Access     UserAccess       `json:"access"`
	Diff       Diff             `json:"diff"`
	Validation ValidationResult `json:"validation"`
}

// Service orchestrates RBAC persistence around the engine.
type Service struct {
	engine    *Engine
	repo      RepositoryPort
	audit     audit.Recorder
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(engine *Engine, repo RepositoryPort, recorder audit.Recorder, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{engine: engine, repo: repo, audit: recorder, publisher: publisher, logger: logger, now: time.Now}
}

// Engine returns the policy engine without tenant roles.
func (s *Service) Engine() *Engine { return s.engine }

// EngineFor returns an engine that also resolves the tenant's custom roles.
func (s *Service) EngineFor(ctx context.Context, tenantID string) (*Engine, error) {
	custom, err := s.repo.ListCustomRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defs := make([]RoleDefinition, 0, len(custom))
	for _, c := range custom {
		defs = append(defs, c.Definition())
	}
	return s.engine.WithRoles(s.engine.Roles().With(defs...)), nil
}

// ListRoles returns built-in and custom roles from least to most privileged.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]RoleDefinition, error) {
	engine, err := s.EngineFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return engine.Roles().Ordered(), nil
}

// CreateRole inserts a tenant custom role.
func (s *Service) CreateRole(ctx context.Context, actor Principal, in RoleInput) (CustomRole, error) {
	role, err := s.prepareRole(ctx, actor, in)
	if err != nil {
		return CustomRole{}, err
	}
	engine, err := s.EngineFor(ctx, actor.GetTenantID())
	if err != nil {
		return CustomRole{}, err
	}
	if _, exists := engine.Roles().Lookup(role.Key()); exists {
		return CustomRole{}, ErrRoleExists
	}
	created, err := s.repo.CreateCustomRole(ctx, role)
	if err != nil {
		return CustomRole{}, err
	}
	s.afterWrite(ctx, actor, "role.create", "role", strconv.FormatInt(created.ID, 10), events.RoleCreated, map[string]any{
		"name":        created.Name,
		"permissions": created.Permissions,
	})
	return created, nil
}

// UpdateRole replaces the fields of a custom role.
func (s *Service) UpdateRole(ctx context.Context, actor Principal, id int64, in RoleInput) (CustomRole, error) {
	existing, err := s.repo.GetCustomRole(ctx, actor.GetTenantID(), id)
	if err != nil {
		return CustomRole{}, err
	}
	if !s.canManageRank(actor, existing.Rank) {
		return CustomRole{}, ErrCannotManage
	}
	role, err := s.prepareRole(ctx, actor, in)
	if err != nil {
		return CustomRole{}, err
	}
	role.ID = existing.ID
	role.CreatedAt = existing.CreatedAt
	diff := s.engine.CalculateDiff(existing.Permissions, role.Permissions)
	updated, err := s.repo.UpdateCustomRole(ctx, role)
	if err != nil {
		return CustomRole{}, err
	}
	s.afterWrite(ctx, actor, "role.update", "role", strconv.FormatInt(updated.ID, 10), events.RoleUpdated, map[string]any{
		"name":    updated.Name,
		"added":   diff.Added,
		"removed": diff.Removed,
	})
	return updated, nil
}

// DeleteRole removes a custom role.
func (s *Service) DeleteRole(ctx context.Context, actor Principal, id int64) error {
	existing, err := s.repo.GetCustomRole(ctx, actor.GetTenantID(), id)
	if err != nil {
		return err
	}
	if !s.canManageRank(actor, existing.Rank) {
		return ErrCannotManage
	}
	if err := s.repo.DeleteCustomRole(ctx, actor.GetTenantID(), id); err != nil {
		return err
	}
	s.afterWrite(ctx, actor, "role.delete", "role", strconv.FormatInt(id, 10), events.RoleDeleted, map[string]any{"name": existing.Name})
	return nil
}

// UserAccess returns the role and effective permissions of a user.
func (s *Service) UserAccess(ctx context.Context, tenantID string, userID int64) (UserAccess, error) {
	access, err := s.repo.GetUserAccess(ctx, tenantID, userID)
	if err != nil {
		return UserAccess{}, err
	}
	if access.Permissions == nil {
		engine, err := s.EngineFor(ctx, tenantID)
		if err != nil {
			return UserAccess{}, err
		}
		access.Permissions = engine.CommonPermissionsForRole(access.Role)
	}
	return access, nil
}

// EffectivePermissions implements PermissionSource.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID string, userID int64) ([]Permission, error) {
	access, err := s.UserAccess(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return access.Permissions, nil
}

// UpdateUserPermissions re-validates and stores a user's role and permissions.
// Invalid sets and no-op changes are rejected before anything is written.
func (s *Service) UpdateUserPermissions(ctx context.Context, actor Principal, userID int64, role Role, perms []Permission) (Assignment, error) {
	tenantID := actor.GetTenantID()
	engine, err := s.EngineFor(ctx, tenantID)
	if err != nil {
		return Assignment{}, err
	}
	current, err := s.UserAccess(ctx, tenantID, userID)
	if err != nil {
		return Assignment{}, err
	}
	if role == "" {
		role = current.Role
	}
	role = NormalizeRole(string(role))
	if _, ok := engine.Roles().Lookup(role); !ok {
		return Assignment{}, httpx.Wrap(httpx.ErrValidation, fmt.Errorf("rbac: unknown role %s", role))
	}
	if !actor.IsSuperUser() {
		actorRole := NormalizeRole(actor.GetRole())
		if !engine.Roles().Outranks(actorRole, current.Role) || !engine.Roles().Outranks(actorRole, role) {
			return Assignment{}, ErrCannotManage
		}
	}

	perms = Dedupe(perms)
	validation := engine.Validate(perms)
	diff := engine.CalculateDiff(current.Permissions, perms)
	out := Assignment{Diff: diff, Validation: validation}
	if !validation.IsValid {
		return out, ErrInvalidPermissions
	}
	if diff.Empty() && role == current.Role {
		return out, ErrNoChanges
	}

	saved, err := s.repo.SaveUserAccess(ctx, UserAccess{
		UserID:      userID,
		TenantID:    tenantID,
		Role:        role,
		Permissions: perms,
		UpdatedAt:   s.now().UTC(),
	})
	if err != nil {
		return out, err
	}
	out.Access = saved
	s.afterWrite(ctx, actor, "permissions.update", "user", strconv.FormatInt(userID, 10), events.PermissionsUpdated, map[string]any{
		"role":      role,
		"added":     diff.Added,
		"removed":   diff.Removed,
		"riskLevel": validation.RiskLevel.String(),
	})
	return out, nil
}

func (s *Service) prepareRole(ctx context.Context, actor Principal, in RoleInput) (CustomRole, error) {
	name := strings.TrimSpace(in.Name)
	description := strings.TrimSpace(in.Description)
	perms := Dedupe(in.Permissions)
	if name == "" || description == "" || len(perms) == 0 {
		return CustomRole{}, ErrRoleDetails
	}
	if !s.canManageRank(actor, in.Rank) {
		return CustomRole{}, ErrCannotManage
	}
	if result := s.engine.Validate(perms); !result.IsValid {
		return CustomRole{}, fmt.Errorf("%w: %s", ErrInvalidPermissions, result.Errors[0].Message)
	}
	now := s.now().UTC()
	return CustomRole{
		TenantID:    actor.GetTenantID(),
		Name:        name,
		Description: description,
		Rank:        in.Rank,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Service) canManageRank(actor Principal, rank int) bool {
	if actor.IsSuperUser() {
		return true
	}
	return s.engine.Roles().Rank(NormalizeRole(actor.GetRole())) > rank
}

// afterWrite records the audit entry and publishes the event. Failures are
// logged only; the primary write already succeeded.
func (s *Service) afterWrite(ctx context.Context, actor Principal, action, entity, entityID, event string, meta map[string]any) {
	if s.audit != nil {
		if err := s.audit.Record(ctx, audit.Entry{
			TenantID: actor.GetTenantID(),
			ActorID:  actor.GetID(),
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			Meta:     meta,
			At:       s.now().UTC(),
		}); err != nil {
			s.logger.Warn("rbac audit", slog.String("action", action), slog.Any("error", err))
		}
	}
	if err := s.publisher.Publish(ctx, events.Event{
		Name:     event,
		TenantID: actor.GetTenantID(),
		ActorID:  actor.GetID(),
		Subject:  entityID,
		Payload:  meta,
		At:       s.now().UTC(),
	}); err != nil {
		s.logger.Warn("rbac publish", slog.String("event", event), slog.Any("error", err))
	}
}

var nonKeyChars = regexp.MustCompile(`[^A-Z0-9]+`)

// Key is the role identifier derived from the custom role name.
func (c CustomRole) Key() Role {
	key := nonKeyChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(c.Name)), "_")
	return Role(strings.Trim(key, "_"))
}

// Definition converts the custom role for a RoleSet.
func (c CustomRole) Definition() RoleDefinition {
	return RoleDefinition{
		Role:        c.Key(),
		Label:       c.Name,
		Rank:        c.Rank,
		Permissions: c.Permissions,
		Custom:      true,
	}
}
