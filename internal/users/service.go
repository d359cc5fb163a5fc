package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

var (
	// ErrNotFound indicates the user does not exist in the tenant.
	ErrNotFound = httpx.Wrap(httpx.ErrNotFound, errors.New("users: not found"))
	// ErrTenantRequired is returned when a listing omits the tenant.
	ErrTenantRequired = httpx.Wrap(httpx.ErrValidation, errors.New("users: tenant required"))
	// ErrInvalidStatus is returned for unknown account states.
	ErrInvalidStatus = httpx.Wrap(httpx.ErrValidation, errors.New("users: invalid status"))
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filter Filter) ([]User, error)
	GetUser(ctx context.Context, tenantID string, id int64) (User, error)
	UpdateUser(ctx context.Context, user User) (User, error)
}

// Service handles user directory logic.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ListUsers returns users matching filter, capped at 500.
func (s *Service) ListUsers(ctx context.Context, filter Filter) ([]User, error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, ErrTenantRequired
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	if filter.Role != "" {
		filter.Role = rbac.NormalizeRole(string(filter.Role))
	}
	filter.Query = strings.TrimSpace(filter.Query)
	users, err := s.repo.ListUsers(ctx, filter)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}

// GetUser loads one user.
func (s *Service) GetUser(ctx context.Context, tenantID string, id int64) (User, error) {
	return s.repo.GetUser(ctx, tenantID, id)
}

// UsersByID loads the given users, skipping those that no longer exist.
func (s *Service) UsersByID(ctx context.Context, tenantID string, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	return s.repo.ListUsers(ctx, Filter{TenantID: tenantID, IDs: ids, Limit: len(ids)})
}

// UpdateUser persists role, status and permission changes.
func (s *Service) UpdateUser(ctx context.Context, user User) (User, error) {
	if !user.Status.Valid() {
		return User{}, ErrInvalidStatus
	}
	user.UpdatedAt = s.now().UTC()
	return s.repo.UpdateUser(ctx, user)
}
