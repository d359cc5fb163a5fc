package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/rbac"
)

type stubRepo struct {
	users   []User
	filters []Filter
	err     error
}

func (s *stubRepo) ListUsers(_ context.Context, filter Filter) ([]User, error) {
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return nil, s.err
	}
	var out []User
	for _, u := range s.users {
		if u.TenantID == filter.TenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *stubRepo) GetUser(_ context.Context, tenantID string, id int64) (User, error) {
	for _, u := range s.users {
		if u.TenantID == tenantID && u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *stubRepo) UpdateUser(_ context.Context, user User) (User, error) {
	for i, u := range s.users {
		if u.TenantID == user.TenantID && u.ID == user.ID {
			s.users[i] = user
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func seedRepo() *stubRepo {
	return &stubRepo{users: []User{
		{ID: 1, TenantID: "acme", Name: "Ada", Email: "ada@acme.test", Role: rbac.RoleAdmin, Status: StatusActive},
		{ID: 2, TenantID: "acme", Name: "Bo", Email: "bo@acme.test", Role: rbac.RoleClient, Status: StatusActive},
		{ID: 3, TenantID: "other", Name: "Cy", Email: "cy@other.test", Role: rbac.RoleClient, Status: StatusActive},
	}}
}

func TestListUsersAppliesLimits(t *testing.T) {
	repo := seedRepo()
	svc := NewService(repo)
	ctx := context.Background()

	users, err := svc.ListUsers(ctx, Filter{TenantID: "acme", Role: "client"})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, defaultLimit, repo.filters[0].Limit)
	assert.Equal(t, rbac.RoleClient, repo.filters[0].Role)

	_, err = svc.ListUsers(ctx, Filter{TenantID: "acme", Limit: 10_000})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, repo.filters[1].Limit)

	_, err = svc.ListUsers(ctx, Filter{})
	assert.ErrorIs(t, err, ErrTenantRequired)

	_, err = svc.ListUsers(ctx, Filter{TenantID: "acme", Status: "GONE"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	users, err = svc.ListUsers(ctx, Filter{TenantID: "empty"})
	require.NoError(t, err)
	assert.NotNil(t, users)
}

func TestUpdateUserStampsTime(t *testing.T) {
	repo := seedRepo()
	svc := NewService(repo)
	user, err := svc.GetUser(context.Background(), "acme", 2)
	require.NoError(t, err)

	user.Status = StatusSuspended
	updated, err := svc.UpdateUser(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, updated.Status)
	assert.False(t, updated.UpdatedAt.IsZero())

	user.Status = "LOST"
	_, err = svc.UpdateUser(context.Background(), user)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.GetUser(context.Background(), "acme", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

type principal struct {
	tenant string
	super  bool
}

func (p principal) GetID() int64        { return 1 }
func (p principal) GetTenantID() string { return p.tenant }
func (p principal) GetRole() string     { return string(rbac.RoleAdmin) }
func (p principal) IsSuperUser() bool   { return p.super }

type allowAll struct{}

func (allowAll) EffectivePermissions(context.Context, string, int64) ([]rbac.Permission, error) {
	return []rbac.Permission{rbac.PermUserView}, nil
}

func newRouter(svc *Service, p rbac.Principal) http.Handler {
	h := NewHandler(nil, svc, rbac.Middleware{Source: allowAll{}})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), p)))
		})
	})
	r.Route("/api/admin", h.MountRoutes)
	return r
}

func TestListUsersEndpoint(t *testing.T) {
	repo := seedRepo()
	router := newRouter(NewService(repo), principal{tenant: "acme"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users?tenantId=acme&limit=20", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Users []User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Users, 2)
	assert.Equal(t, "Ada", body.Users[0].Name)
	assert.Equal(t, 20, repo.filters[0].Limit)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users?tenantId=other", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users/3", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListUsersEndpointSuperUserCrossesTenants(t *testing.T) {
	router := newRouter(NewService(seedRepo()), principal{tenant: "acme", super: true})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users?tenantId=other", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "cy@other.test")
}

func TestListUsersEndpointHidesInternalErrors(t *testing.T) {
	repo := seedRepo()
	repo.err = errors.New("connection reset")
	router := newRouter(NewService(repo), principal{tenant: "acme"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/admin/users", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection reset")
}
