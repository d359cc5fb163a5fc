package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, f serviceFixture, principal Principal) http.Handler {
	t.Helper()
	handler := NewHandler(nil, f.svc, Middleware{Source: f.svc})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if principal != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), principal))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/admin", handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareRejectsAnonymousAndUnprivileged(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[5] = UserAccess{UserID: 5, TenantID: "acme", Role: RoleClient}

	rr := doJSON(t, newTestRouter(t, f, nil), http.MethodGet, "/api/admin/permissions", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	client := stubPrincipal{id: 5, tenant: "acme", role: RoleClient}
	rr = doJSON(t, newTestRouter(t, f, client), http.MethodGet, "/api/admin/permissions", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListPermissionsSearch(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin}
	router := newTestRouter(t, f, admin)

	rr := doJSON(t, router, http.MethodGet, "/api/admin/permissions?q=kyc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Permissions []Metadata `json:"permissions"`
		Total       int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Permissions, 2)
	assert.Equal(t, Permission("KYC_VIEW"), body.Permissions[0].Permission)
	assert.Equal(t, RiskHigh, body.Permissions[1].Risk)
	assert.Equal(t, 21, body.Total)
}

func TestValidateAndDiffEndpoints(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin}
	router := newTestRouter(t, f, admin)

	rr := doJSON(t, router, http.MethodPost, "/api/admin/permissions/validate", `{"permissions":["BOOKING_EDIT"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var result ValidationResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.False(t, result.IsValid)
	assert.Equal(t, RiskMedium, result.RiskLevel)
	assert.Contains(t, rr.Body.String(), `"riskLevel":"medium"`)

	rr = doJSON(t, router, http.MethodPost, "/api/admin/permissions/diff", `{"current":["USER_VIEW"],"target":["USER_VIEW","USER_EDIT"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"added":["USER_EDIT"],"removed":[]}`, rr.Body.String())

	rr = doJSON(t, router, http.MethodPost, "/api/admin/permissions/diff", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSuggestionsEndpointFiltersDismissed(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin}
	router := newTestRouter(t, f, admin)

	rr := doJSON(t, router, http.MethodPost, "/api/admin/permissions/suggestions", `{"role":"CLIENT","permissions":[],"dismissed":["BOOKING_VIEW"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Suggestions, 1)
	assert.Equal(t, Permission("BOOKING_CREATE"), body.Suggestions[0].Permission)

	rr = doJSON(t, router, http.MethodPost, "/api/admin/permissions/suggestions", `{"permissions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateUserPermissionsEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin}
	f.repo.access[9] = UserAccess{UserID: 9, TenantID: "acme", Role: RoleClient}
	router := newTestRouter(t, f, admin)

	rr := doJSON(t, router, http.MethodPut, "/api/admin/users/9/permissions", `{"permissions":["BOOKING_CREATE"]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "dependencies not met")

	rr = doJSON(t, router, http.MethodPut, "/api/admin/users/9/permissions", `{"permissions":["BOOKING_VIEW"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var assignment Assignment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &assignment))
	assert.Equal(t, perms("BOOKING_CREATE"), assignment.Diff.Removed)

	rr = doJSON(t, router, http.MethodPut, "/api/admin/users/404/permissions", `{"permissions":["BOOKING_VIEW"]}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodPut, "/api/admin/users/abc/permissions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRoleEndpointsRequirePermissionManage(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin}
	router := newTestRouter(t, f, admin)

	rr := doJSON(t, router, http.MethodPost, "/api/admin/roles", `{"name":"Auditor","description":"Reads","rank":25,"permissions":["AUDIT_VIEW"]}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	f.repo.access[1] = UserAccess{UserID: 1, TenantID: "acme", Role: RoleAdmin, Permissions: append(f.svc.Engine().CommonPermissionsForRole(RoleAdmin), PermPermissionManage)}
	rr = doJSON(t, router, http.MethodPost, "/api/admin/roles", `{"name":"Auditor","description":"Reads","rank":25,"permissions":["AUDIT_VIEW"]}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/admin/roles", `{"name":"Auditor","description":"Reads","rank":25,"permissions":["AUDIT_VIEW"]}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/admin/roles", `{"name":"","description":"Reads","permissions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/admin/roles", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"AUDITOR"`)
}
