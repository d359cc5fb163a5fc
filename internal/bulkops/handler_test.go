package bulkops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/rbac"
)

type grants []rbac.Permission

func (g grants) EffectivePermissions(context.Context, string, int64) ([]rbac.Permission, error) {
	return g, nil
}

func newTestRouter(f *fixture, granted grants) http.Handler {
	h := NewHandler(nil, f.svc, rbac.Middleware{Source: granted})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), admin)))
		})
	})
	r.Route("/api/admin", h.MountRoutes)
	return r
}

func serve(router http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

const teamLeadBody = `{"userIds":[2,3],"operation":{"type":"ROLE_CHANGE","config":{"role":"TEAM_LEAD"}}}`

func TestPreviewEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, grants{rbac.PermBulkOperations})

	rr := serve(router, http.MethodPost, "/api/admin/bulk-operations/preview", teamLeadBody)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var dry DryRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dry))
	assert.True(t, dry.CanProceed)
	assert.Len(t, dry.Preview, 2)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations/preview", `{"userIds":[],"operation":{"type":"ROLE_CHANGE","config":{"role":"TEAM_LEAD"}}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations/preview", `{"userIds":[2],"operation":{"type":"ROLE_CHANGE","config":{"role":"PILOT"}}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartEndpointUsesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, grants{rbac.PermBulkOperations})

	rr := serve(router, http.MethodPost, "/api/admin/bulk-operations", teamLeadBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var progress Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &progress))
	assert.Equal(t, StatusPending, progress.Status)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations", teamLeadBody, "Idempotency-Key", "abc")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations", teamLeadBody)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, http.MethodGet, "/api/admin/bulk-operations/"+progress.ID+"?action=progress", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"PENDING"`)

	rr = serve(router, http.MethodGet, "/api/admin/bulk-operations/"+progress.ID+"?action=result", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(router, http.MethodGet, "/api/admin/bulk-operations/"+progress.ID+"?action=explode", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, http.MethodGet, "/api/admin/bulk-operations/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResultAndRollbackEndpoints(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, grants{rbac.PermBulkOperations})
	id := f.start(t, roleChange(rbac.RoleTeamLead, 2))
	require.NoError(t, f.svc.Execute(context.Background(), "acme", id))

	rr := serve(router, http.MethodGet, "/api/admin/bulk-operations/"+id+"?action=result", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var result Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Succeeded)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations/"+id+"/rollback", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rbac.RoleClient, f.dir.get(2).Role)

	rr = serve(router, http.MethodPost, "/api/admin/bulk-operations/"+id+"/rollback", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(router, http.MethodGet, "/api/admin/bulk-operations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), id)
}

func TestBulkRoutesRequirePermission(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, grants{rbac.PermUserView})

	rr := serve(router, http.MethodPost, "/api/admin/bulk-operations/preview", teamLeadBody)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
