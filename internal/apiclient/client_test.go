package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/bulkops/wizard"
	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/rbac/editor"
)

type fakeAPI struct {
	polls   atomic.Int32
	started atomic.Int32

	mu       sync.Mutex
	lastAuth string
	saved    map[string]any
}

func (f *fakeAPI) record(auth string, saved map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if auth != "" {
		f.lastAuth = auth
	}
	if saved != nil {
		f.saved = saved
	}
}

func (f *fakeAPI) snapshot() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth, f.saved
}

func (f *fakeAPI) decode(req *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(req.Body).Decode(&body)
	f.record("", body)
}

func (f *fakeAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.record(req.Header.Get("Authorization"), nil)
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/admin/users", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("tenantId") != "acme" {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "tenant mismatch")
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"users": []map[string]any{
			{"id": 2, "tenantId": "acme", "name": "Bo", "email": "bo@acme.test", "role": "CLIENT", "status": "ACTIVE"},
		}, "total": 1})
	})
	r.Post("/api/admin/bulk-operations/preview", func(w http.ResponseWriter, req *http.Request) {
		var body bulkops.Request
		if err := httpx.Bind(req, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, bulkops.DryRun{RiskLevel: rbac.RiskHigh, CanProceed: true, EstimatedDuration: len(body.UserIDs)})
	})
	r.Post("/api/admin/bulk-operations", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Idempotency-Key") == "" {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request id required")
			return
		}
		if f.started.Add(1) > 1 {
			httpx.Problem(w, http.StatusConflict, "Conflict", "bulkops: request already submitted")
			return
		}
		httpx.JSON(w, http.StatusAccepted, bulkops.Progress{ID: "op-1", Status: bulkops.StatusPending, TotalUsers: 2, Version: 1})
	})
	r.Get("/api/admin/bulk-operations/{id}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "id") != "op-1" {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "bulkops: operation not found")
			return
		}
		switch req.URL.Query().Get("action") {
		case "progress":
			n := f.polls.Add(1)
			status := bulkops.StatusInProgress
			if n >= 2 {
				status = bulkops.StatusCompleted
			}
			httpx.JSON(w, http.StatusOK, bulkops.Progress{ID: "op-1", Status: status, TotalUsers: 2, SuccessCount: int(n), Version: int64(n + 1)})
		case "result":
			httpx.JSON(w, http.StatusOK, bulkops.Result{ID: "op-1", Status: bulkops.StatusCompleted, Succeeded: 2, Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})
		}
	})
	r.Post("/api/admin/bulk-operations/{id}/rollback", func(w http.ResponseWriter, req *http.Request) {
		httpx.JSON(w, http.StatusOK, bulkops.Result{ID: "op-1", Status: bulkops.StatusRolledBack, Succeeded: 2})
	})
	r.Put("/api/admin/users/{id}/permissions", func(w http.ResponseWriter, req *http.Request) {
		f.decode(req)
		httpx.JSON(w, http.StatusOK, rbac.Assignment{Access: rbac.UserAccess{UserID: 7, Role: rbac.RoleTeamLead}})
	})
	r.Post("/api/admin/roles", func(w http.ResponseWriter, req *http.Request) {
		f.decode(req)
		httpx.JSON(w, http.StatusCreated, rbac.CustomRole{ID: 11, Name: "Auditor"})
	})
	return r
}

func newServer(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.routes())
	t.Cleanup(srv.Close)
	return api, New(srv.URL, "token-1", "acme", WithTimeout(time.Second))
}

func TestClientDrivesWizard(t *testing.T) {
	api, client := newServer(t)
	w := wizard.New(client, wizard.Options{TenantID: "acme", Advanced: true, PollInterval: time.Millisecond})

	list, err := w.LoadUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Bo", list[0].Name)
	auth, _ := api.snapshot()
	assert.Equal(t, "Bearer token-1", auth)

	require.NoError(t, w.SelectUsers(2, 3))
	require.NoError(t, w.Next())
	require.NoError(t, w.ChooseOperation(bulkops.OpRoleChange))
	require.NoError(t, w.Next())
	require.NoError(t, w.Configure(bulkops.RoleChangeConfig{Role: rbac.RoleTeamLead}))
	require.NoError(t, w.Next())

	dry, err := w.DryRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dry.EstimatedDuration)
	require.NoError(t, w.Next())

	result, err := w.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, int32(2), api.polls.Load())
	require.NoError(t, w.Next())

	_, err = w.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wizard.StepSelectUsers, w.State().Step)
}

func TestClientMapsProblemResponses(t *testing.T) {
	_, client := newServer(t)
	ctx := context.Background()

	_, err := client.Progress(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
	assert.Contains(t, err.Error(), "operation not found")

	req := bulkops.Request{RequestID: "r-1", UserIDs: []int64{2}, Operation: bulkops.Operation{Config: bulkops.RoleChangeConfig{Role: rbac.RoleAdmin}}}
	_, err = client.Start(ctx, req)
	require.NoError(t, err)
	_, err = client.Start(ctx, req)
	assert.ErrorIs(t, err, httpx.ErrConflict)

	_, err = client.Start(ctx, bulkops.Request{})
	assert.Error(t, err)

	_, err = client.Preview(ctx, bulkops.Request{UserIDs: []int64{}})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = client.ListUsers(ctx, wizard.UserFilter{TenantID: "other"})
	assert.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestClientTransportError(t *testing.T) {
	client := New("http://127.0.0.1:1", "", "acme", WithTimeout(200*time.Millisecond))
	_, err := client.Progress(context.Background(), "op-1")
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestSaveFuncRoutesByMode(t *testing.T) {
	api, client := newServer(t)
	save := client.SaveFunc(25)

	err := save(context.Background(), editor.SaveRequest{Mode: editor.ModeAssign, UserID: 7, Role: rbac.RoleTeamLead, Permissions: []rbac.Permission{"BOOKING_VIEW"}})
	require.NoError(t, err)
	_, saved := api.snapshot()
	assert.Equal(t, "TEAM_LEAD", saved["role"])

	err = save(context.Background(), editor.SaveRequest{Mode: editor.ModeRole, Name: "Auditor", Description: "Reads", Permissions: []rbac.Permission{"BOOKING_VIEW"}})
	require.NoError(t, err)
	_, saved = api.snapshot()
	assert.Equal(t, "Auditor", saved["name"])
	assert.EqualValues(t, 25, saved["rank"])
}
