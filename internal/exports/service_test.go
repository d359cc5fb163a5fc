package exports

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
)

var wednesday = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestService(repo *memRepo, rec audit.Recorder) *Service {
	svc := NewService(repo, rec, nil)
	svc.now = func() time.Time { return wednesday }
	n := 0
	svc.newID = func() string {
		n++
		return "sched-" + string(rune('0'+n))
	}
	return svc
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	repo := newMemRepo()
	rec := &audit.MemoryRecorder{}
	svc := newTestService(repo, rec)

	sched, err := svc.Create(context.Background(), admin, weekly("Monday"))
	require.NoError(t, err)
	assert.Equal(t, "sched-1", sched.ID)
	assert.Equal(t, "acme", sched.TenantID)
	assert.Equal(t, "monday", sched.DayOfWeek)
	assert.Equal(t, "UTC", sched.Timezone)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), sched.NextRunAt)
	assert.Equal(t, int64(1), sched.CreatedBy)

	require.Len(t, rec.Entries, 1)
	assert.Equal(t, "export.schedule.create", rec.Entries[0].Action)
	assert.Equal(t, "sched-1", rec.Entries[0].EntityID)
}

func TestCreateScheduleRejectsInvalidInput(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)

	_, err := svc.Create(context.Background(), admin, ScheduleInput{Frequency: FrequencyWeekly, Format: FormatCSV, Recipients: []string{"bad-email"}})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Len(t, invalid.Result.Errors, 3)
	assert.Empty(t, repo.byID)
}

func TestAuditFailureDoesNotBlockSave(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &audit.MemoryRecorder{Err: errBoom})

	_, err := svc.Create(context.Background(), admin, weekly("monday"))
	require.NoError(t, err)
	assert.Len(t, repo.byID, 1)
}

func TestUpdateScheduleAppliesPatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	sched, err := svc.Create(context.Background(), admin, weekly("monday"))
	require.NoError(t, err)

	freq := FrequencyDaily
	clock := "11:15"
	updated, err := svc.Update(context.Background(), admin, sched.ID, SchedulePatch{Frequency: &freq, Time: &clock})
	require.NoError(t, err)
	assert.Equal(t, FrequencyDaily, updated.Frequency)
	assert.Equal(t, "Weekly users", updated.Name)
	assert.Equal(t, time.Date(2026, 3, 4, 11, 15, 0, 0, time.UTC), updated.NextRunAt)

	bad := 0
	freq = FrequencyMonthly
	_, err = svc.Update(context.Background(), admin, sched.ID, SchedulePatch{Frequency: &freq, DayOfMonth: &bad})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, FrequencyDaily, repo.schedule(sched.ID).Frequency)

	_, err = svc.Update(context.Background(), actor{id: 9, tenant: "other"}, sched.ID, SchedulePatch{Time: &clock})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSchedule(t *testing.T) {
	repo := newMemRepo()
	rec := &audit.MemoryRecorder{}
	svc := newTestService(repo, rec)
	sched, err := svc.Create(context.Background(), admin, weekly("monday"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), admin, sched.ID))
	assert.Empty(t, repo.byID)
	assert.ErrorIs(t, svc.Delete(context.Background(), admin, sched.ID), ErrNotFound)
	assert.Equal(t, "export.schedule.delete", rec.Entries[len(rec.Entries)-1].Action)
}

type grants []rbac.Permission

func (g grants) EffectivePermissions(context.Context, string, int64) ([]rbac.Permission, error) {
	return g, nil
}

func newTestRouter(svc *Service, granted grants) http.Handler {
	h := NewHandler(nil, svc, rbac.Middleware{Source: granted})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), admin)))
		})
	})
	r.Route("/api/admin", h.MountRoutes)
	return r
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

const scheduleBody = `{"name":"Weekly users","frequency":"weekly","format":"csv","recipients":["ops@acme.test"],"dayOfWeek":"monday","time":"09:00"}`

func TestScheduleEndpoints(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	router := newTestRouter(svc, grants{rbac.PermExportView, rbac.PermExportSchedule})
	base := "/api/admin/users/exports/schedule"

	rr := serve(router, http.MethodPost, base, scheduleBody)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created Schedule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Weekly users", created.Name)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), created.NextRunAt.UTC())

	rr = serve(router, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		Schedules []Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed.Schedules, 1)

	rr = serve(router, http.MethodPatch, base+"/"+created.ID, `{"paused":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"paused":true`)

	rr = serve(router, http.MethodGet, base+"/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodDelete, base+"/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve(router, http.MethodGet, base+"/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateEndpointReportsFieldErrors(t *testing.T) {
	router := newTestRouter(newTestService(newMemRepo(), nil), grants{rbac.PermExportSchedule})

	rr := serve(router, http.MethodPost, "/api/admin/users/exports/schedule", `{"name":"","frequency":"weekly","format":"csv","recipients":["bad-email"]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "Schedule name is required", problem.Fields["name"])
	assert.Equal(t, "Day of week is required for weekly schedules", problem.Fields["dayOfWeek"])
	assert.Equal(t, "Invalid email address: bad-email", problem.Fields["recipients"])
}

func TestValidateEndpointPreviewsNextRun(t *testing.T) {
	router := newTestRouter(newTestService(newMemRepo(), nil), grants{rbac.PermExportSchedule})

	rr := serve(router, http.MethodPost, "/api/admin/users/exports/schedule/validate", scheduleBody)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Validation ValidationResult `json:"validation"`
		NextRunAt  *time.Time       `json:"nextRunAt"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.True(t, out.Validation.Valid)
	require.NotNil(t, out.NextRunAt)
	assert.Equal(t, time.Monday, out.NextRunAt.Weekday())
}

func TestScheduleEndpointsRequirePermissions(t *testing.T) {
	router := newTestRouter(newTestService(newMemRepo(), nil), grants{rbac.PermExportView})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/admin/users/exports/schedule", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodPost, "/api/admin/users/exports/schedule", scheduleBody).Code)

	router = newTestRouter(newTestService(newMemRepo(), nil), grants{rbac.PermUserView})
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/api/admin/users/exports/schedule", "").Code)
}
