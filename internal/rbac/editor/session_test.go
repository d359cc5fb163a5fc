package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/rbac"
)

func newEngine(t *testing.T) *rbac.Engine {
	t.Helper()
	policy, err := rbac.DefaultPolicy()
	require.NoError(t, err)
	engine, err := rbac.NewEngine(policy)
	require.NoError(t, err)
	return engine
}

type saveRecorder struct {
	calls []SaveRequest
	err   error
}

func (r *saveRecorder) save(ctx context.Context, req SaveRequest) error {
	r.calls = append(r.calls, req)
	return r.err
}

type fixture struct {
	session *Session
	saves   *saveRecorder
	audit   *audit.MemoryRecorder
	events  *events.Recorder
	engine  *rbac.Engine
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	engine := newEngine(t)
	saves := &saveRecorder{}
	rec := &audit.MemoryRecorder{}
	bus := &events.Recorder{}
	cfg := Config{
		Engine:       engine,
		Mode:         ModeAssign,
		TenantID:     "acme",
		ActorID:      1,
		UserID:       42,
		OriginalRole: rbac.RoleClient,
		Save:         saves.save,
		Publisher:    bus,
		Audit:        rec,
		Now:          func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	session, err := New(cfg)
	require.NoError(t, err)
	return fixture{session: session, saves: saves, audit: rec, events: bus, engine: engine}
}

func p(ids ...string) []rbac.Permission {
	out := make([]rbac.Permission, len(ids))
	for i, id := range ids {
		out[i] = rbac.Permission(id)
	}
	return out
}

func TestGrantBlockedWhenDependenciesMissing(t *testing.T) {
	f := newFixture(t, nil)

	err := f.session.Grant("BOOKING_EDIT")
	require.ErrorIs(t, err, ErrDependenciesNotMet)
	assert.Empty(t, f.session.Selected())
	assert.Contains(t, f.session.Error(), "dependencies not met")
	assert.Contains(t, f.session.Error(), "View bookings")
	assert.Empty(t, f.session.History())
	assert.Equal(t, PhaseIdle, f.session.Phase())

	require.NoError(t, f.session.Grant("BOOKING_VIEW"))
	assert.Empty(t, f.session.Error())
	require.NoError(t, f.session.Grant("BOOKING_EDIT"))
	assert.Equal(t, p("BOOKING_VIEW", "BOOKING_EDIT"), f.session.Selected())
}

func TestGrantUnknownPermissionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	err := f.session.Grant("LAUNCH_ROCKETS")
	assert.ErrorIs(t, err, ErrUnknownPermission)
	assert.Empty(t, f.session.Selected())
}

func TestSelectRoleResetsPermissions(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OriginalPermissions = p("BOOKING_VIEW", "BILLING_VIEW", "AUDIT_VIEW")
	})
	require.NoError(t, f.session.Grant("EXPORT_VIEW"))

	require.NoError(t, f.session.SelectRole(rbac.RoleTeamMember))
	assert.Equal(t, rbac.RoleTeamMember, f.session.Role())
	assert.Equal(t, f.engine.CommonPermissionsForRole(rbac.RoleTeamMember), f.session.Selected())

	history := f.session.History()
	require.Len(t, history, 2)
	assert.Equal(t, "role TEAM_MEMBER", history[1].Label)
	assert.Equal(t, p("BOOKING_VIEW", "BILLING_VIEW", "AUDIT_VIEW", "EXPORT_VIEW"), history[1].Permissions)

	err := f.session.SelectRole("ASTRONAUT")
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.Equal(t, rbac.RoleTeamMember, f.session.Role())
}

func TestRevokeDoesNotCascade(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OriginalPermissions = p("USER_VIEW", "USER_EDIT")
	})
	require.NoError(t, f.session.Revoke("USER_VIEW"))
	assert.Equal(t, p("USER_EDIT"), f.session.Selected())

	validation := f.session.Validation()
	assert.False(t, validation.IsValid)
	require.Len(t, validation.Errors, 1)
	assert.Equal(t, rbac.Permission("USER_EDIT"), validation.Errors[0].Permission)

	impact := f.session.Impact()
	require.Len(t, impact.Unmet, 1)
	assert.Equal(t, p("USER_VIEW"), impact.Diff.Removed)

	require.NoError(t, f.session.Revoke("NOT_SELECTED"))
	assert.Len(t, f.session.History(), 1)
}

func TestToggle(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Toggle("KYC_VIEW"))
	assert.Equal(t, p("KYC_VIEW"), f.session.Selected())
	require.NoError(t, f.session.Toggle("KYC_VIEW"))
	assert.Empty(t, f.session.Selected())
	assert.ErrorIs(t, f.session.Toggle("KYC_REVIEW"), ErrDependenciesNotMet)
}

func TestUndoAndReset(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OriginalPermissions = p("BOOKING_VIEW")
	})
	assert.False(t, f.session.Undo())

	require.NoError(t, f.session.Grant("BOOKING_CREATE"))
	require.NoError(t, f.session.SelectRole(rbac.RoleAdmin))
	require.NoError(t, f.session.ApplyTemplate("read_only"))

	require.True(t, f.session.Undo())
	assert.Equal(t, rbac.RoleAdmin, f.session.Role())
	assert.Equal(t, f.engine.CommonPermissionsForRole(rbac.RoleAdmin), f.session.Selected())

	require.True(t, f.session.Undo())
	assert.Equal(t, rbac.RoleClient, f.session.Role())
	assert.Equal(t, p("BOOKING_VIEW", "BOOKING_CREATE"), f.session.Selected())

	require.NoError(t, f.session.Grant("TEAM_VIEW"))
	f.session.Reset()
	assert.Equal(t, rbac.RoleClient, f.session.Role())
	assert.Equal(t, p("BOOKING_VIEW"), f.session.Selected())
	assert.Empty(t, f.session.History())
	assert.False(t, f.session.Undo())
	assert.Equal(t, PhaseIdle, f.session.Phase())
}

func TestApplyTemplate(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetTab(TabTemplates))
	require.NoError(t, f.session.ApplyTemplate("compliance_officer"))
	assert.Equal(t, p("USER_VIEW", "KYC_VIEW", "KYC_REVIEW", "EXPORT_VIEW", "AUDIT_VIEW"), f.session.Selected())
	assert.ErrorIs(t, f.session.ApplyTemplate("nope"), ErrUnknownTemplate)
	assert.ErrorIs(t, f.session.SetTab("settings"), ErrUnknownTab)
	assert.Equal(t, TabTemplates, f.session.Tab())
}

func TestSuggestionsSkipDismissed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	got, err := f.session.Suggestions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, f.session.Dismiss(ctx, "BOOKING_VIEW"))
	got, err = f.session.Suggestions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rbac.Permission("BOOKING_CREATE"), got[0].Permission)

	got, err = f.session.Suggestions(ctx, 0.65, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisDismissalsPersistAcrossSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	first := newFixture(t, func(c *Config) { c.Dismissals = NewRedisDismissals(client, "acme", 1, 42, time.Hour) })
	require.NoError(t, first.session.Dismiss(ctx, "BOOKING_VIEW"))

	second := newFixture(t, func(c *Config) { c.Dismissals = NewRedisDismissals(client, "acme", 1, 42, time.Hour) })
	got, err := second.session.Suggestions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rbac.Permission("BOOKING_CREATE"), got[0].Permission)

	other := NewRedisDismissals(client, "acme", 2, 42, 0)
	dismissed, err := other.Dismissed(ctx)
	require.NoError(t, err)
	assert.Empty(t, dismissed)
	assert.True(t, mr.TTL("portal:dismissed:acme:1:42") > 0)
}

func TestSaveAssignmentBlockedWhenInvalidOrUnchanged(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OriginalPermissions = p("USER_VIEW", "USER_EDIT")
	})
	ok, reason := f.session.CanSave()
	assert.False(t, ok)
	assert.Equal(t, "No changes to save", reason)
	assert.ErrorIs(t, f.session.Save(context.Background()), ErrNotSavable)

	require.NoError(t, f.session.Revoke("USER_VIEW"))
	err := f.session.Save(context.Background())
	require.ErrorIs(t, err, ErrNotSavable)
	assert.Contains(t, f.session.Error(), "dependencies not met")
	assert.Equal(t, PhaseError, f.session.Phase())
	assert.Empty(t, f.saves.calls)
}

func TestSaveAssignmentSuccess(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OriginalPermissions = p("BOOKING_VIEW", "BOOKING_CREATE")
	})
	require.NoError(t, f.session.Grant("BOOKING_EDIT"))
	ok, _ := f.session.CanSave()
	require.True(t, ok)

	require.NoError(t, f.session.Save(context.Background()))
	require.Len(t, f.saves.calls, 1)
	req := f.saves.calls[0]
	assert.Equal(t, int64(42), req.UserID)
	assert.Equal(t, p("BOOKING_EDIT"), req.Diff.Added)
	assert.True(t, req.Validation.IsValid)

	assert.Equal(t, PhaseClosed, f.session.Phase())
	require.Len(t, f.audit.Entries, 1)
	assert.Equal(t, "permissions.update", f.audit.Entries[0].Action)
	assert.Equal(t, "42", f.audit.Entries[0].EntityID)
	assert.Equal(t, []string{events.PermissionsUpdated}, f.events.Names())

	assert.ErrorIs(t, f.session.Grant("TEAM_VIEW"), ErrClosed)
	assert.ErrorIs(t, f.session.Save(context.Background()), ErrClosed)
}

func TestSaveFailureKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.saves.err = errors.New("backend unavailable")
	require.NoError(t, f.session.Grant("BOOKING_VIEW"))

	err := f.session.Save(context.Background())
	require.Error(t, err)
	assert.Equal(t, "backend unavailable", f.session.Error())
	assert.Equal(t, PhaseError, f.session.Phase())
	assert.Equal(t, p("BOOKING_VIEW"), f.session.Selected())
	assert.Empty(t, f.audit.Entries)
	assert.Empty(t, f.events.Events())

	f.saves.err = nil
	require.NoError(t, f.session.Save(context.Background()))
	assert.Len(t, f.saves.calls, 2)
	assert.Equal(t, PhaseClosed, f.session.Phase())
}

func TestUndoAfterSaveFailureLeavesSessionDirty(t *testing.T) {
	f := newFixture(t, nil)
	f.saves.err = errors.New("backend unavailable")
	require.NoError(t, f.session.Grant("BOOKING_VIEW"))
	require.NoError(t, f.session.Grant("BOOKING_CREATE"))
	require.Error(t, f.session.Save(context.Background()))
	require.Equal(t, PhaseError, f.session.Phase())

	require.True(t, f.session.Undo())
	assert.Equal(t, PhaseDirty, f.session.Phase())
	assert.Empty(t, f.session.Error())
	assert.Equal(t, p("BOOKING_VIEW"), f.session.Selected())

	require.True(t, f.session.Undo())
	assert.Equal(t, PhaseIdle, f.session.Phase())
}

func TestSaveSideEffectFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.Err = errors.New("audit down")
	f.events.Err = errors.New("bus down")
	require.NoError(t, f.session.Grant("BOOKING_VIEW"))
	require.NoError(t, f.session.Save(context.Background()))
	assert.Equal(t, PhaseClosed, f.session.Phase())
}

func TestSaveRoleModeRequiresDetails(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Mode = ModeRole
		c.OriginalRole = ""
	})
	assert.Equal(t, TabCustom, f.session.Tab())

	ctx := context.Background()
	require.ErrorIs(t, f.session.Save(ctx), ErrNotSavable)
	assert.Equal(t, "Role name is required", f.session.Error())

	require.NoError(t, f.session.SetRoleDetails("Auditor", ""))
	require.ErrorIs(t, f.session.Save(ctx), ErrNotSavable)
	assert.Equal(t, "Role description is required", f.session.Error())

	require.NoError(t, f.session.SetRoleDetails("Auditor", "Reads the audit log"))
	require.ErrorIs(t, f.session.Save(ctx), ErrNotSavable)
	assert.Equal(t, "Select at least one permission", f.session.Error())
	assert.Empty(t, f.saves.calls)

	require.NoError(t, f.session.Grant("AUDIT_VIEW"))
	require.NoError(t, f.session.Save(ctx))
	require.Len(t, f.saves.calls, 1)
	assert.Equal(t, "Auditor", f.saves.calls[0].Name)
	assert.Equal(t, []string{events.RoleCreated}, f.events.Names())
	assert.Equal(t, "role.create", f.audit.Entries[0].Action)
}

func TestSaveRoleModeUpdate(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Mode = ModeRole
		c.RoleID = 7
		c.RoleName = "Auditor"
		c.RoleDescription = "Reads"
		c.OriginalPermissions = p("AUDIT_VIEW")
	})
	require.NoError(t, f.session.Grant("EXPORT_VIEW"))
	require.NoError(t, f.session.Save(context.Background()))
	assert.Equal(t, []string{events.RoleUpdated}, f.events.Names())
	assert.Equal(t, "7", f.audit.Entries[0].EntityID)
}

func TestClearError(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.session.Save(context.Background())
	require.NotEmpty(t, f.session.Error())
	f.session.ClearError()
	assert.Empty(t, f.session.Error())
	assert.Equal(t, PhaseDirty, f.session.Phase())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Engine: newEngine(t)})
	assert.Error(t, err)
}
