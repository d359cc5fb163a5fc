// Package editor drives an interactive permission editing session: role
// selection, gated grants, templates, undo history, impact preview and save.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/rbac"
)

// Tab is the active editor pane.
type Tab string

const (
	TabRole      Tab = "role"
	TabCustom    Tab = "custom"
	TabTemplates Tab = "templates"
	TabHistory   Tab = "history"
)

// Mode selects what the session saves.
type Mode int

const (
	// ModeAssign edits the role and permissions of one user.
	ModeAssign Mode = iota
	// ModeRole creates or edits a custom role.
	ModeRole
)

// Phase is the save lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDirty      Phase = "dirty"
	PhaseValidating Phase = "validating"
	PhaseSaving     Phase = "saving"
	PhaseClosed     Phase = "closed"
	PhaseError      Phase = "error"
)

var (
	ErrDependenciesNotMet = errors.New("editor: dependencies not met")
	ErrUnknownPermission  = errors.New("editor: unknown permission")
	ErrUnknownRole        = errors.New("editor: unknown role")
	ErrUnknownTemplate    = errors.New("editor: unknown template")
	ErrUnknownTab         = errors.New("editor: unknown tab")
	ErrNotSavable         = errors.New("editor: changes cannot be saved")
	ErrSaving             = errors.New("editor: save already in progress")
	ErrClosed             = errors.New("editor: session closed")
)

// Snapshot is a history entry: the state before a mutation.
type Snapshot struct {
	Role        rbac.Role         `json:"role"`
	Permissions []rbac.Permission `json:"permissions"`
	Label       string            `json:"label"`
	At          time.Time         `json:"at"`
}

// SaveRequest is handed to the SaveFunc.
type SaveRequest struct {
	Mode        Mode
	TenantID    string
	UserID      int64
	RoleID      int64
	Role        rbac.Role
	Name        string
	Description string
	Permissions []rbac.Permission
	Diff        rbac.Diff
	Validation  rbac.ValidationResult
}

// SaveFunc persists the change. Returned errors are shown to the operator.
type SaveFunc func(ctx context.Context, req SaveRequest) error

// Config wires a session.
type Config struct {
	Engine              *rbac.Engine
	Mode                Mode
	TenantID            string
	ActorID             int64
	UserID              int64
	RoleID              int64
	OriginalRole        rbac.Role
	OriginalPermissions []rbac.Permission
	RoleName            string
	RoleDescription     string
	Save                SaveFunc
	Publisher           events.Publisher
	Audit               audit.Recorder
	Dismissals          DismissalStore
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Session is one editing session. Methods are safe for concurrent use.
type Session struct {
	mu          sync.Mutex
	cfg         Config
	tab         Tab
	role        rbac.Role
	selected    []rbac.Permission
	history     []Snapshot
	name        string
	description string
	phase       Phase
	errMsg      string
}

// New opens a session seeded with the original role and permissions.
func New(cfg Config) (*Session, error) {
	if cfg.Engine == nil {
		return nil, errors.New("editor: engine required")
	}
	if cfg.Save == nil {
		return nil, errors.New("editor: save func required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Dismissals == nil {
		cfg.Dismissals = NewMemoryDismissals()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.OriginalRole = rbac.NormalizeRole(string(cfg.OriginalRole))
	cfg.OriginalPermissions = rbac.Dedupe(cfg.OriginalPermissions)
	s := &Session{cfg: cfg, tab: TabRole}
	if cfg.Mode == ModeRole {
		s.tab = TabCustom
	}
	s.restoreOriginal()
	return s, nil
}

func (s *Session) restoreOriginal() {
	s.role = s.cfg.OriginalRole
	s.selected = clonePerms(s.cfg.OriginalPermissions)
	s.name = s.cfg.RoleName
	s.description = s.cfg.RoleDescription
	s.history = nil
	s.phase = PhaseIdle
	s.errMsg = ""
}

// Tab returns the active tab.
func (s *Session) Tab() Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tab
}

// SetTab switches the active tab.
func (s *Session) SetTab(tab Tab) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch tab {
	case TabRole, TabCustom, TabTemplates, TabHistory:
		s.tab = tab
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTab, tab)
}

// Role returns the selected role.
func (s *Session) Role() rbac.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Selected returns the selected permissions in selection order.
func (s *Session) Selected() []rbac.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePerms(s.selected)
}

// History returns the undo stack, oldest first.
func (s *Session) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Error returns the banner message, empty when there is none.
func (s *Session) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// ClearError dismisses the banner.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = ""
	if s.phase == PhaseError {
		s.phase = PhaseDirty
	}
}

// SelectRole replaces the permission set with the role defaults, discarding
// manual changes. The previous state goes onto the history stack.
func (s *Session) SelectRole(role rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	role = rbac.NormalizeRole(string(role))
	if _, ok := s.cfg.Engine.Roles().Lookup(role); !ok {
		s.errMsg = fmt.Sprintf("Unknown role %s", role)
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	s.push("role " + string(role))
	s.role = role
	s.selected = s.cfg.Engine.CommonPermissionsForRole(role)
	s.touch()
	return nil
}

// Grant adds p when all its dependencies are selected. Otherwise the state is
// left unchanged and an error banner names the missing dependencies.
func (s *Session) Grant(p rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	return s.grant(p)
}

func (s *Session) grant(p rbac.Permission) error {
	catalog := s.cfg.Engine.Catalog()
	if !catalog.Has(p) {
		s.errMsg = fmt.Sprintf("Unknown permission %s", p)
		return fmt.Errorf("%w: %s", ErrUnknownPermission, p)
	}
	if rbac.Contains(s.selected, p) {
		return nil
	}
	if !s.cfg.Engine.CanGrantPermission(p, s.selected) {
		missing := s.cfg.Engine.MissingDependencies(p, s.selected)
		labels := make([]string, 0, len(missing))
		for _, m := range missing {
			labels = append(labels, catalog.Label(m))
		}
		s.errMsg = fmt.Sprintf("Cannot grant %s: dependencies not met (requires %s)", catalog.Label(p), strings.Join(labels, ", "))
		return fmt.Errorf("%w: %s", ErrDependenciesNotMet, p)
	}
	s.push("grant " + string(p))
	s.selected = append(s.selected, p)
	s.touch()
	return nil
}

// Revoke removes p unconditionally. Dependents stay selected and surface as
// validation errors.
func (s *Session) Revoke(p rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	s.revoke(p)
	return nil
}

func (s *Session) revoke(p rbac.Permission) {
	if !rbac.Contains(s.selected, p) {
		return
	}
	s.push("revoke " + string(p))
	next := make([]rbac.Permission, 0, len(s.selected))
	for _, candidate := range s.selected {
		if candidate != p {
			next = append(next, candidate)
		}
	}
	s.selected = next
	s.touch()
}

// Toggle grants p when absent and revokes it when present.
func (s *Session) Toggle(p rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if rbac.Contains(s.selected, p) {
		s.revoke(p)
		return nil
	}
	return s.grant(p)
}

// ApplyTemplate replaces the permission set with a named template.
func (s *Session) ApplyTemplate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	tpl, ok := s.cfg.Engine.Template(name)
	if !ok {
		s.errMsg = fmt.Sprintf("Unknown template %s", name)
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	s.push("template " + tpl.Name)
	s.selected = rbac.Dedupe(tpl.Permissions)
	s.touch()
	return nil
}

// SetRoleDetails updates the name and description used in ModeRole.
func (s *Session) SetRoleDetails(name, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	s.name = name
	s.description = description
	s.touch()
	return nil
}

// Undo restores the state before the last mutation. It reports false when
// the history is empty.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writable() != nil || len(s.history) == 0 {
		return false
	}
	last := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.role = last.Role
	s.selected = clonePerms(last.Permissions)
	s.errMsg = ""
	if len(s.history) == 0 {
		s.phase = PhaseIdle
	} else {
		s.phase = PhaseDirty
	}
	return true
}

// Reset returns to the original role and permissions and clears history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed || s.phase == PhaseSaving {
		return
	}
	s.restoreOriginal()
}

// Diff compares the original permissions to the selection.
func (s *Session) Diff() rbac.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Engine.CalculateDiff(s.cfg.OriginalPermissions, s.selected)
}

// Validation validates the current selection.
func (s *Session) Validation() rbac.ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Engine.Validate(s.selected)
}

// Suggestions returns engine suggestions for the selected role, dropping
// dismissed permissions and those below minConfidence. limit <= 0 means no cap.
func (s *Session) Suggestions(ctx context.Context, minConfidence float64, limit int) ([]rbac.Suggestion, error) {
	s.mu.Lock()
	role, selected := s.role, clonePerms(s.selected)
	s.mu.Unlock()

	dismissed, err := s.cfg.Dismissals.Dismissed(ctx)
	if err != nil {
		return nil, err
	}
	all := s.cfg.Engine.Suggestions(role, selected)
	return rbac.FilterSuggestions(all, minConfidence, limit, func(p rbac.Permission) bool {
		_, skip := dismissed[p]
		return skip
	}), nil
}

// Dismiss hides suggestions for p for the lifetime of the dismissal store.
func (s *Session) Dismiss(ctx context.Context, p rbac.Permission) error {
	return s.cfg.Dismissals.Dismiss(ctx, p)
}

// CanSave reports whether Save would pass its local checks, with the reason
// when it would not.
func (s *Session) CanSave() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false, "Session is closed"
	}
	if s.phase == PhaseSaving {
		return false, "Save in progress"
	}
	if msg := s.blockingReason(); msg != "" {
		return false, msg
	}
	return true, ""
}

func (s *Session) blockingReason() string {
	if s.cfg.Mode == ModeRole {
		switch {
		case strings.TrimSpace(s.name) == "":
			return "Role name is required"
		case strings.TrimSpace(s.description) == "":
			return "Role description is required"
		case len(s.selected) == 0:
			return "Select at least one permission"
		}
		return ""
	}
	validation := s.cfg.Engine.Validate(s.selected)
	if !validation.IsValid {
		return validation.Errors[0].Message
	}
	diff := s.cfg.Engine.CalculateDiff(s.cfg.OriginalPermissions, s.selected)
	if diff.Empty() && s.role == s.cfg.OriginalRole {
		return "No changes to save"
	}
	return ""
}

// Save runs local checks, calls the SaveFunc and, on success, records the
// audit entry, publishes the event and closes the session. On failure the
// session stays open with the error in the banner.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.phase = PhaseValidating
	if msg := s.blockingReason(); msg != "" {
		s.phase = PhaseError
		s.errMsg = msg
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSavable, msg)
	}
	req := SaveRequest{
		Mode:        s.cfg.Mode,
		TenantID:    s.cfg.TenantID,
		UserID:      s.cfg.UserID,
		RoleID:      s.cfg.RoleID,
		Role:        s.role,
		Name:        strings.TrimSpace(s.name),
		Description: strings.TrimSpace(s.description),
		Permissions: clonePerms(s.selected),
		Diff:        s.cfg.Engine.CalculateDiff(s.cfg.OriginalPermissions, s.selected),
		Validation:  s.cfg.Engine.Validate(s.selected),
	}
	s.phase = PhaseSaving
	s.errMsg = ""
	s.mu.Unlock()

	err := s.cfg.Save(ctx, req)

	s.mu.Lock()
	if err != nil {
		s.phase = PhaseError
		s.errMsg = err.Error()
		s.mu.Unlock()
		return err
	}
	s.phase = PhaseClosed
	s.mu.Unlock()

	s.notify(ctx, req)
	return nil
}

func (s *Session) notify(ctx context.Context, req SaveRequest) {
	action, entity, entityID, name := "permissions.update", "user", strconv.FormatInt(req.UserID, 10), events.PermissionsUpdated
	if req.Mode == ModeRole {
		action, entity, entityID, name = "role.create", "role", req.Name, events.RoleCreated
		if req.RoleID != 0 {
			action, entityID, name = "role.update", strconv.FormatInt(req.RoleID, 10), events.RoleUpdated
		}
	}
	meta := map[string]any{
		"role":      req.Role,
		"added":     req.Diff.Added,
		"removed":   req.Diff.Removed,
		"riskLevel": req.Validation.RiskLevel.String(),
	}
	now := s.cfg.Now().UTC()
	if s.cfg.Audit != nil {
		if err := s.cfg.Audit.Record(ctx, audit.Entry{
			TenantID: req.TenantID,
			ActorID:  s.cfg.ActorID,
			Action:   action,
			Entity:   entity,
			EntityID: entityID,
			Meta:     meta,
			At:       now,
		}); err != nil {
			s.cfg.Logger.Warn("editor audit", slog.String("action", action), slog.Any("error", err))
		}
	}
	if err := s.cfg.Publisher.Publish(ctx, events.Event{
		Name:     name,
		TenantID: req.TenantID,
		ActorID:  s.cfg.ActorID,
		Subject:  entityID,
		Payload:  meta,
		At:       now,
	}); err != nil {
		s.cfg.Logger.Warn("editor publish", slog.String("event", name), slog.Any("error", err))
	}
}

func (s *Session) writable() error {
	switch s.phase {
	case PhaseClosed:
		return ErrClosed
	case PhaseSaving:
		return ErrSaving
	}
	return nil
}

func (s *Session) push(label string) {
	s.history = append(s.history, Snapshot{
		Role:        s.role,
		Permissions: clonePerms(s.selected),
		Label:       label,
		At:          s.cfg.Now().UTC(),
	})
}

func (s *Session) touch() {
	s.phase = PhaseDirty
	s.errMsg = ""
}

func clonePerms(in []rbac.Permission) []rbac.Permission {
	out := make([]rbac.Permission, len(in))
	copy(out, in)
	return out
}
