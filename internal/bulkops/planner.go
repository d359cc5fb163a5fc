package bulkops

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

// Directory loads and mutates tenant users.
type Directory interface {
	UsersByID(ctx context.Context, tenantID string, ids []int64) ([]users.User, error)
	GetUser(ctx context.Context, tenantID string, id int64) (users.User, error)
	UpdateUser(ctx context.Context, user users.User) (users.User, error)
}

// EngineSource resolves the permission engine for a tenant, custom roles included.
type EngineSource interface {
	EngineFor(ctx context.Context, tenantID string) (*rbac.Engine, error)
}

// Per-user cost estimates used for the dry-run duration.
const (
	mutationCost = 150 * time.Millisecond
	emailCost    = 400 * time.Millisecond
)

// Planner computes dry-runs. It never writes.
type Planner struct {
	users       Directory
	engines     EngineSource
	concurrency int
}

// NewPlanner constructs a Planner. concurrency feeds the duration estimate.
func NewPlanner(directory Directory, engines EngineSource, concurrency int) *Planner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Planner{users: directory, engines: engines, concurrency: concurrency}
}

// Preview evaluates req for every selected user.
func (p *Planner) Preview(ctx context.Context, actor rbac.Principal, req Request) (DryRun, error) {
	ids := uniqueIDs(req.UserIDs)
	if len(ids) == 0 {
		return DryRun{}, ErrNoUsers
	}
	if req.Operation.Config == nil {
		return DryRun{}, fmt.Errorf("%w: operation type is required", ErrInvalidConfig)
	}
	engine, err := p.engines.EngineFor(ctx, req.TenantID)
	if err != nil {
		return DryRun{}, fmt.Errorf("bulkops: load engine: %w", err)
	}
	cfg := req.Operation.Config
	if err := cfg.Validate(engine); err != nil {
		return DryRun{}, err
	}
	found, err := p.users.UsersByID(ctx, req.TenantID, ids)
	if err != nil {
		return DryRun{}, fmt.Errorf("bulkops: load users: %w", err)
	}
	byID := make(map[int64]users.User, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}

	out := DryRun{
		RiskLevel:      baseRisk(engine, cfg),
		Conflicts:      []Conflict{},
		Preview:        make([]PreviewRow, 0, len(ids)),
		ImpactAnalysis: ImpactAnalysis{ByRole: map[string]int{}},
	}
	ev := evaluator{engine: engine, actor: actor}
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			out.Conflicts = append(out.Conflicts, Conflict{UserID: id, Severity: SeverityCritical, Code: ConflictUserNotFound, Message: fmt.Sprintf("User %d does not exist in this tenant", id)})
			continue
		}
		plan := ev.evaluate(cfg, u)
		out.Conflicts = append(out.Conflicts, plan.conflicts...)
		out.Preview = append(out.Preview, PreviewRow{UserID: u.ID, Name: u.Name, Email: u.Email, Before: plan.before, After: plan.after, Changed: plan.acts})
		if plan.acts {
			out.ImpactAnalysis.AffectedUsers++
			out.ImpactAnalysis.ByRole[string(u.Role)]++
		} else {
			out.ImpactAnalysis.UnchangedUsers++
		}
	}

	out.CanProceed = true
	for _, c := range out.Conflicts {
		out.RiskLevel = out.RiskLevel.Max(c.Severity.risk())
		if c.Severity == SeverityCritical {
			out.CanProceed = false
		}
	}
	out.ConflictCount = len(out.Conflicts)
	out.EstimatedDuration = p.estimate(cfg, out.ImpactAnalysis.AffectedUsers)
	return out, nil
}

func (p *Planner) estimate(cfg Config, n int) int {
	if n == 0 {
		return 0
	}
	cost := mutationCost
	if cfg.Type() == OpSendEmail {
		cost = emailCost
	}
	total := time.Duration(n) * cost / time.Duration(p.concurrency)
	return int(math.Max(1, math.Ceil(total.Seconds())))
}

func baseRisk(engine *rbac.Engine, cfg Config) rbac.Risk {
	switch c := cfg.(type) {
	case RoleChangeConfig:
		return rbac.RiskHigh
	case StatusUpdateConfig, PermissionRevokeConfig:
		return rbac.RiskMedium
	case PermissionGrantConfig:
		risk := rbac.RiskLow
		for _, perm := range c.Permissions {
			if m, ok := engine.Catalog().Lookup(perm); ok {
				risk = risk.Max(m.Risk)
			}
		}
		return risk
	}
	return rbac.RiskLow
}

// plan is the evaluated effect of a config on one user.
type plan struct {
	before    Snapshot
	after     Snapshot
	acts      bool
	conflicts []Conflict
}

func (p plan) blocked() (Conflict, bool) {
	for _, c := range p.conflicts {
		if c.Severity == SeverityCritical {
			return c, true
		}
	}
	return Conflict{}, false
}

func (p plan) warnings() []Conflict {
	var out []Conflict
	for _, c := range p.conflicts {
		if c.Severity == SeverityWarning {
			out = append(out, c)
		}
	}
	return out
}

type evaluator struct {
	engine *rbac.Engine
	actor  rbac.Principal
}

func (e evaluator) evaluate(cfg Config, u users.User) plan {
	pl := plan{before: snapshotOf(u)}
	pl.after = pl.before
	conflict := func(sev Severity, code, format string, args ...any) {
		pl.conflicts = append(pl.conflicts, Conflict{UserID: u.ID, Severity: sev, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	self := e.actor != nil && e.actor.GetID() == u.ID

	switch c := cfg.(type) {
	case RoleChangeConfig:
		target := rbac.NormalizeRole(string(c.Role))
		pl.after = Snapshot{Role: target, Status: u.Status}
		if self {
			conflict(SeverityCritical, ConflictSelfModification, "You cannot change your own role")
		}
		if !e.outranks(u.Role) || !e.outranks(target) {
			conflict(SeverityCritical, ConflictInsufficientRank, "Your role cannot assign %s to %s (%s)", target, u.Name, u.Role)
		}
	case StatusUpdateConfig:
		pl.after.Status = c.Status
		if self && c.Status != users.StatusActive {
			conflict(SeverityCritical, ConflictSelfModification, "You cannot deactivate your own account")
		}
		if !e.outranks(u.Role) {
			conflict(SeverityCritical, ConflictInsufficientRank, "Your role cannot change the status of %s (%s)", u.Name, u.Role)
		}
		if c.Status != users.StatusActive && e.engine.Roles().Rank(u.Role) >= e.engine.Roles().Rank(rbac.RoleAdmin) {
			conflict(SeverityWarning, ConflictPrivileged, "%s holds the privileged role %s", u.Name, u.Role)
		}
	case PermissionGrantConfig:
		current := e.effective(u)
		next := rbac.Dedupe(append(append([]rbac.Permission{}, current...), c.Permissions...))
		pl.after.Permissions = next
		if !e.outranks(u.Role) {
			conflict(SeverityCritical, ConflictInsufficientRank, "Your role cannot change permissions of %s (%s)", u.Name, u.Role)
		}
		if msgs := e.unmet(next); len(msgs) > 0 {
			conflict(SeverityCritical, ConflictDependencies, "%s: %s", u.Name, strings.Join(msgs, "; "))
		}
	case PermissionRevokeConfig:
		current := e.effective(u)
		drop := make(map[rbac.Permission]struct{}, len(c.Permissions))
		for _, perm := range c.Permissions {
			drop[perm] = struct{}{}
		}
		next := make([]rbac.Permission, 0, len(current))
		for _, perm := range current {
			if _, ok := drop[perm]; !ok {
				next = append(next, perm)
			}
		}
		pl.after.Permissions = next
		if self {
			conflict(SeverityCritical, ConflictSelfModification, "You cannot revoke your own permissions")
		}
		if !e.outranks(u.Role) {
			conflict(SeverityCritical, ConflictInsufficientRank, "Your role cannot change permissions of %s (%s)", u.Name, u.Role)
		}
		if msgs := e.unmet(next); len(msgs) > 0 {
			conflict(SeverityWarning, ConflictDependentsRemain, "%s keeps permissions whose dependencies are revoked: %s", u.Name, strings.Join(msgs, "; "))
		}
	case SendEmailConfig:
		pl.acts = true
		if u.Status != users.StatusActive {
			conflict(SeverityWarning, ConflictInactive, "%s is %s and may not read the message", u.Name, strings.ToLower(string(u.Status)))
		}
		return pl
	}

	pl.acts = !pl.before.equal(pl.after)
	if !pl.acts {
		conflict(SeverityInfo, ConflictNoChange, "%s already matches the requested change", u.Name)
	}
	return pl
}

func (e evaluator) outranks(role rbac.Role) bool {
	if e.actor == nil {
		return true
	}
	if e.actor.IsSuperUser() {
		return true
	}
	return e.engine.Roles().Outranks(rbac.NormalizeRole(e.actor.GetRole()), role)
}

func (e evaluator) effective(u users.User) []rbac.Permission {
	if u.Permissions == nil {
		return e.engine.CommonPermissionsForRole(u.Role)
	}
	return rbac.Dedupe(u.Permissions)
}

func (e evaluator) unmet(perms []rbac.Permission) []string {
	var out []string
	for _, issue := range e.engine.Validate(perms).Errors {
		if issue.Rule == rbac.RuleDependencies {
			out = append(out, issue.Message)
		}
	}
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
