package rbac

import (
	"fmt"
	"strings"
)

// Diff lists permissions added and removed between two snapshots.
type Diff struct {
	Added   []Permission `json:"added"`
	Removed []Permission `json:"removed"`
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// RuleDependencies tags issues raised for unmet permission dependencies.
const RuleDependencies = "dependencies"

// Issue is a validation error or warning tied to a permission.
type Issue struct {
	Permission Permission `json:"permission"`
	Message    string     `json:"message"`
	Rule       string     `json:"rule,omitempty"`
}

// ValidationResult is the outcome of Engine.Validate.
type ValidationResult struct {
	IsValid   bool    `json:"isValid"`
	Errors    []Issue `json:"errors"`
	Warnings  []Issue `json:"warnings"`
	RiskLevel Risk    `json:"riskLevel"`
}

// Engine evaluates permission sets against a policy. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	catalog   *Catalog
	roles     *RoleSet
	rules     []compiledRule
	templates []Template
	risk      RiskPolicy
	tuning    SuggestionTuning
}

// Option customises an Engine.
type Option func(*Engine)

// WithRiskPolicy replaces the default MaxFlaggedRisk aggregation.
func WithRiskPolicy(policy RiskPolicy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.risk = policy
		}
	}
}

// NewEngine compiles the policy into an engine.
func NewEngine(policy *Policy, opts ...Option) (*Engine, error) {
	if policy == nil {
		return nil, fmt.Errorf("rbac: policy required")
	}
	catalog := NewCatalog(policy.Permissions)
	rules, err := compileRules(policy.Rules, catalog)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		catalog:   catalog,
		roles:     NewRoleSet(policy.Roles),
		rules:     rules,
		templates: policy.Templates,
		risk:      MaxFlaggedRisk,
		tuning:    policy.Suggestions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Catalog exposes the permission catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Roles exposes the role definitions.
func (e *Engine) Roles() *RoleSet { return e.roles }

// Templates returns the permission templates.
func (e *Engine) Templates() []Template {
	out := make([]Template, len(e.templates))
	copy(out, e.templates)
	return out
}

// Template returns the named template.
func (e *Engine) Template(name string) (Template, bool) {
	for _, t := range e.templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// Tuning returns the suggestion defaults from the policy.
func (e *Engine) Tuning() SuggestionTuning { return e.tuning }

// WithRoles returns an engine sharing this policy but resolving roles from rs.
func (e *Engine) WithRoles(rs *RoleSet) *Engine {
	clone := *e
	clone.roles = rs
	return &clone
}

// CalculateDiff returns permissions in target missing from current (in target
// order) and permissions in current missing from target (in current order).
func (e *Engine) CalculateDiff(current, target []Permission) Diff {
	current, target = Dedupe(current), Dedupe(target)
	cur, tgt := toSet(current), toSet(target)
	diff := Diff{Added: []Permission{}, Removed: []Permission{}}
	for _, p := range target {
		if _, ok := cur[p]; !ok {
			diff.Added = append(diff.Added, p)
		}
	}
	for _, p := range current {
		if _, ok := tgt[p]; !ok {
			diff.Removed = append(diff.Removed, p)
		}
	}
	return diff
}

// MissingDependencies lists dependencies of p absent from set, in declaration order.
func (e *Engine) MissingDependencies(p Permission, set []Permission) []Permission {
	m, ok := e.catalog.Lookup(p)
	if !ok {
		return nil
	}
	have := toSet(set)
	var missing []Permission
	for _, dep := range m.Dependencies {
		if _, ok := have[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// CanGrantPermission reports whether every dependency of p is already in
// current. Permissions outside the catalog are never grantable.
func (e *Engine) CanGrantPermission(p Permission, current []Permission) bool {
	if !e.catalog.Has(p) {
		return false
	}
	return len(e.MissingDependencies(p, current)) == 0
}

// Dependents lists members of set that directly depend on p.
func (e *Engine) Dependents(p Permission, set []Permission) []Permission {
	var out []Permission
	for _, candidate := range Dedupe(set) {
		m, ok := e.catalog.Lookup(candidate)
		if !ok {
			continue
		}
		if Contains(m.Dependencies, p) {
			out = append(out, candidate)
		}
	}
	return out
}

// Validate checks dependencies and policy rules. Unknown permissions are ignored.
func (e *Engine) Validate(perms []Permission) ValidationResult {
	known := make([]Permission, 0, len(perms))
	present := make([]Metadata, 0, len(perms))
	for _, p := range Dedupe(perms) {
		if m, ok := e.catalog.Lookup(p); ok {
			known = append(known, p)
			present = append(present, m)
		}
	}
	set := toSet(known)
	result := ValidationResult{Errors: []Issue{}, Warnings: []Issue{}}
	flagged := make(map[Permission]struct{})

	for _, m := range present {
		missing := e.MissingDependencies(m.Permission, known)
		if len(missing) == 0 {
			continue
		}
		result.Errors = append(result.Errors, Issue{
			Permission: m.Permission,
			Message:    fmt.Sprintf("%s requires %s (dependencies not met)", e.catalog.Label(m.Permission), e.labels(missing)),
			Rule:       RuleDependencies,
		})
		flagged[m.Permission] = struct{}{}
	}

	env := ruleEnv{set: set, catalog: e.catalog}
	for _, rule := range e.rules {
		if !rule.matches(env) {
			continue
		}
		targets := make([]Permission, 0, len(rule.Permissions))
		for _, p := range rule.Permissions {
			if _, ok := set[p]; ok {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			targets = append(targets, "")
		}
		for _, p := range targets {
			issue := Issue{Permission: p, Message: rule.Message, Rule: rule.ID}
			if rule.Severity == SeverityError {
				result.Errors = append(result.Errors, issue)
			} else {
				result.Warnings = append(result.Warnings, issue)
			}
			if p != "" {
				flagged[p] = struct{}{}
			}
		}
	}

	flaggedMeta := make([]Metadata, 0, len(flagged))
	for _, m := range present {
		if _, ok := flagged[m.Permission]; ok {
			flaggedMeta = append(flaggedMeta, m)
		}
	}
	result.RiskLevel = e.risk(flaggedMeta, present)
	result.IsValid = len(result.Errors) == 0
	return result
}

// CommonPermissionsForRole returns the canonical permission set of role.
// Unknown roles yield an empty set.
func (e *Engine) CommonPermissionsForRole(role Role) []Permission {
	def, ok := e.roles.Lookup(role)
	if !ok {
		return []Permission{}
	}
	out := make([]Permission, len(def.Permissions))
	copy(out, def.Permissions)
	return out
}

// SearchPermissions matches the catalog case-insensitively; an empty query
// returns everything.
func (e *Engine) SearchPermissions(query string) []Permission {
	return e.catalog.Search(query)
}

func (e *Engine) labels(perms []Permission) string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, e.catalog.Label(p))
	}
	return strings.Join(names, ", ")
}
