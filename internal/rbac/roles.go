package rbac

import (
	"sort"
	"strings"
)

// RoleDefinition binds a role to its canonical permission set and privilege rank.
type RoleDefinition struct {
	Role        Role         `json:"role" yaml:"role"`
	Label       string       `json:"label" yaml:"label"`
	Rank        int          `json:"rank" yaml:"rank"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	Custom      bool         `json:"custom" yaml:"custom"`
}

// RoleSet indexes role definitions and exposes the privilege order.
type RoleSet struct {
	defs   []RoleDefinition
	byRole map[Role]int
}

// NewRoleSet builds a role set. Later duplicates of a role are ignored.
func NewRoleSet(defs []RoleDefinition) *RoleSet {
	rs := &RoleSet{byRole: make(map[Role]int, len(defs))}
	for _, def := range defs {
		def.Role = NormalizeRole(string(def.Role))
		if def.Role == "" {
			continue
		}
		if _, dup := rs.byRole[def.Role]; dup {
			continue
		}
		def.Permissions = Dedupe(def.Permissions)
		rs.byRole[def.Role] = len(rs.defs)
		rs.defs = append(rs.defs, def)
	}
	return rs
}

// NormalizeRole upper-cases and trims a role name.
func NormalizeRole(name string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(name)))
}

// Lookup returns the definition of role.
func (rs *RoleSet) Lookup(role Role) (RoleDefinition, bool) {
	idx, ok := rs.byRole[NormalizeRole(string(role))]
	if !ok {
		return RoleDefinition{}, false
	}
	return rs.defs[idx], true
}

// Ordered returns the definitions from least to most privileged. Ties keep
// declaration order.
func (rs *RoleSet) Ordered() []RoleDefinition {
	out := make([]RoleDefinition, len(rs.defs))
	copy(out, rs.defs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Rank returns the privilege rank of role; unknown roles rank below everything.
func (rs *RoleSet) Rank(role Role) int {
	def, ok := rs.Lookup(role)
	if !ok {
		return -1
	}
	return def.Rank
}

// Compare returns -1, 0 or 1 as a is less, equally or more privileged than b.
func (rs *RoleSet) Compare(a, b Role) int {
	ra, rb := rs.Rank(a), rs.Rank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

// Outranks reports whether a is strictly more privileged than b.
func (rs *RoleSet) Outranks(a, b Role) bool {
	return rs.Compare(a, b) > 0
}

// With returns a copy of the set extended by extra definitions, used to layer
// tenant custom roles over the policy roles.
func (rs *RoleSet) With(extra ...RoleDefinition) *RoleSet {
	defs := make([]RoleDefinition, 0, len(rs.defs)+len(extra))
	defs = append(defs, rs.defs...)
	defs = append(defs, extra...)
	return NewRoleSet(defs)
}
