package rbac

import (
	"fmt"
	"math"
)

// SuggestionAction says whether a suggestion proposes adding or removing.
type SuggestionAction string

const (
	SuggestAdd    SuggestionAction = "add"
	SuggestRemove SuggestionAction = "remove"
)

// Suggestion proposes a change to a permission set.
type Suggestion struct {
	Permission Permission       `json:"permission"`
	Action     SuggestionAction `json:"action"`
	Reason     string           `json:"reason"`
	Confidence float64          `json:"confidence"`
}

var removeConfidence = map[Risk]float64{
	RiskLow:      0.3,
	RiskMedium:   0.5,
	RiskHigh:     0.75,
	RiskCritical: 0.9,
}

// Suggestions compares current against the canonical set of role. Additions
// come first, each list in catalog order. Unknown roles yield no suggestions.
// Callers filter dismissed permissions themselves.
func (e *Engine) Suggestions(role Role, current []Permission) []Suggestion {
	def, ok := e.roles.Lookup(role)
	if !ok {
		return []Suggestion{}
	}
	current = Dedupe(current)
	have := toSet(current)
	defaults := toSet(def.Permissions)

	covered := 0
	for p := range defaults {
		if _, ok := have[p]; ok {
			covered++
		}
	}
	coverage := 0.0
	if len(defaults) > 0 {
		coverage = float64(covered) / float64(len(defaults))
	}

	adds := []Suggestion{}
	removes := []Suggestion{}
	for _, m := range e.catalog.entries {
		_, inDefaults := defaults[m.Permission]
		_, held := have[m.Permission]
		switch {
		case inDefaults && !held:
			confidence := 0.6 + 0.3*coverage
			if e.CanGrantPermission(m.Permission, current) {
				confidence += 0.1
			}
			adds = append(adds, Suggestion{
				Permission: m.Permission,
				Action:     SuggestAdd,
				Reason:     fmt.Sprintf("%s is part of the %s role defaults", m.Label, roleLabel(def)),
				Confidence: round2(math.Min(confidence, 0.95)),
			})
		case held && !inDefaults:
			removes = append(removes, Suggestion{
				Permission: m.Permission,
				Action:     SuggestRemove,
				Reason:     fmt.Sprintf("%s (%s risk) is atypical for the %s role", m.Label, m.Risk, roleLabel(def)),
				Confidence: removeConfidence[m.Risk],
			})
		}
	}
	return append(adds, removes...)
}

// FilterSuggestions drops suggestions below minConfidence or whose permission
// is in skip, then truncates to limit (limit <= 0 keeps everything).
func FilterSuggestions(in []Suggestion, minConfidence float64, limit int, skip func(Permission) bool) []Suggestion {
	out := make([]Suggestion, 0, len(in))
	for _, s := range in {
		if s.Confidence < minConfidence {
			continue
		}
		if skip != nil && skip(s.Permission) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func roleLabel(def RoleDefinition) string {
	if def.Label != "" {
		return def.Label
	}
	return string(def.Role)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
