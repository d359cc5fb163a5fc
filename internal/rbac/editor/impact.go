package editor

import "github.com/ledgerline/portal/internal/rbac"

// Impact summarises what saving the current selection would change.
type Impact struct {
	Diff             rbac.Diff             `json:"diff"`
	AddedByRisk      map[string]int        `json:"addedByRisk"`
	HighestAddedRisk rbac.Risk             `json:"highestAddedRisk"`
	Unmet            []rbac.Issue          `json:"unmet"`
	Validation       rbac.ValidationResult `json:"validation"`
}

// Impact previews the pending change.
func (s *Session) Impact() Impact {
	s.mu.Lock()
	selected := clonePerms(s.selected)
	s.mu.Unlock()

	engine := s.cfg.Engine
	diff := engine.CalculateDiff(s.cfg.OriginalPermissions, selected)
	out := Impact{
		Diff:        diff,
		AddedByRisk: map[string]int{},
		Validation:  engine.Validate(selected),
		Unmet:       []rbac.Issue{},
	}
	for _, p := range diff.Added {
		m, ok := engine.Catalog().Lookup(p)
		if !ok {
			continue
		}
		out.AddedByRisk[m.Risk.String()]++
		out.HighestAddedRisk = out.HighestAddedRisk.Max(m.Risk)
	}
	for _, issue := range out.Validation.Errors {
		if issue.Rule == rbac.RuleDependencies {
			out.Unmet = append(out.Unmet, issue)
		}
	}
	return out
}
