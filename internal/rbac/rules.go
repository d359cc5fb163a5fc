package rbac

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Severity decides whether a rule match blocks a save.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule is a policy-configured check over a permission set. When is an
// expr-lang boolean expression with has(p), count and risk(p) in scope.
type Rule struct {
	ID          string       `yaml:"id"`
	Severity    Severity     `yaml:"severity"`
	When        string       `yaml:"when"`
	Message     string       `yaml:"message"`
	Permissions []Permission `yaml:"permissions"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

type ruleEnv struct {
	set     map[Permission]struct{}
	catalog *Catalog
}

func (e ruleEnv) vars() map[string]any {
	return map[string]any{
		"count": len(e.set),
		"has": func(p string) bool {
			_, ok := e.set[Permission(p)]
			return ok
		},
		"risk": func(p string) string {
			m, ok := e.catalog.Lookup(Permission(p))
			if !ok {
				return ""
			}
			return m.Risk.String()
		},
	}
}

func compileRules(rules []Rule, catalog *Catalog) ([]compiledRule, error) {
	sample := ruleEnv{set: map[Permission]struct{}{}, catalog: catalog}.vars()
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		r.When = strings.TrimSpace(r.When)
		if r.When == "" {
			return nil, fmt.Errorf("rbac: rule %s has no condition", r.ID)
		}
		switch r.Severity {
		case SeverityError, SeverityWarning:
		case "":
			r.Severity = SeverityWarning
		default:
			return nil, fmt.Errorf("rbac: rule %s has unknown severity %q", r.ID, r.Severity)
		}
		program, err := expr.Compile(r.When, expr.Env(sample), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rbac: compile rule %s: %w", r.ID, err)
		}
		out = append(out, compiledRule{Rule: r, program: program})
	}
	return out, nil
}

// matches evaluates the rule; evaluation failures count as no match.
func (r compiledRule) matches(env ruleEnv) bool {
	result, err := expr.Run(r.program, env.vars())
	if err != nil {
		return false
	}
	matched, _ := result.(bool)
	return matched
}
