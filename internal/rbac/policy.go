package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicy []byte

// Template is a named permission bundle offered by the editor's templates tab.
type Template struct {
	Name        string       `json:"name" yaml:"name"`
	Label       string       `json:"label" yaml:"label"`
	Description string       `json:"description" yaml:"description"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
}

// SuggestionTuning controls suggestion filtering defaults.
type SuggestionTuning struct {
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	Limit         int     `json:"limit" yaml:"limit"`
}

// Policy is the business-policy data the engine consumes.
type Policy struct {
	Permissions []Metadata       `yaml:"permissions"`
	Roles       []RoleDefinition `yaml:"roles"`
	Templates   []Template       `yaml:"templates"`
	Rules       []Rule           `yaml:"rules"`
	Suggestions SuggestionTuning `yaml:"suggestions"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicy)
}

// LoadPolicy reads a policy file; an empty path yields the embedded default.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and checks a YAML policy document.
func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rbac: decode policy: %w", err)
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.Suggestions.MinConfidence <= 0 {
		p.Suggestions.MinConfidence = 0.5
	}
	if p.Suggestions.Limit <= 0 {
		p.Suggestions.Limit = 5
	}
	return &p, nil
}

func (p *Policy) check() error {
	if len(p.Permissions) == 0 {
		return errors.New("rbac: policy declares no permissions")
	}
	known := make(map[Permission]struct{}, len(p.Permissions))
	for _, m := range p.Permissions {
		known[m.Permission] = struct{}{}
	}
	for _, m := range p.Permissions {
		for _, dep := range m.Dependencies {
			if _, ok := known[dep]; !ok {
				return fmt.Errorf("rbac: permission %s depends on unknown %s", m.Permission, dep)
			}
			if dep == m.Permission {
				return fmt.Errorf("rbac: permission %s depends on itself", m.Permission)
			}
		}
	}
	for _, r := range p.Roles {
		for _, perm := range r.Permissions {
			if _, ok := known[perm]; !ok {
				return fmt.Errorf("rbac: role %s references unknown permission %s", r.Role, perm)
			}
		}
	}
	for _, t := range p.Templates {
		for _, perm := range t.Permissions {
			if _, ok := known[perm]; !ok {
				return fmt.Errorf("rbac: template %s references unknown permission %s", t.Name, perm)
			}
		}
	}
	return nil
}

// Template returns the named template.
func (p *Policy) Template(name string) (Template, bool) {
	for _, t := range p.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}
