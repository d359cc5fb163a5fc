package rbac

import (
	"strings"

	"golang.org/x/text/cases"
)

// Metadata describes a catalog permission.
type Metadata struct {
	Permission   Permission   `json:"permission" yaml:"id"`
	Label        string       `json:"label" yaml:"label"`
	Description  string       `json:"description" yaml:"description"`
	Category     string       `json:"category" yaml:"category"`
	Risk         Risk         `json:"risk" yaml:"risk"`
	Dependencies []Permission `json:"dependencies" yaml:"dependencies"`
}

// Catalog is the fixed set of permissions known to the engine, kept in
// declaration order.
type Catalog struct {
	entries []Metadata
	byID    map[Permission]int
	folded  []string
}

var folder = cases.Fold()

// NewCatalog builds a catalog. Later duplicates of an ID are ignored.
func NewCatalog(entries []Metadata) *Catalog {
	c := &Catalog{
		entries: make([]Metadata, 0, len(entries)),
		byID:    make(map[Permission]int, len(entries)),
	}
	for _, m := range entries {
		m.Permission = Permission(strings.TrimSpace(string(m.Permission)))
		if m.Permission == "" {
			continue
		}
		if _, dup := c.byID[m.Permission]; dup {
			continue
		}
		m.Dependencies = Dedupe(m.Dependencies)
		c.byID[m.Permission] = len(c.entries)
		c.entries = append(c.entries, m)
		c.folded = append(c.folded, folder.String(string(m.Permission)+"\x00"+m.Label+"\x00"+m.Description))
	}
	return c
}

// All returns every entry in declaration order.
func (c *Catalog) All() []Metadata {
	out := make([]Metadata, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup returns the metadata for p.
func (c *Catalog) Lookup(p Permission) (Metadata, bool) {
	idx, ok := c.byID[p]
	if !ok {
		return Metadata{}, false
	}
	return c.entries[idx], true
}

// Has reports whether p is part of the catalog.
func (c *Catalog) Has(p Permission) bool {
	_, ok := c.byID[p]
	return ok
}

// Count returns the number of permissions in the catalog.
func (c *Catalog) Count() int {
	return len(c.entries)
}

// Label returns the display label for p, falling back to the identifier.
func (c *Catalog) Label(p Permission) string {
	if m, ok := c.Lookup(p); ok && m.Label != "" {
		return m.Label
	}
	return string(p)
}

// Search matches query case-insensitively against id, label and description.
// An empty query returns the full catalog.
func (c *Catalog) Search(query string) []Permission {
	needle := folder.String(strings.TrimSpace(query))
	out := make([]Permission, 0, len(c.entries))
	for i, m := range c.entries {
		if needle == "" || strings.Contains(c.folded[i], needle) {
			out = append(out, m.Permission)
		}
	}
	return out
}

// Dedupe removes blanks and duplicates while keeping first-seen order.
func Dedupe(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p = Permission(strings.TrimSpace(string(p)))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Contains reports whether p is in perms.
func Contains(perms []Permission, p Permission) bool {
	for _, candidate := range perms {
		if candidate == p {
			return true
		}
	}
	return false
}

func toSet(perms []Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}
