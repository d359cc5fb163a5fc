package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const miniPolicy = `
permissions:
  - id: A
    label: Alpha
    risk: low
  - id: B
    label: Beta
    risk: high
    dependencies: [A, A]
roles:
  - role: viewer
    rank: 1
    permissions: [A]
rules:
  - id: b-alone
    when: has("B") && count == 2
    message: B is lonely
    permissions: [B]
`

func TestParsePolicyDefaults(t *testing.T) {
	policy, err := ParsePolicy([]byte(miniPolicy))
	require.NoError(t, err)
	assert.Equal(t, 0.5, policy.Suggestions.MinConfidence)
	assert.Equal(t, 5, policy.Suggestions.Limit)

	engine, err := NewEngine(policy)
	require.NoError(t, err)
	meta, ok := engine.Catalog().Lookup("B")
	require.True(t, ok)
	assert.Equal(t, perms("A"), meta.Dependencies)
	assert.Equal(t, RiskHigh, meta.Risk)

	result := engine.Validate(perms("A", "B"))
	assert.True(t, result.IsValid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "B is lonely", result.Warnings[0].Message)

	_, ok = engine.Roles().Lookup("VIEWER")
	assert.True(t, ok)
}

func TestParsePolicyRejectsBrokenReferences(t *testing.T) {
	cases := map[string]string{
		"unknown dependency": "permissions:\n  - id: A\n    dependencies: [Z]\n",
		"self dependency":    "permissions:\n  - id: A\n    dependencies: [A]\n",
		"role reference":     "permissions:\n  - id: A\nroles:\n  - role: X\n    permissions: [Z]\n",
		"template reference": "permissions:\n  - id: A\ntemplates:\n  - name: t\n    permissions: [Z]\n",
		"empty catalog":      "roles: []\n",
		"bad risk":           "permissions:\n  - id: A\n    risk: apocalyptic\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	base := "permissions:\n  - id: A\nrules:\n"
	cases := map[string]string{
		"syntax":       base + "  - id: r\n    when: has(\"A\") &&\n",
		"not boolean":  base + "  - id: r\n    when: count\n",
		"empty":        base + "  - id: r\n    when: \"  \"\n",
		"bad severity": base + "  - id: r\n    severity: fatal\n    when: has(\"A\")\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			policy, err := ParsePolicy([]byte(raw))
			require.NoError(t, err)
			_, err = NewEngine(policy)
			assert.Error(t, err)
		})
	}
	_, err := NewEngine(nil)
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	fromDefault, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Len(t, fromDefault.Permissions, 21)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(miniPolicy), 0o600))
	fromFile, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Len(t, fromFile.Permissions, 2)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRoleSetOrdering(t *testing.T) {
	engine := newTestEngine(t)
	roles := engine.Roles()

	ordered := roles.Ordered()
	require.Len(t, ordered, 5)
	assert.Equal(t, RoleClient, ordered[0].Role)
	assert.Equal(t, RoleSuperAdmin, ordered[4].Role)

	assert.True(t, roles.Outranks(RoleAdmin, RoleTeamLead))
	assert.False(t, roles.Outranks(RoleTeamLead, RoleAdmin))
	assert.False(t, roles.Outranks(RoleAdmin, "admin"))
	assert.Equal(t, 0, roles.Compare(RoleAdmin, "admin"))
	assert.Equal(t, -1, roles.Rank("ASTRONAUT"))
	assert.True(t, roles.Outranks(RoleClient, "ASTRONAUT"))

	extended := roles.With(RoleDefinition{Role: "auditor", Rank: 25, Permissions: perms("AUDIT_VIEW"), Custom: true})
	assert.True(t, extended.Outranks("AUDITOR", RoleTeamMember))
	assert.True(t, extended.Outranks(RoleTeamLead, "AUDITOR"))
	_, ok := roles.Lookup("AUDITOR")
	assert.False(t, ok)
}

func TestRiskText(t *testing.T) {
	var r Risk
	require.NoError(t, r.UnmarshalText([]byte("Critical")))
	assert.Equal(t, RiskCritical, r)
	raw, err := RiskHigh.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(raw))
	assert.Equal(t, RiskHigh, RiskMedium.Max(RiskHigh))
	assert.Error(t, r.UnmarshalText([]byte("severe")))
}
