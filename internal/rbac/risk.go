package rbac

import (
	"fmt"
	"strings"
)

// Risk is a qualitative severity tag. The zero value is RiskLow.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"low", "medium", "high", "critical"}

// ParseRisk converts a textual risk level.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("rbac: unknown risk level %q", s)
}

func (r Risk) String() string {
	if r < RiskLow || r > RiskCritical {
		return riskNames[RiskLow]
	}
	return riskNames[r]
}

// Max returns the more severe of r and other.
func (r Risk) Max(other Risk) Risk {
	if other > r {
		return other
	}
	return r
}

// MarshalText implements encoding.TextMarshaler.
func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Risk) UnmarshalText(text []byte) error {
	parsed, err := ParseRisk(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RiskPolicy aggregates per-permission risk into the overall level of a
// validation result. flagged holds permissions referenced by an error or
// warning; present holds every known permission of the evaluated set.
type RiskPolicy func(flagged, present []Metadata) Risk

// MaxFlaggedRisk is the default policy: the highest risk among flagged permissions.
func MaxFlaggedRisk(flagged, _ []Metadata) Risk {
	return maxRisk(flagged)
}

// MaxPresentRisk rates a set by its single most dangerous permission.
func MaxPresentRisk(_, present []Metadata) Risk {
	return maxRisk(present)
}

func maxRisk(items []Metadata) Risk {
	level := RiskLow
	for _, m := range items {
		level = level.Max(m.Risk)
	}
	return level
}
