package core

import (
	"fmt"
	"strings"
)

// TierLevel is an execution locality, ordered by proximity/cost.
type TierLevel int

const (
	Tier0 TierLevel = iota // device
	Tier1                  // edge
	Tier2                  // cloud
)

// AllTiers lists every tier in ascending order.
var AllTiers = []TierLevel{Tier0, Tier1, Tier2}

func (t TierLevel) String() string {
	switch t {
	case Tier0:
		return "TIER0"
	case Tier1:
		return "TIER1"
	case Tier2:
		return "TIER2"
	default:
		return fmt.Sprintf("TIER(%d)", int(t))
	}
}

// Locality returns the human name of the tier.
func (t TierLevel) Locality() string {
	switch t {
	case Tier0:
		return "device"
	case Tier1:
		return "edge"
	case Tier2:
		return "cloud"
	default:
		return "unknown"
	}
}

// ParseTierLevel accepts "TIER0", "tier1", "2", "edge" and similar spellings.
func ParseTierLevel(s string) (TierLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tier0", "0", "device":
		return Tier0, nil
	case "tier1", "1", "edge":
		return Tier1, nil
	case "tier2", "2", "cloud":
		return Tier2, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t TierLevel) MarshalText() ([]byte, error) {
	if t < Tier0 || t > Tier2 {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *TierLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseTierLevel(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierConfig is owned by a vessel and read-only during routing.
type TierConfig struct {
	Tier0Enabled bool   `json:"tier0_enabled" yaml:"tier0_enabled"`
	Tier0Model   string `json:"tier0_model" yaml:"tier0_model"`
	Tier1Enabled bool   `json:"tier1_enabled" yaml:"tier1_enabled"`
	Tier1Model   string `json:"tier1_model" yaml:"tier1_model"`
	Tier2Enabled bool   `json:"tier2_enabled" yaml:"tier2_enabled"`
	Tier2Model   string `json:"tier2_model" yaml:"tier2_model"`
}

// Enabled reports whether the tier is switched on for the vessel.
func (c TierConfig) Enabled(t TierLevel) bool {
	switch t {
	case Tier0:
		return c.Tier0Enabled
	case Tier1:
		return c.Tier1Enabled
	case Tier2:
		return c.Tier2Enabled
	}
	return false
}

// Model returns the model bound to the tier, empty if none.
func (c TierConfig) Model(t TierLevel) string {
	switch t {
	case Tier0:
		return c.Tier0Model
	case Tier1:
		return c.Tier1Model
	case Tier2:
		return c.Tier2Model
	}
	return ""
}

// Vessel is the tenant boundary: one tier configuration, one policy profile.
// Provisioned externally and never mutated by the gate or the router.
type Vessel struct {
	ID            string     `json:"id" yaml:"id"`
	TierConfig    TierConfig `json:"tier_config" yaml:"tier_config"`
	PolicyProfile string     `json:"policy_profile" yaml:"policy_profile"`
}
