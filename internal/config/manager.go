package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// VesselOverride holds per-vessel settings layered over the global config.
type VesselOverride struct {
	Gate    GateConfig    `yaml:"gate"`
	Routing RoutingConfig `yaml:"routing"`
}

// OverridesConfig is the overrides file layout.
type OverridesConfig struct {
	Vessels map[string]VesselOverride `yaml:"vessels"`
}

type snapshot struct {
	global    *Config
	overrides map[string]VesselOverride
}

// Manager serves the active configuration. Reload swaps the whole snapshot
// so readers never see a partially applied file.
type Manager struct {
	masterPath    string
	overridesPath string
	current       atomic.Pointer[snapshot]
}

// NewManager loads both the master config and the vessel overrides.
func NewManager(masterPath, overridesPath string) (*Manager, error) {
	m := &Manager{masterPath: masterPath, overridesPath: overridesPath}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticManager wraps an already-built config with no overrides.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(&snapshot{global: cfg, overrides: map[string]VesselOverride{}})
	return m
}

// Reload re-reads both files. On error the previous snapshot stays active.
func (m *Manager) Reload() error {
	global, err := LoadConfig(m.masterPath)
	if err != nil {
		return err
	}
	overrides, err := loadOverrides(m.overridesPath)
	if err != nil {
		return err
	}
	m.current.Store(&snapshot{global: global, overrides: overrides})
	return nil
}

func loadOverrides(path string) (map[string]VesselOverride, error) {
	if path == "" {
		return map[string]VesselOverride{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		// If overrides file missing, just use empty map
		if os.IsNotExist(err) {
			return map[string]VesselOverride{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OverridesConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if oc.Vessels == nil {
		oc.Vessels = map[string]VesselOverride{}
	}
	return oc.Vessels, nil
}

// Global returns the master config.
func (m *Manager) Global() *Config {
	return m.current.Load().global
}

// Get returns the effective config for a vessel: a copy of the global config
// with that vessel's overrides applied.
func (m *Manager) Get(vesselID string) *Config {
	snap := m.current.Load()
	effective := *snap.global

	if override, ok := snap.overrides[vesselID]; ok {
		if override.Gate.LatencyBudgetMs > 0 {
			effective.Gate.LatencyBudgetMs = override.Gate.LatencyBudgetMs
		}
		if override.Gate.GracePeriodMs > 0 {
			effective.Gate.GracePeriodMs = override.Gate.GracePeriodMs
		}
		if len(override.Routing.Default) > 0 {
			effective.Routing.Default = override.Routing.Default
		}
		if len(override.Routing.Preferences) > 0 {
			merged := make(map[string][]string, len(effective.Routing.Preferences)+len(override.Routing.Preferences))
			for k, v := range effective.Routing.Preferences {
				merged[k] = v
			}
			for k, v := range override.Routing.Preferences {
				merged[k] = v
			}
			effective.Routing.Preferences = merged
		}
	}
	return &effective
}

// LatencyBudget returns the gate budget in effect for a vessel.
func (m *Manager) LatencyBudget(vesselID string) time.Duration {
	return m.Get(vesselID).Gate.LatencyBudget()
}
