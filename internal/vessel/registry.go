// Package vessel holds the provisioned vessels the gate and router read.
package vessel

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v2"

	"github.com/ocx/vesselgate/internal/core"
)

// File is the provisioning file layout.
type File struct {
	Vessels []core.Vessel `yaml:"vessels"`
}

// Registry maps vessel IDs to vessels. Readers never lock; Swap replaces the
// whole set at once.
type Registry struct {
	vessels atomic.Pointer[map[string]core.Vessel]
}

func NewRegistry(vessels ...core.Vessel) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(vessels); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap atomically replaces every vessel. Duplicate or empty IDs are rejected
// and leave the current set in place.
func (r *Registry) Swap(vessels []core.Vessel) error {
	next := make(map[string]core.Vessel, len(vessels))
	for _, v := range vessels {
		if v.ID == "" {
			return fmt.Errorf("vessel with empty id")
		}
		if _, dup := next[v.ID]; dup {
			return fmt.Errorf("duplicate vessel %q", v.ID)
		}
		next[v.ID] = v
	}
	r.vessels.Store(&next)
	return nil
}

// Get returns the vessel or core.ErrVesselNotFound.
func (r *Registry) Get(id string) (core.Vessel, error) {
	m := r.vessels.Load()
	if m != nil {
		if v, ok := (*m)[id]; ok {
			return v, nil
		}
	}
	return core.Vessel{}, fmt.Errorf("%w: %s", core.ErrVesselNotFound, id)
}

// List returns every vessel sorted by ID.
func (r *Registry) List() []core.Vessel {
	m := r.vessels.Load()
	if m == nil {
		return nil
	}
	out := make([]core.Vessel, 0, len(*m))
	for _, v := range *m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Parse decodes a YAML vessel file.
func Parse(data []byte) ([]core.Vessel, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vessels: %w", err)
	}
	return f.Vessels, nil
}

// LoadFile reads a YAML vessel file.
func LoadFile(path string) ([]core.Vessel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Reload reads path and swaps the registry contents.
func (r *Registry) Reload(path string) error {
	vessels, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Swap(vessels)
}
