// Package tier selects the execution locality (device, edge, cloud) that
// serves a classified request for a vessel.
package tier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ocx/vesselgate/internal/core"
)

// Request classes understood out of the box. Classification happens upstream.
const (
	ClassSimpleQA        = "simple_qa"
	ClassMediumReasoning = "medium_reasoning"
	ClassHeavyGeneration = "heavy_generation"
)

// DefaultOrdering is used for classes with no configured preference.
var DefaultOrdering = []core.TierLevel{core.Tier1, core.Tier2, core.Tier0}

// DefaultPreferences returns the built-in preferred ordering per request class.
func DefaultPreferences() map[string][]core.TierLevel {
	return map[string][]core.TierLevel{
		ClassSimpleQA:        {core.Tier0, core.Tier1, core.Tier2},
		ClassMediumReasoning: {core.Tier1, core.Tier2, core.Tier0},
		ClassHeavyGeneration: {core.Tier2, core.Tier1, core.Tier0},
	}
}

// Selection explains a routing decision.
type Selection struct {
	Class string         `json:"request_class"`
	Tier  core.TierLevel `json:"tier"`
	Model string         `json:"model,omitempty"`

	// Fallback is set when the class's first preference was disabled.
	Fallback bool             `json:"fallback"`
	Skipped  []core.TierLevel `json:"skipped,omitempty"`
}

// Router walks a preferred tier ordering. It holds no mutable state after
// construction, so the same (class, TierConfig) always yields the same tier.
type Router struct {
	preferences map[string][]core.TierLevel
	fallback    []core.TierLevel
}

// NewRouter builds a router. Nil preferences use DefaultPreferences; a nil
// fallback uses DefaultOrdering. Orderings are copied.
func NewRouter(preferences map[string][]core.TierLevel, fallback []core.TierLevel) (*Router, error) {
	if preferences == nil {
		preferences = DefaultPreferences()
	}
	if fallback == nil {
		fallback = DefaultOrdering
	}

	r := &Router{preferences: make(map[string][]core.TierLevel, len(preferences))}
	for class, ordering := range preferences {
		if err := validateOrdering(ordering); err != nil {
			return nil, fmt.Errorf("request class %q: %w", class, err)
		}
		r.preferences[class] = append([]core.TierLevel(nil), ordering...)
	}
	if err := validateOrdering(fallback); err != nil {
		return nil, fmt.Errorf("default ordering: %w", err)
	}
	r.fallback = append([]core.TierLevel(nil), fallback...)
	return r, nil
}

// NewDefaultRouter returns a router with the built-in preferences.
func NewDefaultRouter() *Router {
	r, _ := NewRouter(nil, nil)
	return r
}

func validateOrdering(ordering []core.TierLevel) error {
	if len(ordering) == 0 {
		return fmt.Errorf("empty tier ordering")
	}
	seen := make(map[core.TierLevel]bool, len(ordering))
	for _, t := range ordering {
		if t < core.Tier0 || t > core.Tier2 {
			return fmt.Errorf("unknown tier %d", int(t))
		}
		if seen[t] {
			return fmt.Errorf("duplicate tier %s", t)
		}
		seen[t] = true
	}
	return nil
}

// Ordering returns the preferred ordering for a class (a copy).
func (r *Router) Ordering(class string) []core.TierLevel {
	ordering, ok := r.preferences[class]
	if !ok {
		ordering = r.fallback
	}
	return append([]core.TierLevel(nil), ordering...)
}

// Classes lists the classes with an explicit preference, sorted.
func (r *Router) Classes() []string {
	classes := make([]string, 0, len(r.preferences))
	for c := range r.preferences {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// SelectTier returns the first enabled tier in the class's ordering. When none
// is enabled it fails with core.ErrNoTierAvailable; there is no safe default.
func (r *Router) SelectTier(class string, vessel core.Vessel) (core.TierLevel, error) {
	sel, err := r.Route(class, vessel)
	if err != nil {
		return 0, err
	}
	return sel.Tier, nil
}

// Route is SelectTier with an explanation of what was skipped.
func (r *Router) Route(class string, vessel core.Vessel) (Selection, error) {
	ordering, ok := r.preferences[class]
	if !ok {
		ordering = r.fallback
	}

	var skipped []core.TierLevel
	for _, t := range ordering {
		if !vessel.TierConfig.Enabled(t) {
			skipped = append(skipped, t)
			continue
		}
		return Selection{
			Class:    class,
			Tier:     t,
			Model:    vessel.TierConfig.Model(t),
			Fallback: len(skipped) > 0,
			Skipped:  skipped,
		}, nil
	}
	return Selection{}, fmt.Errorf("%w: request class %q, vessel %q, tried [%s]",
		core.ErrNoTierAvailable, class, vessel.ID, joinTiers(ordering))
}

// ParsePreferences converts configured orderings ("tier0", "edge", "2", ...)
// into tier levels.
func ParsePreferences(raw map[string][]string) (map[string][]core.TierLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string][]core.TierLevel, len(raw))
	for class, names := range raw {
		ordering, err := ParseOrdering(names)
		if err != nil {
			return nil, fmt.Errorf("request class %q: %w", class, err)
		}
		out[class] = ordering
	}
	return out, nil
}

// FromConfig builds a router from configured orderings. Configured classes
// replace or extend the built-in ones; an empty default keeps DefaultOrdering.
func FromConfig(preferences map[string][]string, fallback []string) (*Router, error) {
	prefs, err := ParsePreferences(preferences)
	if err != nil {
		return nil, err
	}
	def, err := ParseOrdering(fallback)
	if err != nil {
		return nil, fmt.Errorf("default ordering: %w", err)
	}
	merged := DefaultPreferences()
	for class, ordering := range prefs {
		merged[class] = ordering
	}
	return NewRouter(merged, def)
}

// ParseOrdering parses one ordering. An empty input returns nil.
func ParseOrdering(names []string) ([]core.TierLevel, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ordering := make([]core.TierLevel, 0, len(names))
	for _, n := range names {
		t, err := core.ParseTierLevel(n)
		if err != nil {
			return nil, err
		}
		ordering = append(ordering, t)
	}
	if err := validateOrdering(ordering); err != nil {
		return nil, err
	}
	return ordering, nil
}

func joinTiers(ordering []core.TierLevel) string {
	names := make([]string, len(ordering))
	for i, t := range ordering {
		names[i] = t.String()
	}
	return strings.Join(names, ", ")
}
