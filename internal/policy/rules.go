package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"

	"github.com/ocx/vesselgate/internal/core"
)

// Rule flags matching actions along one policy dimension.
type Rule struct {
	Dimension   string   `yaml:"dimension"`
	ActionTypes []string `yaml:"action_types"` // empty matches every action type
	Agents      []string `yaml:"agents"`       // empty matches every agent
	Severity    string   `yaml:"severity"`     // minor | major | critical; empty for review-only rules
	Correction  string   `yaml:"correction"`

	// RequestReview marks matching actions for human review (DEFER).
	RequestReview bool `yaml:"request_review"`

	severity core.Severity
}

// Profile is a named, ordered set of rules.
type Profile struct {
	Rules []Rule `yaml:"rules"`
}

// ProfileSet maps profile names to profiles.
type ProfileSet struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// ParseProfiles decodes and validates a YAML profile document.
func ParseProfiles(data []byte) (*ProfileSet, error) {
	var ps ProfileSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decode policy profiles: %w", err)
	}
	if ps.Profiles == nil {
		ps.Profiles = make(map[string]Profile)
	}
	for name, p := range ps.Profiles {
		for i := range p.Rules {
			r := &p.Rules[i]
			if r.Dimension == "" {
				return nil, fmt.Errorf("profile %s rule %d: dimension required", name, i)
			}
			for _, at := range r.ActionTypes {
				if !core.ActionType(at).Valid() {
					return nil, fmt.Errorf("profile %s rule %s: unknown action type %q", name, r.Dimension, at)
				}
			}
			if r.Severity == "" {
				if !r.RequestReview {
					return nil, fmt.Errorf("profile %s rule %s: severity or request_review required", name, r.Dimension)
				}
				continue
			}
			sev, err := core.ParseSeverity(r.Severity)
			if err != nil {
				return nil, fmt.Errorf("profile %s rule %s: %w", name, r.Dimension, err)
			}
			r.severity = sev
		}
		ps.Profiles[name] = p
	}
	return &ps, nil
}

// LoadProfiles reads a YAML profile file.
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseProfiles(data)
}

func (r Rule) matches(req core.ActionRequest) bool {
	if len(r.ActionTypes) > 0 && !contains(r.ActionTypes, string(req.ActionType)) {
		return false
	}
	if len(r.Agents) > 0 && !contains(r.Agents, req.AgentID) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RuleEvaluator evaluates requests against the profile named by the vessel.
// Profiles can be replaced at runtime with Swap; readers never see a partial set.
type RuleEvaluator struct {
	profiles atomic.Pointer[ProfileSet]
}

// NewRuleEvaluator creates an evaluator over ps.
func NewRuleEvaluator(ps *ProfileSet) *RuleEvaluator {
	e := &RuleEvaluator{}
	e.Swap(ps)
	return e
}

// Swap atomically replaces the profile set.
func (e *RuleEvaluator) Swap(ps *ProfileSet) {
	if ps == nil {
		ps = &ProfileSet{Profiles: map[string]Profile{}}
	}
	e.profiles.Store(ps)
}

// Evaluate applies every matching rule in declaration order.
// An unknown profile is an error; the gate turns it into BLOCK.
func (e *RuleEvaluator) Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	ps := e.profiles.Load()
	profile, ok := ps.Profiles[vessel.PolicyProfile]
	if !ok {
		return Evaluation{}, fmt.Errorf("policy profile %q not found for vessel %s", vessel.PolicyProfile, vessel.ID)
	}

	var out Evaluation
	for _, r := range profile.Rules {
		if !r.matches(req) {
			continue
		}
		if r.RequestReview {
			out.RequestReview = true
		}
		if r.severity.Valid() {
			out.Violations = append(out.Violations, core.ConstraintViolation{
				Dimension:           r.Dimension,
				Severity:            r.severity,
				SuggestedCorrection: r.Correction,
			})
		}
	}
	return out, nil
}
