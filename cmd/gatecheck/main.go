// gatecheck runs one action through a local gate and tier router using the
// same config, vessel and policy files as the server, and prints the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ocx/vesselgate/internal/config"
	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/dispatch"
	"github.com/ocx/vesselgate/internal/gate"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/tier"
	"github.com/ocx/vesselgate/internal/trajectory"
	"github.com/ocx/vesselgate/internal/vessel"
)

const (
	green = "\033[32m"
	red   = "\033[31m"
	amber = "\033[33m"
	cyan  = "\033[96m"
	reset = "\033[0m"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("VG_CONFIG"), "path to config YAML")
		vesselsFile = flag.String("vessels", "", "vessel file (overrides config)")
		policyFile  = flag.String("policy", "", "policy profile file (overrides config)")
		agentID     = flag.String("agent", "gatecheck", "agent id")
		vesselID    = flag.String("vessel", "", "vessel id (required)")
		action      = flag.String("action", string(core.ActionToolCall), "tool_call | message_send | graph_write | commercial_intro")
		payload     = flag.String("payload", "", "action payload")
		class       = flag.String("class", tier.ClassMediumReasoning, "request class for tier selection")
		budget      = flag.Duration("budget", 0, "latency budget (default from config)")
	)
	flag.Parse()

	if *vesselID == "" {
		fmt.Fprintln(os.Stderr, "Error: -vessel is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail("load config", err)
	}
	if *vesselsFile != "" {
		cfg.VesselsFile = *vesselsFile
	}
	if *policyFile != "" {
		cfg.PolicyFile = *policyFile
	}
	if *budget > 0 {
		cfg.Gate.LatencyBudgetMs = int(budget.Milliseconds())
	}

	registry, err := vessel.NewRegistry()
	if err != nil {
		fail("vessel registry", err)
	}
	if cfg.VesselsFile != "" {
		if err := registry.Reload(cfg.VesselsFile); err != nil {
			fail("load vessels", err)
		}
	}
	var profiles *policy.ProfileSet
	if cfg.PolicyFile != "" {
		if profiles, err = policy.LoadProfiles(cfg.PolicyFile); err != nil {
			fail("load policy", err)
		}
	}

	router, err := tier.FromConfig(cfg.Routing.Preferences, cfg.Routing.Default)
	if err != nil {
		fail("tier router", err)
	}

	tracker := trajectory.NewMemoryTracker()
	g := gate.New(policy.NewRuleEvaluator(profiles), tracker,
		gate.WithDefaultBudget(cfg.Gate.LatencyBudget()),
		gate.WithGracePeriod(cfg.Gate.GracePeriod()),
	)
	d := dispatch.New(g, registry)

	fmt.Println(cyan + "Vessel Gate - Action Check" + reset)
	fmt.Println("---------------------------------------------------------")

	v, err := registry.Get(*vesselID)
	if err != nil {
		fail("vessel", err)
	}
	fmt.Printf("%-12s %s (profile=%s)\n", "Vessel:", v.ID, v.PolicyProfile)

	sel, err := router.Route(*class, v)
	switch {
	case errors.Is(err, core.ErrNoTierAvailable):
		fmt.Printf("%-12s %s[NONE]%s %v\n", "Tier:", red, reset, err)
	case err != nil:
		fail("route", err)
	default:
		note := ""
		if sel.Fallback {
			note = fmt.Sprintf(" (fallback, skipped %v)", sel.Skipped)
		}
		fmt.Printf("%-12s %s/%s model=%q%s\n", "Tier:", sel.Tier, sel.Tier.Locality(), sel.Model, note)
	}

	ctx := context.Background()
	res := d.Execute(ctx, *agentID, *vesselID, core.ActionType(*action), []byte(*payload),
		func(_ context.Context, req core.ActionRequest, _ []byte) (any, error) {
			return "dry run, digest " + req.PayloadDigest[:12], nil
		})

	dec := res.Decision
	colour := green
	switch dec.Verdict {
	case core.VerdictBlock:
		colour = red
	case core.VerdictDefer:
		colour = amber
	}
	fmt.Printf("%-12s %s[%s]%s in %s", "Verdict:", colour, dec.Verdict, reset, dec.EvaluatedLatency.Round(time.Microsecond))
	if dec.BudgetExceeded {
		fmt.Print(" (budget exceeded)")
	}
	fmt.Println()
	for _, viol := range dec.Violations {
		fmt.Printf("  >> %-24s %-8s %s\n", viol.Dimension, viol.Severity, viol.SuggestedCorrection)
	}
	if res.Success {
		fmt.Printf("%-12s %v\n", "Output:", res.Output)
	} else {
		fmt.Printf("%-12s %s\n", "Message:", res.Message)
	}

	fmt.Println("---------------------------------------------------------")
	transitions, _ := tracker.GetStateTransitions(ctx, *agentID)
	for _, tr := range transitions {
		fmt.Printf("  %s -> %s (%s)\n", tr.From, tr.To, tr.Cause)
	}
	evts, _ := tracker.GetSecurityEvents(ctx, *agentID)
	for _, e := range evts {
		fmt.Printf("  event %s %v\n", e.EventType, e.Metadata)
	}

	if !res.Success {
		os.Exit(1)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s[FAIL]%s %s: %v\n", red, reset, what, err)
	os.Exit(1)
}
