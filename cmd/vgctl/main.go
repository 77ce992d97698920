package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("VG_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "evaluate":
		cmdEvaluate(gateway)
	case "tier":
		cmdTier(gateway)
	case "state":
		cmdState(gateway)
	case "ack":
		cmdAck(gateway)
	case "trail":
		cmdTrail(gateway)
	case "vessels":
		cmdVessels(gateway)
	case "version":
		fmt.Printf("vgctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Vessel Gate CLI v` + version + `

Usage: vgctl <command> [flags]

Commands:
  evaluate  Ask the gate for a verdict on an action
  tier      Select an execution tier for a request class
  state     Show an agent's admission state
  ack       Return a settled agent to IDLE
  trail     Show an agent's transitions and security events
  vessels   List provisioned vessels
  version   Print version
  help      Show this help

Environment:
  VG_GATEWAY_URL    Gate URL (default: http://localhost:8080)

Examples:
  vgctl evaluate --agent agent-7 --vessel v1 --action commercial_intro --payload '{"to":"acme"}'
  vgctl tier --vessel v1 --class simple_qa
  vgctl ack --agent agent-7 --cause operator_reviewed
  vgctl trail --agent agent-7`)
}

// parseFlags reads "--name value" pairs after the subcommand.
func parseFlags(names ...string) map[string]string {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	out := make(map[string]string)
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		name := args[i]
		if len(name) > 2 && name[:2] == "--" && known[name[2:]] {
			i++
			if i < len(args) {
				out[name[2:]] = args[i]
			}
		}
	}
	return out
}

func require(flags map[string]string, names ...string) {
	for _, n := range names {
		if flags[n] == "" {
			fmt.Fprintf(os.Stderr, "Error: --%s is required\n", n)
			os.Exit(1)
		}
	}
}

// ----------------------------------------------------------------
// evaluate command
// ----------------------------------------------------------------

func cmdEvaluate(gateway string) {
	f := parseFlags("agent", "vessel", "action", "payload", "budget-ms")
	require(f, "agent", "vessel", "action")

	req := map[string]interface{}{
		"agent_id":    f["agent"],
		"vessel_id":   f["vessel"],
		"action_type": f["action"],
	}
	if p := f["payload"]; p != "" {
		if !json.Valid([]byte(p)) {
			fmt.Fprintln(os.Stderr, "Error: --payload must be JSON")
			os.Exit(1)
		}
		req["payload"] = json.RawMessage(p)
	}
	if b := f["budget-ms"]; b != "" {
		var ms int
		if _, err := fmt.Sscanf(b, "%d", &ms); err != nil {
			fmt.Fprintf(os.Stderr, "Error: --budget-ms: %v\n", err)
			os.Exit(1)
		}
		req["budget_ms"] = ms
	}
	body, _ := json.Marshal(req)

	result := mustCall("POST", gateway+"/api/v1/actions/evaluate", body)
	decision, _ := result["decision"].(map[string]interface{})

	verdict := decision["verdict"]
	latency := toFloat(decision["evaluated_latency"]) / float64(time.Millisecond)
	switch verdict {
	case "ALLOW":
		fmt.Printf("✅ ALLOW | %.2fms | req=%s\n", latency, decision["request_id"])
	case "BLOCK":
		fmt.Printf("⛔ BLOCK | %.2fms | req=%s\n", latency, decision["request_id"])
	case "DEFER":
		fmt.Printf("⏳ DEFER | %.2fms | req=%s\n", latency, decision["request_id"])
	default:
		fmt.Printf("🔄 %v | req=%s\n", verdict, decision["request_id"])
	}
	if violations, ok := decision["violations"].([]interface{}); ok {
		for _, v := range violations {
			m, _ := v.(map[string]interface{})
			fmt.Printf("   - %s (%s) %v\n", m["dimension"], m["severity"], orEmpty(m["suggested_correction"]))
		}
	}
	fmt.Printf("State:  %s\n", result["agent_state"])
}

// ----------------------------------------------------------------
// tier command
// ----------------------------------------------------------------

func cmdTier(gateway string) {
	f := parseFlags("vessel", "class")
	require(f, "vessel", "class")

	body, _ := json.Marshal(map[string]string{
		"vessel_id":     f["vessel"],
		"request_class": f["class"],
	})
	result := mustCall("POST", gateway+"/api/v1/tiers/select", body)

	sel, _ := result["selection"].(map[string]interface{})
	fmt.Printf("Class:    %s\nTier:     %s (%s)\nModel:    %v\nFallback: %v\n",
		sel["request_class"], sel["tier"], result["locality"], orEmpty(sel["model"]), sel["fallback"])
}

// ----------------------------------------------------------------
// state / ack / trail commands
// ----------------------------------------------------------------

func cmdState(gateway string) {
	f := parseFlags("agent")
	require(f, "agent")
	result := mustCall("GET", gateway+"/api/v1/agents/"+f["agent"]+"/state", nil)
	fmt.Printf("Agent:  %s\nState:  %s\n", result["agent_id"], result["state"])
}

func cmdAck(gateway string) {
	f := parseFlags("agent", "cause")
	require(f, "agent")
	body, _ := json.Marshal(map[string]string{"cause": f["cause"]})
	result := mustCall("POST", gateway+"/api/v1/agents/"+f["agent"]+"/ack", body)
	fmt.Printf("Agent:  %s\nState:  %s\n", result["agent_id"], result["state"])
	if w, ok := result["warning"]; ok {
		fmt.Printf("⚠️  %v\n", w)
	}
}

func cmdTrail(gateway string) {
	f := parseFlags("agent")
	require(f, "agent")

	transitions := mustCall("GET", gateway+"/api/v1/agents/"+f["agent"]+"/transitions", nil)
	fmt.Println("Transitions:")
	if list, ok := transitions["transitions"].([]interface{}); ok {
		for _, t := range list {
			m, _ := t.(map[string]interface{})
			fmt.Printf("  %-24s %-10s -> %-10s %s\n", m["occurred_at"], m["from_state"], m["to_state"], m["cause"])
		}
	}

	evts := mustCall("GET", gateway+"/api/v1/agents/"+f["agent"]+"/events", nil)
	fmt.Println("Security events:")
	if list, ok := evts["events"].([]interface{}); ok {
		for _, e := range list {
			m, _ := e.(map[string]interface{})
			fmt.Printf("  %-24s %-26s ref=%s\n", m["occurred_at"], m["event_type"], m["decision_ref"])
		}
	}
}

// ----------------------------------------------------------------
// vessels command
// ----------------------------------------------------------------

func cmdVessels(gateway string) {
	result := mustCall("GET", gateway+"/api/v1/vessels", nil)
	list, ok := result["vessels"].([]interface{})
	if !ok || len(list) == 0 {
		fmt.Println("No vessels provisioned.")
		return
	}
	fmt.Printf("%-24s %-16s %s\n", "ID", "PROFILE", "TIERS")
	for _, v := range list {
		m, _ := v.(map[string]interface{})
		tc, _ := m["tier_config"].(map[string]interface{})
		tiers := ""
		for i, key := range []string{"tier0_enabled", "tier1_enabled", "tier2_enabled"} {
			if on, _ := tc[key].(bool); on {
				tiers += fmt.Sprintf("T%d ", i)
			}
		}
		fmt.Printf("%-24s %-16s %s\n", m["id"], m["policy_profile"], tiers)
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func mustCall(method, url string, body []byte) map[string]interface{} {
	status, resp, err := doRequest(method, url, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Bad response (%d): %s\n", status, resp)
		os.Exit(1)
	}
	if status >= 400 {
		fmt.Fprintf(os.Stderr, "❌ %d: %v\n", status, result["error"])
		os.Exit(1)
	}
	return result
}

func doRequest(method, url string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}
