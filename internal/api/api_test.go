package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/events"
	"github.com/ocx/vesselgate/internal/gate"
	"github.com/ocx/vesselgate/internal/monitoring"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/tier"
	"github.com/ocx/vesselgate/internal/trajectory"
	"github.com/ocx/vesselgate/internal/vessel"
)

const testProfiles = `
profiles:
  steward:
    rules:
      - dimension: commercial_consent
        action_types: [commercial_intro]
        severity: critical
`

type testServer struct {
	srv     *httptest.Server
	bus     *events.EventBus
	metrics *monitoring.Metrics
	tracker *trajectory.MemoryTracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ps, err := policy.ParseProfiles([]byte(testProfiles))
	require.NoError(t, err)

	registry, err := vessel.NewRegistry(
		core.Vessel{
			ID:            "vessel-1",
			PolicyProfile: "steward",
			TierConfig:    core.TierConfig{Tier1Enabled: true, Tier1Model: "edge-7b"},
		},
		core.Vessel{ID: "vessel-dark", PolicyProfile: "steward"},
	)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	live := monitoring.NewLiveMonitor()
	bus := events.NewEventBus()
	tracker := trajectory.NewMemoryTracker()

	g := gate.New(policy.NewRuleEvaluator(ps), tracker,
		gate.WithDefaultBudget(200*time.Millisecond),
		gate.WithObserver(gate.Observers{metrics, live, events.NewNotifier(bus)}),
	)

	s := NewServer(Deps{
		Gate:     g,
		Router:   tier.NewDefaultRouter(),
		Tracker:  tracker,
		Vessels:  registry,
		Events:   bus,
		Metrics:  metrics,
		Live:     live,
		Gatherer: reg,
	})
	ts := &testServer{
		srv:     httptest.NewServer(s.Handler()),
		bus:     bus,
		metrics: metrics,
		tracker: tracker,
	}
	t.Cleanup(func() {
		s.streamer.Close()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEvaluate_AllowAndBlock(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID:    "agent-a",
		VesselID:   "vessel-1",
		ActionType: core.ActionToolCall,
		Payload:    json.RawMessage(`{"tool":"search"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision := body["decision"].(map[string]interface{})
	assert.Equal(t, "ALLOW", decision["verdict"])
	assert.Equal(t, "ALLOWED", body["agent_state"])
	assert.Equal(t, core.DigestPayload([]byte(`{"tool":"search"}`)), body["payload_digest"])

	resp, body = ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID:    "agent-b",
		VesselID:   "vessel-1",
		ActionType: core.ActionCommercialIntro,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision = body["decision"].(map[string]interface{})
	assert.Equal(t, "BLOCK", decision["verdict"])
	assert.Equal(t, "BLOCKED", body["agent_state"])

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Decisions.WithLabelValues("BLOCK", "commercial_intro")))
}

func TestEvaluate_RejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", VesselID: "vessel-1", ActionType: "launch_missiles",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", ActionType: core.ActionToolCall,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", VesselID: "vessel-404", ActionType: core.ActionToolCall,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "vessel-404")
	decision := body["decision"].(map[string]interface{})
	assert.Equal(t, "BLOCK", decision["verdict"])

	raw, err := http.Post(ts.srv.URL+"/api/v1/actions/evaluate", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestEvaluate_UnknownVesselCommercialIntroIsAudited(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-c", VesselID: "vessel-404", ActionType: core.ActionCommercialIntro,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	events, err := ts.tracker.GetSecurityEvents(context.Background(), "agent-c")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCommercialIntroBlocked, events[0].EventType)
	assert.Equal(t, core.DimensionUnknownVessel, events[0].Metadata["dimensions"])
}

func TestAcknowledgeAndAuditTrail(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", VesselID: "vessel-1", ActionType: core.ActionCommercialIntro,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := ts.get(t, "/api/v1/agents/agent-a/state")
	assert.Equal(t, "BLOCKED", body["state"])

	resp, body = ts.post(t, "/api/v1/agents/agent-a/ack", map[string]string{"cause": "operator_reviewed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IDLE", body["state"])

	_, body = ts.get(t, "/api/v1/agents/agent-a/transitions")
	transitions := body["transitions"].([]interface{})
	require.Len(t, transitions, 2)
	last := transitions[1].(map[string]interface{})
	assert.Equal(t, "IDLE", last["to_state"])
	assert.Equal(t, "operator_reviewed", last["cause"])

	_, body = ts.get(t, "/api/v1/agents/agent-a/events")
	evts := body["events"].([]interface{})
	require.Len(t, evts, 1)
	assert.Equal(t, string(core.EventCommercialIntroBlocked), evts[0].(map[string]interface{})["event_type"])

	// unknown agents have an empty trail, not null
	_, body = ts.get(t, "/api/v1/agents/nobody/transitions")
	assert.Equal(t, []interface{}{}, body["transitions"])
}

func TestSelectTier(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/v1/tiers/select", SelectTierRequest{
		VesselID: "vessel-1", RequestClass: tier.ClassSimpleQA,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sel := body["selection"].(map[string]interface{})
	assert.Equal(t, "TIER1", sel["tier"])
	assert.Equal(t, "edge-7b", sel["model"])
	assert.Equal(t, true, sel["fallback"])
	assert.Equal(t, "edge", body["locality"])

	resp, body = ts.post(t, "/api/v1/tiers/select", SelectTierRequest{
		VesselID: "vessel-dark", RequestClass: tier.ClassSimpleQA,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "no tier available")
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.NoTierErrors.WithLabelValues(tier.ClassSimpleQA)))

	resp, _ = ts.post(t, "/api/v1/tiers/select", SelectTierRequest{
		VesselID: "vessel-404", RequestClass: tier.ClassSimpleQA,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVesselsStatsHealthMetrics(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.get(t, "/api/v1/vessels")
	assert.Len(t, body["vessels"], 2)

	_, body = ts.get(t, "/health")
	assert.Equal(t, "ok", body["status"])

	ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", VesselID: "vessel-1", ActionType: core.ActionToolCall,
	})
	_, body = ts.get(t, "/api/v1/stats")
	live := body["metrics"].(map[string]interface{})
	assert.Equal(t, 1.0, live["total_decisions"])

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth_ReportsFailingDependency(t *testing.T) {
	s := NewServer(Deps{
		Gate:    gate.New(policy.AllowAll, trajectory.NewMemoryTracker()),
		Router:  tier.NewDefaultRouter(),
		Tracker: trajectory.NewMemoryTracker(),
		Vessels: mustRegistry(t),
		Checks: map[string]HealthCheck{
			"redis":  func(context.Context) error { return nil },
			"pubsub": func(context.Context) error { return errors.New("topic gone") },
		},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connected", body["redis"])
	assert.Equal(t, "error", body["pubsub"])

	// no event source: the stream route is not mounted
	resp, err = http.Get(srv.URL + "/api/v1/events/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func mustRegistry(t *testing.T) *vessel.Registry {
	t.Helper()
	r, err := vessel.NewRegistry(core.Vessel{ID: "vessel-1", PolicyProfile: "steward"})
	require.NoError(t, err)
	return r
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/v1/events/stream?types=" + events.TypeGateDecided
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	ts.post(t, "/api/v1/actions/evaluate", EvaluateRequest{
		AgentID: "agent-a", VesselID: "vessel-1", ActionType: core.ActionToolCall,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.CloudEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeGateDecided, ev.Type)
	assert.Equal(t, "agent-a", ev.Subject)
	assert.Equal(t, "ALLOW", ev.Data["verdict"])
}
