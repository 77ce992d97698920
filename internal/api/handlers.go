package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/vesselgate/internal/core"
)

// EvaluateRequest is the body of POST /api/v1/actions/evaluate.
type EvaluateRequest struct {
	AgentID    string          `json:"agent_id"`
	VesselID   string          `json:"vessel_id"`
	ActionType core.ActionType `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	BudgetMs   int             `json:"budget_ms,omitempty"`
}

// EvaluateResponse wraps the decision with the digest the audit trail stores.
type EvaluateResponse struct {
	Decision      core.GateDecision `json:"decision"`
	PayloadDigest string            `json:"payload_digest"`
	AgentState    core.AgentState   `json:"agent_state"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.AgentID == "" || req.VesselID == "" {
		writeError(w, http.StatusBadRequest, "agent_id and vessel_id are required")
		return
	}
	if !req.ActionType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action_type "+string(req.ActionType))
		return
	}
	action := core.NewActionRequest(req.AgentID, req.VesselID, req.ActionType, req.Payload)

	vessel, err := s.deps.Vessels.Get(req.VesselID)
	if err != nil {
		decision := s.deps.Gate.Refuse(r.Context(), action, core.Vessel{ID: req.VesselID}, core.DimensionUnknownVessel, err)
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":       err.Error(),
			"decision":    decision,
			"agent_state": s.deps.Gate.State(req.AgentID),
		})
		return
	}

	budget := time.Duration(req.BudgetMs) * time.Millisecond
	if budget <= 0 && s.deps.Budgets != nil {
		budget = s.deps.Budgets.LatencyBudget(req.VesselID)
	}

	decision := s.deps.Gate.Evaluate(r.Context(), action, vessel, budget)

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Decision:      decision,
		PayloadDigest: action.PayloadDigest,
		AgentState:    s.deps.Gate.State(req.AgentID),
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	var body struct {
		Cause string `json:"cause"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if body.Cause == "" {
		body.Cause = "acknowledged"
	}

	if err := s.deps.Gate.Acknowledge(r.Context(), agentID, body.Cause); err != nil {
		// The state already moved; only the audit write failed.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"agent_id": agentID,
			"state":    string(s.deps.Gate.State(agentID)),
			"warning":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"state":    string(s.deps.Gate.State(agentID)),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"state":    string(s.deps.Gate.State(agentID)),
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	transitions, err := s.deps.Tracker.GetStateTransitions(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if transitions == nil {
		transitions = []core.StateTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":    agentID,
		"transitions": transitions,
	})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	evts, err := s.deps.Tracker.GetSecurityEvents(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if evts == nil {
		evts = []core.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"events":   evts,
	})
}

// SelectTierRequest is the body of POST /api/v1/tiers/select.
type SelectTierRequest struct {
	VesselID     string `json:"vessel_id"`
	RequestClass string `json:"request_class"`
}

func (s *Server) handleSelectTier(w http.ResponseWriter, r *http.Request) {
	var req SelectTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	vessel, err := s.deps.Vessels.Get(req.VesselID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	sel, err := s.deps.Router.Route(req.RequestClass, vessel)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordNoTier(req.RequestClass)
		}
		if errors.Is(err, core.ErrNoTierAvailable) {
			// Configuration error on the vessel; never substitute a tier.
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTier(sel.Class, sel.Tier, sel.Fallback)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vessel_id": vessel.ID,
		"selection": sel,
		"locality":  sel.Tier.Locality(),
	})
}

func (s *Server) handleVessels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vessels": s.deps.Vessels.List(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		writeError(w, http.StatusNotFound, "live monitoring disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.deps.Live.GetLiveMetrics(),
		"alerts":  s.deps.Live.GetActiveAlerts(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]string{"status": "ok"}
	status := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Printf("health check %s failed: %v", name, err)
			resp[name] = "error"
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "connected"
	}
	writeJSON(w, status, resp)
}
