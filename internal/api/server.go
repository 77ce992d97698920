// Package api exposes the gate, the tier router and the audit trail over
// HTTP/JSON, plus a websocket stream of gate events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/events"
	"github.com/ocx/vesselgate/internal/monitoring"
	"github.com/ocx/vesselgate/internal/tier"
	"github.com/ocx/vesselgate/internal/trajectory"
)

// Gate is the part of gate.Gate the API drives.
type Gate interface {
	Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel, budget time.Duration) core.GateDecision
	Refuse(ctx context.Context, req core.ActionRequest, vessel core.Vessel, dimension string, reason error) core.GateDecision
	Acknowledge(ctx context.Context, agentID, cause string) error
	State(agentID string) core.AgentState
}

// Vessels resolves and lists provisioned vessels.
type Vessels interface {
	Get(id string) (core.Vessel, error)
	List() []core.Vessel
}

// EventSource hands out event subscriptions for the websocket stream.
type EventSource interface {
	Subscribe(eventTypes ...string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// Budgets returns the latency budget for a vessel.
type Budgets interface {
	LatencyBudget(vesselID string) time.Duration
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the server is built from. Metrics, Live,
// Events, Budgets and Checks are optional.
type Deps struct {
	Gate     Gate
	Router   *tier.Router
	Tracker  trajectory.Tracker
	Vessels  Vessels
	Events   EventSource
	Metrics  *monitoring.Metrics
	Live     *monitoring.LiveMonitor
	Budgets  Budgets
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
}

type Server struct {
	deps     Deps
	streamer *Streamer
	logger   *log.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if deps.Events != nil {
		s.streamer = NewStreamer(deps.Events)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	api := r.PathPrefix("/api/v1").Subrouter()

	// Gate
	api.HandleFunc("/actions/evaluate", s.handleEvaluate).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/agents/{agent_id}/ack", s.handleAcknowledge).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/agents/{agent_id}/state", s.handleState).Methods(http.MethodGet)

	// Audit trail
	api.HandleFunc("/agents/{agent_id}/transitions", s.handleTransitions).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agent_id}/events", s.handleSecurityEvents).Methods(http.MethodGet)

	// Routing
	api.HandleFunc("/tiers/select", s.handleSelectTier).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/vessels", s.handleVessels).Methods(http.MethodGet)

	// Monitoring
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if s.streamer != nil {
		api.HandleFunc("/events/stream", s.streamer.HandleWebSocket)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Gate API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.streamer != nil {
		s.streamer.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Printf("Gate API stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
