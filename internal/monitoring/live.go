package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/vesselgate/internal/core"
)

// ============================================================================
// LIVE GATE MONITORING
// ============================================================================

// LiveMetrics is the in-process view of gate health served by the API.
type LiveMetrics struct {
	TotalDecisions       int64 `json:"total_decisions"`
	Allowed              int64 `json:"allowed"`
	Blocked              int64 `json:"blocked"`
	Deferred             int64 `json:"deferred"`
	BudgetExceeded       int64 `json:"budget_exceeded"`
	EvaluatorFailures    int64 `json:"evaluator_failures"`
	TrackerWriteFailures int64 `json:"tracker_write_failures"`

	// Over the last latencyWindow decisions, milliseconds.
	AverageLatencyMs float64 `json:"average_latency_ms"`
	LatencyP50Ms     float64 `json:"latency_p50_ms"`
	LatencyP95Ms     float64 `json:"latency_p95_ms"`
	LatencyP99Ms     float64 `json:"latency_p99_ms"`

	BudgetExceededRate float64   `json:"budget_exceeded_rate"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Alert represents a triggered alert
type Alert struct {
	AlertID     string    `json:"alert_id"`
	RuleID      string    `json:"rule_id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// AlertRule fires when Condition holds, at most once per Cooldown.
type AlertRule struct {
	RuleID    string
	Name      string
	Severity  string
	Cooldown  time.Duration
	Condition func(LiveMetrics) bool

	lastTriggered time.Time
}

const (
	latencyWindow = 1024
	maxAlerts     = 256
)

// LiveMonitor aggregates gate outcomes. It implements gate.Observer.
type LiveMonitor struct {
	mu sync.RWMutex

	metrics   LiveMetrics
	latencies []float64 // ring buffer, ms
	next      int

	alerts     []Alert
	alertRules []*AlertRule
	now        func() time.Time
}

func NewLiveMonitor() *LiveMonitor {
	return &LiveMonitor{
		latencies: make([]float64, 0, latencyWindow),
		now:       time.Now,
	}
}

// DefaultAlertRules flags sustained budget overruns and audit write failures.
func DefaultAlertRules() []*AlertRule {
	return []*AlertRule{
		{
			RuleID:   "budget_exceeded_rate",
			Name:     "Gate latency budget exceeded on more than 5% of decisions",
			Severity: "high",
			Cooldown: 5 * time.Minute,
			Condition: func(m LiveMetrics) bool {
				return m.TotalDecisions >= 20 && m.BudgetExceededRate > 0.05
			},
		},
		{
			RuleID:   "tracker_write_failures",
			Name:     "Audit trail writes failing",
			Severity: "critical",
			Cooldown: time.Minute,
			Condition: func(m LiveMetrics) bool {
				return m.TrackerWriteFailures > 0
			},
		},
	}
}

// AddAlertRule adds a new alert rule
func (lm *LiveMonitor) AddAlertRule(rule *AlertRule) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.alertRules = append(lm.alertRules, rule)
}

// ============================================================================
// OBSERVER
// ============================================================================

func (lm *LiveMonitor) Decided(d core.GateDecision) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.metrics.TotalDecisions++
	switch d.Verdict {
	case core.VerdictAllow:
		lm.metrics.Allowed++
	case core.VerdictDefer:
		lm.metrics.Deferred++
	default:
		lm.metrics.Blocked++
	}
	lm.recordLatencyUnsafe(float64(d.EvaluatedLatency) / float64(time.Millisecond))
	lm.metrics.BudgetExceededRate = float64(lm.metrics.BudgetExceeded) / float64(lm.metrics.TotalDecisions)
	lm.metrics.LastUpdated = lm.now()
	lm.checkAlertRulesUnsafe()
}

// BudgetExceeded is reported before Decided for the same decision.
func (lm *LiveMonitor) BudgetExceeded(core.GateDecision) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.metrics.BudgetExceeded++
}

func (lm *LiveMonitor) EvaluatorFailed(core.GateDecision, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.metrics.EvaluatorFailures++
}

func (lm *LiveMonitor) TrackerWriteFailed(string, string, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.metrics.TrackerWriteFailures++
	lm.metrics.LastUpdated = lm.now()
	lm.checkAlertRulesUnsafe()
}

// ============================================================================
// METRICS RETRIEVAL
// ============================================================================

// GetLiveMetrics returns a copy of the current metrics.
func (lm *LiveMonitor) GetLiveMetrics() LiveMetrics {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.metrics
}

// GetActiveAlerts returns triggered alerts, newest first.
func (lm *LiveMonitor) GetActiveAlerts() []Alert {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]Alert, len(lm.alerts))
	for i, a := range lm.alerts {
		out[len(lm.alerts)-1-i] = a
	}
	return out
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

func (lm *LiveMonitor) recordLatencyUnsafe(ms float64) {
	if len(lm.latencies) < latencyWindow {
		lm.latencies = append(lm.latencies, ms)
	} else {
		lm.latencies[lm.next] = ms
		lm.next = (lm.next + 1) % latencyWindow
	}

	sorted := append([]float64(nil), lm.latencies...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	lm.metrics.AverageLatencyMs = sum / float64(len(sorted))
	lm.metrics.LatencyP50Ms = percentile(sorted, 0.50)
	lm.metrics.LatencyP95Ms = percentile(sorted, 0.95)
	lm.metrics.LatencyP99Ms = percentile(sorted, 0.99)
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// checkAlertRulesUnsafe checks all alert rules (must be called with lock)
func (lm *LiveMonitor) checkAlertRulesUnsafe() {
	now := lm.now()
	for _, rule := range lm.alertRules {
		if rule.Condition == nil {
			continue
		}
		if !rule.lastTriggered.IsZero() && now.Sub(rule.lastTriggered) < rule.Cooldown {
			continue
		}
		if !rule.Condition(lm.metrics) {
			continue
		}

		lm.alerts = append(lm.alerts, Alert{
			AlertID:     "alert_" + uuid.NewString(),
			RuleID:      rule.RuleID,
			Severity:    rule.Severity,
			Title:       rule.Name,
			Message:     "Alert condition met: " + rule.Name,
			TriggeredAt: now,
		})
		if len(lm.alerts) > maxAlerts {
			lm.alerts = lm.alerts[len(lm.alerts)-maxAlerts:]
		}
		rule.lastTriggered = now
	}
}
