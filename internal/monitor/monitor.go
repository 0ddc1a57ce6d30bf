// Package monitor tracks per-agent resource consumption over time and turns
// it into actionable signals: cross-agent variance, context overflow
// prediction, runaway-acceleration and stagnation alerts, and a token budget
// control loop. All state is in-memory; agents report concurrently and
// bookkeeping for one agent never blocks another.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarmgate/internal/config"
)

// =============================================================================
// SAMPLE TYPES
// =============================================================================

// TokenHistoryEntry is one token-usage sample for an agent.
type TokenHistoryEntry struct {
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextPercentageEntry is one sample of global context window usage.
type ContextPercentageEntry struct {
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenVariance summarizes the spread of the latest token sample across all
// tracked agents.
type TokenVariance struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"std_dev"`
	Max      int     `json:"max"`
	Min      int     `json:"min"`
	Range    int     `json:"range"`
}

// PredictedOverflow is a linear extrapolation of context usage toward the
// configured threshold.
type PredictedOverflow struct {
	CurrentPercentage      float64   `json:"current_percentage"`
	EstimatedTokens        int       `json:"estimated_tokens"`
	RatePerMinute          float64   `json:"rate_per_minute"`
	TimeToThreshold        float64   `json:"time_to_threshold_seconds"`
	TimeToThresholdMinutes float64   `json:"time_to_threshold_minutes"`
	PredictedOverflowTime  time.Time `json:"predicted_overflow_time"`
}

// Alert types emitted by the monitor.
const (
	AlertHighTokenVariance = "high_token_variance"
	AlertTokenAcceleration = "token_acceleration"
	AlertAgentStagnation   = "agent_stagnation"
)

// Alert is an advisory signal for the orchestration boundary. The message is
// human-readable; Extra carries the underlying numbers.
type Alert struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"alert_type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// MetricsSummary is a point-in-time snapshot of everything the monitor knows.
type MetricsSummary struct {
	Timestamp                time.Time          `json:"timestamp"`
	TokenUsage               *TokenVariance     `json:"token_usage,omitempty"`
	LoopDetectionRates       map[string]int     `json:"loop_detection_rates"`
	InterventionSuccessRates map[string]float64 `json:"intervention_success_rates"`
	ContextPercentage        float64            `json:"context_percentage"`
	CompactionsLastHour      int                `json:"compactions_last_hour"`
}

type interventionEvent struct {
	success   bool
	timestamp time.Time
}

type failureEvent struct {
	errorType string
	timestamp time.Time
}

// =============================================================================
// MONITOR
// =============================================================================

// agentTokens is one agent's token time series plus its derived rate.
// Each agent carries its own lock so reporting agents do not contend.
type agentTokens struct {
	mu      sync.Mutex
	history []TokenHistoryEntry
	rate    float64
}

// Monitor aggregates per-agent token samples and global context samples into
// rolling statistics and alerts.
type Monitor struct {
	cfg              config.MonitorConfig
	stagnationWindow time.Duration
	logger           *zap.Logger

	tokensMu sync.RWMutex
	tokens   map[string]*agentTokens

	contextMu      sync.Mutex
	contextHistory []ContextPercentageEntry

	eventsMu         sync.Mutex
	loopDetections   map[string][]time.Time
	interventions    map[string][]interventionEvent
	scopeAdjustments map[string][]time.Time
	compactions      []time.Time
	failures         map[string][]failureEvent
}

// NewMonitor creates a monitor with the given thresholds. A nil logger
// discards logs.
func NewMonitor(cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:              cfg,
		stagnationWindow: cfg.GetStagnationWindow(),
		logger:           logger,
		tokens:           make(map[string]*agentTokens),
		loopDetections:   make(map[string][]time.Time),
		interventions:    make(map[string][]interventionEvent),
		scopeAdjustments: make(map[string][]time.Time),
		failures:         make(map[string][]failureEvent),
	}
}

func (m *Monitor) agent(agentID string) *agentTokens {
	m.tokensMu.RLock()
	at, ok := m.tokens[agentID]
	m.tokensMu.RUnlock()
	if ok {
		return at
	}

	m.tokensMu.Lock()
	defer m.tokensMu.Unlock()
	if at, ok = m.tokens[agentID]; !ok {
		at = &agentTokens{}
		m.tokens[agentID] = at
	}
	return at
}

// =============================================================================
// INGESTION
// =============================================================================

// RecordTokenUsage records a token sample for an agent at the current time.
func (m *Monitor) RecordTokenUsage(agentID string, tokens int) {
	m.RecordTokenUsageAt(agentID, tokens, time.Now())
}

// RecordTokenUsageAt records a token sample with an explicit timestamp and
// recomputes the agent's token rate over its last samples.
func (m *Monitor) RecordTokenUsageAt(agentID string, tokens int, ts time.Time) {
	at := m.agent(agentID)
	at.mu.Lock()
	defer at.mu.Unlock()

	at.history = append(at.history, TokenHistoryEntry{Tokens: tokens, Timestamp: ts})
	if len(at.history) > m.cfg.TokenHistoryCap {
		at.history = at.history[len(at.history)-m.cfg.TokenHistoryCap:]
	}

	// Rate of change over the last samples, used by the orchestration
	// boundary and the acceleration analysis.
	recent := at.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	if len(recent) >= 2 {
		first, last := recent[0], recent[len(recent)-1]
		span := last.Timestamp.Sub(first.Timestamp).Seconds()
		if span > 0 {
			at.rate = float64(last.Tokens-first.Tokens) / span
		}
	}
}

// RecordContextPercentage records a global context usage sample at the
// current time.
func (m *Monitor) RecordContextPercentage(percentage float64) {
	m.RecordContextPercentageAt(percentage, time.Now())
}

// RecordContextPercentageAt records a context sample with an explicit
// timestamp.
func (m *Monitor) RecordContextPercentageAt(percentage float64, ts time.Time) {
	m.contextMu.Lock()
	defer m.contextMu.Unlock()

	m.contextHistory = append(m.contextHistory, ContextPercentageEntry{Percentage: percentage, Timestamp: ts})
	if len(m.contextHistory) > m.cfg.ContextHistoryCap {
		m.contextHistory = m.contextHistory[len(m.contextHistory)-m.cfg.ContextHistoryCap:]
	}
}

// RecordLoopDetection records that a loop fired for an agent.
func (m *Monitor) RecordLoopDetection(agentID string) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.loopDetections[agentID] = append(m.loopDetections[agentID], time.Now())
}

// RecordIntervention records an intervention attempt and whether it worked.
func (m *Monitor) RecordIntervention(agentID string, success bool) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.interventions[agentID] = append(m.interventions[agentID], interventionEvent{success: success, timestamp: time.Now()})
}

// RecordScopeAdjustment records that an agent's scope was adjusted.
func (m *Monitor) RecordScopeAdjustment(agentID string) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.scopeAdjustments[agentID] = append(m.scopeAdjustments[agentID], time.Now())
}

// RecordCompaction records that a context compaction happened.
func (m *Monitor) RecordCompaction() {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.compactions = append(m.compactions, time.Now())
}

// RecordAgentFailure records an agent failure with its error type.
func (m *Monitor) RecordAgentFailure(agentID, errorType string) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.failures[agentID] = append(m.failures[agentID], failureEvent{errorType: errorType, timestamp: time.Now()})

	m.logger.Warn("agent failure recorded",
		zap.String("agent_id", agentID),
		zap.String("error_type", errorType))
}

// TokenRate returns the agent's last computed token rate in tokens/second.
func (m *Monitor) TokenRate(agentID string) float64 {
	m.tokensMu.RLock()
	at, ok := m.tokens[agentID]
	m.tokensMu.RUnlock()
	if !ok {
		return 0
	}
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.rate
}

// Forget removes every record the monitor holds for an agent. Used when the
// orchestration boundary prunes an agent.
func (m *Monitor) Forget(agentID string) {
	m.tokensMu.Lock()
	delete(m.tokens, agentID)
	m.tokensMu.Unlock()

	m.eventsMu.Lock()
	delete(m.loopDetections, agentID)
	delete(m.interventions, agentID)
	delete(m.scopeAdjustments, agentID)
	delete(m.failures, agentID)
	m.eventsMu.Unlock()
}

// =============================================================================
// STATISTICS
// =============================================================================

// latestTokens snapshots each agent's most recent sample count, sorted by
// agent ID for deterministic alert attribution.
func (m *Monitor) latestTokens() []struct {
	agentID string
	tokens  int
} {
	m.tokensMu.RLock()
	defer m.tokensMu.RUnlock()

	out := make([]struct {
		agentID string
		tokens  int
	}, 0, len(m.tokens))
	for id, at := range m.tokens {
		at.mu.Lock()
		if n := len(at.history); n > 0 {
			out = append(out, struct {
				agentID string
				tokens  int
			}{id, at.history[n-1].Tokens})
		}
		at.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agentID < out[j].agentID })
	return out
}

// GetTokenVariance computes the spread of the latest token sample across all
// tracked agents. Returns nil when fewer than two agents have reported,
// since variance across one point is meaningless.
func (m *Monitor) GetTokenVariance() *TokenVariance {
	current := m.latestTokens()
	if len(current) < 2 {
		return nil
	}

	var sum float64
	for _, c := range current {
		sum += float64(c.tokens)
	}
	mean := sum / float64(len(current))

	var variance float64
	maxTokens, minTokens := current[0].tokens, current[0].tokens
	for _, c := range current {
		diff := float64(c.tokens) - mean
		variance += diff * diff
		if c.tokens > maxTokens {
			maxTokens = c.tokens
		}
		if c.tokens < minTokens {
			minTokens = c.tokens
		}
	}
	variance /= float64(len(current))

	return &TokenVariance{
		Mean:     mean,
		Variance: variance,
		StdDev:   math.Sqrt(variance),
		Max:      maxTokens,
		Min:      minTokens,
		Range:    maxTokens - minTokens,
	}
}

// PredictContextOverflow extrapolates recent context usage linearly toward
// the configured threshold. Returns nil unless there are at least 5 samples
// and the trend is rising.
func (m *Monitor) PredictContextOverflow() *PredictedOverflow {
	m.contextMu.Lock()
	history := make([]ContextPercentageEntry, len(m.contextHistory))
	copy(history, m.contextHistory)
	m.contextMu.Unlock()

	if len(history) < 5 {
		return nil
	}

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	first, last := recent[0], recent[len(recent)-1]
	span := last.Timestamp.Sub(first.Timestamp).Seconds()
	if span <= 0 {
		return nil
	}

	rate := (last.Percentage - first.Percentage) / span
	if rate <= 0 {
		return nil
	}

	current := last.Percentage
	toThreshold := (m.cfg.ContextThreshold - current) / rate
	if toThreshold <= 0 {
		return nil
	}

	return &PredictedOverflow{
		CurrentPercentage:      current,
		EstimatedTokens:        int(math.Round(current / 100.0 * float64(m.cfg.TotalContext))),
		RatePerMinute:          rate * 60.0,
		TimeToThreshold:        toThreshold,
		TimeToThresholdMinutes: toThreshold / 60.0,
		PredictedOverflowTime:  last.Timestamp.Add(time.Duration(toThreshold * float64(time.Second))),
	}
}

// =============================================================================
// ALERTING
// =============================================================================

// CheckTokenVarianceAlert fires when any agent's latest sample deviates from
// the cross-agent mean by more than the configured number of standard
// deviations.
func (m *Monitor) CheckTokenVarianceAlert() *Alert {
	variance := m.GetTokenVariance()
	if variance == nil || variance.StdDev == 0 {
		return nil
	}

	for _, c := range m.latestTokens() {
		deviations := math.Abs(float64(c.tokens)-variance.Mean) / variance.StdDev
		if deviations <= m.cfg.VarianceThreshold {
			continue
		}
		return &Alert{
			ID:      uuid.NewString(),
			Type:    AlertHighTokenVariance,
			AgentID: c.agentID,
			Message: fmt.Sprintf("Unusual token variance detected for agent %s: %d tokens vs mean %.1f (%.1f std devs)",
				c.agentID, c.tokens, variance.Mean, deviations),
			Timestamp: time.Now().UTC(),
			Extra: map[string]interface{}{
				"current_tokens":       c.tokens,
				"mean_tokens":          variance.Mean,
				"std_dev":              variance.StdDev,
				"deviations_from_mean": deviations,
			},
		}
	}
	return nil
}

// CheckAccelerationAlert fires when an agent's token usage is accelerating.
// This is a second-derivative signal over the agent's last 5 samples, meant
// to catch runaway consumption even without repeated prompts.
func (m *Monitor) CheckAccelerationAlert() *Alert {
	m.tokensMu.RLock()
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	m.tokensMu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.tokensMu.RLock()
		at := m.tokens[id]
		m.tokensMu.RUnlock()

		at.mu.Lock()
		if len(at.history) < 5 {
			at.mu.Unlock()
			continue
		}
		recent := make([]TokenHistoryEntry, 5)
		copy(recent, at.history[len(at.history)-5:])
		at.mu.Unlock()

		var velocities []float64
		var velocityTimes []time.Time
		for i := 1; i < len(recent); i++ {
			dt := recent[i].Timestamp.Sub(recent[i-1].Timestamp).Seconds()
			if dt > 0 {
				velocities = append(velocities, float64(recent[i].Tokens-recent[i-1].Tokens)/dt)
				velocityTimes = append(velocityTimes, recent[i].Timestamp)
			}
		}
		if len(velocities) < 2 {
			continue
		}

		var accelerations []float64
		for i := 1; i < len(velocities); i++ {
			dt := velocityTimes[i].Sub(velocityTimes[i-1]).Seconds()
			if dt > 0 {
				accelerations = append(accelerations, (velocities[i]-velocities[i-1])/dt)
			}
		}
		if len(accelerations) == 0 {
			continue
		}

		var sum float64
		for _, a := range accelerations {
			sum += a
		}
		avg := sum / float64(len(accelerations))
		if math.Abs(avg) <= m.cfg.AccelerationThreshold {
			continue
		}

		return &Alert{
			ID:      uuid.NewString(),
			Type:    AlertTokenAcceleration,
			AgentID: id,
			Message: fmt.Sprintf("Token usage accelerating for agent %s: acceleration %.1f tokens/s^2 indicates potential loop",
				id, avg),
			Timestamp: time.Now().UTC(),
			Extra: map[string]interface{}{
				"acceleration":   avg,
				"current_tokens": recent[len(recent)-1].Tokens,
			},
		}
	}
	return nil
}

// CheckStagnationAlert fires when an agent's last two samples span more than
// the stagnation window with almost no token change, the complementary
// signal to acceleration: no progress at all.
func (m *Monitor) CheckStagnationAlert() *Alert {
	m.tokensMu.RLock()
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	m.tokensMu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.tokensMu.RLock()
		at := m.tokens[id]
		m.tokensMu.RUnlock()

		at.mu.Lock()
		n := len(at.history)
		if n < 2 {
			at.mu.Unlock()
			continue
		}
		prev, last := at.history[n-2], at.history[n-1]
		at.mu.Unlock()

		timeDiff := last.Timestamp.Sub(prev.Timestamp)
		tokenDiff := math.Abs(float64(last.Tokens - prev.Tokens))

		if timeDiff <= m.stagnationWindow || tokenDiff >= float64(m.cfg.StagnationTokenDelta) {
			continue
		}

		return &Alert{
			ID:      uuid.NewString(),
			Type:    AlertAgentStagnation,
			AgentID: id,
			Message: fmt.Sprintf("Agent %s stagnant for %.0fs with only %.0f token change - suggest guidance",
				id, timeDiff.Seconds(), tokenDiff),
			Timestamp: time.Now().UTC(),
			Extra: map[string]interface{}{
				"time_stagnant": timeDiff.Seconds(),
				"token_change":  tokenDiff,
			},
		}
	}
	return nil
}

// GetAllAlerts runs every alert check and returns the alerts that fired.
func (m *Monitor) GetAllAlerts() []Alert {
	var alerts []Alert
	if a := m.CheckTokenVarianceAlert(); a != nil {
		alerts = append(alerts, *a)
	}
	if a := m.CheckAccelerationAlert(); a != nil {
		alerts = append(alerts, *a)
	}
	if a := m.CheckStagnationAlert(); a != nil {
		alerts = append(alerts, *a)
	}
	return alerts
}

// =============================================================================
// SUMMARY
// =============================================================================

// GetMetricsSummary snapshots current statistics for status reporting.
func (m *Monitor) GetMetricsSummary() MetricsSummary {
	now := time.Now()

	m.contextMu.Lock()
	var currentContext float64
	if n := len(m.contextHistory); n > 0 {
		currentContext = m.contextHistory[n-1].Percentage
	}
	m.contextMu.Unlock()

	m.eventsMu.Lock()
	loopRates := make(map[string]int, len(m.loopDetections))
	for id, events := range m.loopDetections {
		count := 0
		for _, ts := range events {
			if now.Sub(ts) < time.Hour {
				count++
			}
		}
		loopRates[id] = count
	}

	successRates := make(map[string]float64, len(m.interventions))
	for id, events := range m.interventions {
		if len(events) == 0 {
			continue
		}
		successful := 0
		for _, e := range events {
			if e.success {
				successful++
			}
		}
		successRates[id] = float64(successful) / float64(len(events)) * 100.0
	}

	compactions := 0
	for _, ts := range m.compactions {
		if now.Sub(ts) < time.Hour {
			compactions++
		}
	}
	m.eventsMu.Unlock()

	return MetricsSummary{
		Timestamp:                now.UTC(),
		TokenUsage:               m.GetTokenVariance(),
		LoopDetectionRates:       loopRates,
		InterventionSuccessRates: successRates,
		ContextPercentage:        currentContext,
		CompactionsLastHour:      compactions,
	}
}
