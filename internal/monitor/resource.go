package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmgate/internal/config"
)

// =============================================================================
// BUDGET TYPES
// =============================================================================

// TurnStats captures what one agent turn cost and produced.
type TurnStats struct {
	TurnNumber     int     `json:"turn_number"`
	Contribution   float64 `json:"contribution"`
	TokensUsed     int     `json:"tokens_used"`
	TasksCompleted int     `json:"tasks_completed"`
}

// SwarmBudget is the current token budget split across the swarm.
type SwarmBudget struct {
	TotalBudget   int            `json:"total_budget"`
	Allocated     map[string]int `json:"allocated"`
	SafetyReserve int            `json:"safety_reserve"`
	MinPerAgent   int            `json:"min_per_agent"`
}

// BudgetAllocation is the outcome of one reallocation pass. Adjustments are
// human-readable audit strings, not machine-actioned by this component.
type BudgetAllocation struct {
	Timestamp     time.Time `json:"timestamp"`
	PerAgent      int       `json:"per_agent"`
	Adjustments   []string  `json:"adjustments"`
	SafetyReserve int       `json:"safety_reserve"`
}

// =============================================================================
// RESOURCE MANAGER
// =============================================================================

// ResourceManager runs the budget control loop: it tracks per-turn usage and
// contribution, detects contribution imbalance, reallocates the token budget,
// and advises on pruning candidates.
type ResourceManager struct {
	cfg    config.BudgetConfig
	logger *zap.Logger

	mu          sync.RWMutex
	usage       map[string][]TurnStats
	turnCounter int
	budget      SwarmBudget
}

// Option configures a ResourceManager.
type Option func(*ResourceManager)

// WithAutoReduce makes reallocation shrink low contributors' budgets by the
// given percentage instead of only flagging them.
func WithAutoReduce(reductionPercent float64) Option {
	return func(r *ResourceManager) {
		r.cfg.AutoReduceLowContrib = true
		r.cfg.ReductionPercent = reductionPercent
	}
}

// NewResourceManager creates a resource manager with the full budget
// unallocated. A nil logger discards logs.
func NewResourceManager(cfg config.BudgetConfig, logger *zap.Logger, opts ...Option) *ResourceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ResourceManager{
		cfg:    cfg,
		logger: logger,
		usage:  make(map[string][]TurnStats),
		budget: SwarmBudget{
			TotalBudget:   cfg.Total,
			Allocated:     make(map[string]int),
			SafetyReserve: int(math.Round(float64(cfg.Total) * cfg.SafetyReservePercent)),
			MinPerAgent:   cfg.MinPerAgent,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TrackUsage appends one turn's stats for an agent, evicting the oldest turn
// past the cap.
func (r *ResourceManager) TrackUsage(agentID string, tokensUsed int, contribution float64, tasksCompleted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	turns := append(r.usage[agentID], TurnStats{
		TurnNumber:     r.turnCounter,
		Contribution:   contribution,
		TokensUsed:     tokensUsed,
		TasksCompleted: tasksCompleted,
	})
	if len(turns) > r.cfg.TurnHistoryCap {
		turns = turns[len(turns)-r.cfg.TurnHistoryCap:]
	}
	r.usage[agentID] = turns
	r.turnCounter++
}

// CheckImbalance reports whether the spread of the latest contribution score
// across agents is too wide: coefficient of variation (std dev over mean)
// above the configured threshold. This is the trigger an orchestrator polls
// before deciding to reallocate.
func (r *ResourceManager) CheckImbalance() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var contributions []float64
	for _, turns := range r.usage {
		if len(turns) > 0 {
			contributions = append(contributions, turns[len(turns)-1].Contribution)
		}
	}
	if len(contributions) < 2 {
		return false
	}

	var sum float64
	for _, c := range contributions {
		sum += c
	}
	mean := sum / float64(len(contributions))
	if mean <= 0 {
		return false
	}

	var variance float64
	for _, c := range contributions {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(contributions))

	return math.Sqrt(variance)/mean > r.cfg.ImbalanceThreshold
}

// ReallocateBudget reserves the safety margin, splits the remainder evenly
// across tracked agents, then adjusts or flags low contributors. The swarm
// budget is replaced wholesale with the new allocation.
func (r *ResourceManager) ReallocateBudget(total int) BudgetAllocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	safetyReserve := int(math.Round(float64(total) * r.cfg.SafetyReservePercent))
	available := total - safetyReserve

	type agentContribution struct {
		id   string
		mean float64
	}
	agents := make([]agentContribution, 0, len(r.usage))
	for id, turns := range r.usage {
		mean := 0.5
		if len(turns) > 0 {
			var sum float64
			for _, t := range turns {
				sum += t.Contribution
			}
			mean = sum / float64(len(turns))
		}
		agents = append(agents, agentContribution{id: id, mean: mean})
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].mean != agents[j].mean {
			return agents[i].mean > agents[j].mean
		}
		return agents[i].id < agents[j].id
	})

	perAgent := available / 2
	if len(agents) > 0 {
		perAgent = available / len(agents)
	}

	reducedPerAgent := int(float64(perAgent) * (1.0 - r.cfg.ReductionPercent/100.0))
	if reducedPerAgent < r.cfg.MinPerAgent {
		reducedPerAgent = r.cfg.MinPerAgent
	}

	var adjustments []string
	if len(agents) > 0 && perAgent < r.cfg.MinPerAgent {
		adjustments = append(adjustments, fmt.Sprintf(
			"Budget below min-per-agent floor: per_agent %d < %d for %d agents",
			perAgent, r.cfg.MinPerAgent, len(agents)))
		r.logger.Warn("budget below min-per-agent floor",
			zap.Int("per_agent", perAgent),
			zap.Int("min_per_agent", r.cfg.MinPerAgent),
			zap.Int("agents", len(agents)))
	}

	allocated := make(map[string]int, len(agents))
	for _, a := range agents {
		allocated[a.id] = perAgent

		switch {
		case a.mean < r.cfg.PruningContributionThreshold:
			if r.cfg.AutoReduceLowContrib {
				allocated[a.id] = reducedPerAgent
				adjustments = append(adjustments, fmt.Sprintf(
					"Reduced budget: Agent %s (contribution: %.2f, reduced by %.0f%%)",
					a.id, a.mean, r.cfg.ReductionPercent))
			} else {
				adjustments = append(adjustments, fmt.Sprintf(
					"Potential prune: Agent %s (contribution: %.2f, low usage)",
					a.id, a.mean))
			}
		case a.mean > 0.7:
			adjustments = append(adjustments, fmt.Sprintf(
				"High contributor: Agent %s (contribution: %.2f)",
				a.id, a.mean))
		}
	}

	r.budget = SwarmBudget{
		TotalBudget:   total,
		Allocated:     allocated,
		SafetyReserve: safetyReserve,
		MinPerAgent:   r.cfg.MinPerAgent,
	}

	r.logger.Info("budget reallocated",
		zap.Int("total", total),
		zap.Int("per_agent", perAgent),
		zap.Int("safety_reserve", safetyReserve),
		zap.Int("agents", len(agents)))

	return BudgetAllocation{
		Timestamp:     time.Now().UTC(),
		PerAgent:      perAgent,
		Adjustments:   adjustments,
		SafetyReserve: safetyReserve,
	}
}

// CheckPruningCandidate advises whether an agent should be considered for
// removal. Requires at least 5 recorded turns and fires only when the agent
// is simultaneously low value (mean contribution below the pruning
// threshold) and low cost (mean usage under a fifth of the total budget), so
// cheap-but-useful agents are not penalized.
func (r *ResourceManager) CheckPruningCandidate(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	turns := r.usage[agentID]
	if len(turns) < 5 {
		return "", false
	}
	recent := turns[len(turns)-5:]

	var contribution, usage float64
	for _, t := range recent {
		contribution += t.Contribution
		usage += float64(t.TokensUsed)
	}
	contribution /= 5.0
	usage /= 5.0

	if contribution >= r.cfg.PruningContributionThreshold {
		return "", false
	}

	usageRate := 0.0
	if r.budget.TotalBudget > 0 {
		usageRate = usage / float64(r.budget.TotalBudget)
	}
	if usageRate >= 0.2 {
		return "", false
	}

	return fmt.Sprintf(
		"Potential topology change: Agent %s (contribution: %.2f over 5 turns, usage: %.2f)",
		agentID, contribution, usageRate), true
}

// PruneAgent removes an agent's usage history and budget allocation in one
// step. The caller decides when to prune; this component never does so on
// its own.
func (r *ResourceManager) PruneAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.usage, agentID)
	delete(r.budget.Allocated, agentID)

	r.logger.Info("agent pruned", zap.String("agent_id", agentID))
}

// Budget returns a copy of the current swarm budget.
func (r *ResourceManager) Budget() SwarmBudget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allocated := make(map[string]int, len(r.budget.Allocated))
	for id, b := range r.budget.Allocated {
		allocated[id] = b
	}
	b := r.budget
	b.Allocated = allocated
	return b
}

// TrackedAgents returns the IDs of agents with recorded usage, sorted.
func (r *ResourceManager) TrackedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.usage))
	for id := range r.usage {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
