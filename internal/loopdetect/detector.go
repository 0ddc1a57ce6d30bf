// Package loopdetect detects repetition loops in agent behavior: byte-identical
// prompts (exact loops), meaning-equivalent prompts (semantic loops), and
// strict two-state ping-pong (state oscillation). Detection is stateful and
// order-dependent; all per-agent history is persisted through a DocumentStore
// so replaying the same call sequence reproduces the same detections.
package loopdetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swarmgate/internal/config"
	"swarmgate/internal/similarity"
	"swarmgate/internal/store"
)

// =============================================================================
// DETECTION TYPES
// =============================================================================

// LoopType classifies a detected loop.
type LoopType string

const (
	ExactLoop        LoopType = "exact_loop"
	SemanticLoop     LoopType = "semantic_loop"
	StateOscillation LoopType = "state_oscillation"
)

// LoopDetection is emitted when a loop threshold is crossed. It is never
// mutated after creation.
type LoopDetection struct {
	ID          string    `json:"id"`
	Type        LoopType  `json:"detection_type"`
	AgentID     string    `json:"agent_id"`
	LoopCount   int       `json:"loop_count"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// InterventionStats counts detections fired since the detector was created.
type InterventionStats struct {
	TotalInterventions int `json:"total_interventions"`
	ExactLoops         int `json:"exact_loops"`
	SemanticLoops      int `json:"semantic_loops"`
	StateOscillations  int `json:"state_oscillations"`
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector runs the three loop checks over per-agent persisted history.
// Calls for different agents proceed independently; calls for the same agent
// serialize on a per-agent lock since each check is a read-modify-write of
// that agent's documents.
type Detector struct {
	cfg      config.LoopConfig
	store    store.DocumentStore
	provider similarity.Provider
	logger   *zap.Logger

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   InterventionStats
}

// NewDetector creates a loop detector. A nil provider falls back to lexical
// Jaccard similarity; a nil logger discards logs.
func NewDetector(cfg config.LoopConfig, docs store.DocumentStore, provider similarity.Provider, logger *zap.Logger) *Detector {
	if provider == nil {
		provider = similarity.NewJaccardProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:        cfg,
		store:      docs,
		provider:   provider,
		logger:     logger,
		agentLocks: make(map[string]*sync.Mutex),
	}
}

func (d *Detector) lockAgent(agentID string) *sync.Mutex {
	d.mu.Lock()
	lock, ok := d.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		d.agentLocks[agentID] = lock
	}
	d.mu.Unlock()

	lock.Lock()
	return lock
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// EXACT LOOP
// =============================================================================

// CheckExactLoop hashes the prompt, increments that hash's persisted counter,
// and fires ExactLoop on the call where the count first reaches the threshold.
// Subsequent repeats of an already-reported prompt do not fire again.
func (d *Detector) CheckExactLoop(agentID, prompt string) (*LoopDetection, error) {
	lock := d.lockAgent(agentID)
	defer lock.Unlock()

	count, hash, err := d.bumpPromptHash(agentID, prompt)
	if err != nil {
		return nil, err
	}
	return d.evaluateExact(agentID, hash, count), nil
}

// bumpPromptHash increments the persisted counter for the prompt's hash and
// returns the new count. Caller must hold the agent lock.
func (d *Detector) bumpPromptHash(agentID, prompt string) (int, string, error) {
	hash := hashPrompt(prompt)

	hashes := make(map[string]int)
	if err := d.store.Load(agentID, store.KindHashes, &hashes); err != nil {
		return 0, "", fmt.Errorf("failed to load prompt hashes: %w", err)
	}

	count := hashes[hash] + 1
	hashes[hash] = count

	if err := d.store.Save(agentID, store.KindHashes, hashes); err != nil {
		return 0, "", fmt.Errorf("failed to save prompt hashes: %w", err)
	}
	return count, hash, nil
}

func (d *Detector) evaluateExact(agentID, hash string, count int) *LoopDetection {
	// Fire only when the count first reaches the threshold so a runaway
	// agent produces one detection, not one per repeat.
	if count != d.cfg.ExactThreshold {
		return nil
	}

	d.logger.Info("exact loop detected",
		zap.String("agent_id", agentID),
		zap.Int("loop_count", count))

	return d.record(&LoopDetection{
		ID:          uuid.NewString(),
		Type:        ExactLoop,
		AgentID:     agentID,
		LoopCount:   count,
		ContentHash: hash,
		Timestamp:   time.Now().UTC(),
	})
}

// =============================================================================
// SEMANTIC LOOP
// =============================================================================

// CheckSemanticLoop appends the prompt to the agent's persisted history, then
// compares it against the most recent prompts before it. SemanticLoop fires
// when every compared prompt scores above the similarity threshold.
func (d *Detector) CheckSemanticLoop(ctx context.Context, agentID, prompt string) (*LoopDetection, error) {
	lock := d.lockAgent(agentID)
	defer lock.Unlock()

	previous, err := d.appendPromptHistory(agentID, prompt)
	if err != nil {
		return nil, err
	}
	return d.evaluateSemantic(ctx, agentID, prompt, previous), nil
}

// appendPromptHistory persists the prompt and returns the history as it was
// before the append. Caller must hold the agent lock.
func (d *Detector) appendPromptHistory(agentID, prompt string) ([]string, error) {
	var history []string
	if err := d.store.Load(agentID, store.KindHistory, &history); err != nil {
		return nil, fmt.Errorf("failed to load prompt history: %w", err)
	}

	previous := history
	history = append(history, prompt)
	if len(history) > d.cfg.PromptHistoryCap {
		history = history[len(history)-d.cfg.PromptHistoryCap:]
	}

	if err := d.store.Save(agentID, store.KindHistory, history); err != nil {
		return nil, fmt.Errorf("failed to save prompt history: %w", err)
	}
	return previous, nil
}

func (d *Detector) evaluateSemantic(ctx context.Context, agentID, prompt string, previous []string) *LoopDetection {
	matches := 0
	compared := 0
	for i := len(previous) - 1; i >= 0 && compared < d.cfg.SemanticThreshold; i-- {
		compared++
		score, err := d.provider.Similarity(ctx, prompt, previous[i])
		if err != nil {
			// The provider contract degrades rather than errors, but
			// guard anyway: an unscorable pair is not a match.
			d.logger.Warn("similarity provider error",
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		if score > d.cfg.SimilarityThreshold {
			matches++
		}
	}

	if matches < d.cfg.SemanticThreshold {
		return nil
	}

	d.logger.Info("semantic loop detected",
		zap.String("agent_id", agentID),
		zap.Int("matches", matches),
		zap.String("provider", d.provider.Name()))

	return d.record(&LoopDetection{
		ID:          uuid.NewString(),
		Type:        SemanticLoop,
		AgentID:     agentID,
		LoopCount:   matches,
		ContentHash: hashPrompt(prompt),
		Timestamp:   time.Now().UTC(),
	})
}

// =============================================================================
// STATE OSCILLATION
// =============================================================================

// CheckStateOscillation appends the state label to the agent's persisted
// history and fires StateOscillation when the most recent window is a strict
// A,B,A,B,... alternation between exactly two distinct states.
func (d *Detector) CheckStateOscillation(agentID, state string) (*LoopDetection, error) {
	lock := d.lockAgent(agentID)
	defer lock.Unlock()

	states, err := d.appendStateHistory(agentID, state)
	if err != nil {
		return nil, err
	}
	return d.evaluateOscillation(agentID, states), nil
}

// appendStateHistory persists the state label and returns the updated
// history. Caller must hold the agent lock.
func (d *Detector) appendStateHistory(agentID, state string) ([]string, error) {
	var states []string
	if err := d.store.Load(agentID, store.KindState, &states); err != nil {
		return nil, fmt.Errorf("failed to load state history: %w", err)
	}

	states = append(states, state)
	if len(states) > d.cfg.StateHistoryCap {
		states = states[len(states)-d.cfg.StateHistoryCap:]
	}

	if err := d.store.Save(agentID, store.KindState, states); err != nil {
		return nil, fmt.Errorf("failed to save state history: %w", err)
	}
	return states, nil
}

func (d *Detector) evaluateOscillation(agentID string, states []string) *LoopDetection {
	window := d.cfg.StateOscillationThreshold * 2
	if len(states) < window {
		return nil
	}

	recent := states[len(states)-window:]

	// Strict alternation: even positions all one state, odd positions all
	// another. A state that merely recurs non-alternately does not fire.
	even, odd := recent[0], recent[1]
	if even == odd {
		return nil
	}
	for i, s := range recent {
		if i%2 == 0 && s != even {
			return nil
		}
		if i%2 == 1 && s != odd {
			return nil
		}
	}

	d.logger.Info("state oscillation detected",
		zap.String("agent_id", agentID),
		zap.String("state_a", even),
		zap.String("state_b", odd))

	return d.record(&LoopDetection{
		ID:        uuid.NewString(),
		Type:      StateOscillation,
		AgentID:   agentID,
		LoopCount: d.cfg.StateOscillationThreshold,
		Timestamp: time.Now().UTC(),
	})
}

// =============================================================================
// COMPOSITE CHECK
// =============================================================================

// CheckAllLoops runs the three checks in fixed order (exact, semantic,
// oscillation) and returns the first detection. All histories are appended
// and persisted before any check evaluates, so a call contributes to future
// detections even when an earlier check short-circuits.
func (d *Detector) CheckAllLoops(ctx context.Context, agentID, prompt, state string) (*LoopDetection, error) {
	lock := d.lockAgent(agentID)
	defer lock.Unlock()

	count, hash, err := d.bumpPromptHash(agentID, prompt)
	if err != nil {
		return nil, err
	}
	previous, err := d.appendPromptHistory(agentID, prompt)
	if err != nil {
		return nil, err
	}
	states, err := d.appendStateHistory(agentID, state)
	if err != nil {
		return nil, err
	}

	if det := d.evaluateExact(agentID, hash, count); det != nil {
		return det, nil
	}
	if det := d.evaluateSemantic(ctx, agentID, prompt, previous); det != nil {
		return det, nil
	}
	if det := d.evaluateOscillation(agentID, states); det != nil {
		return det, nil
	}
	return nil, nil
}

// =============================================================================
// STATS
// =============================================================================

func (d *Detector) record(det *LoopDetection) *LoopDetection {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.stats.TotalInterventions++
	switch det.Type {
	case ExactLoop:
		d.stats.ExactLoops++
	case SemanticLoop:
		d.stats.SemanticLoops++
	case StateOscillation:
		d.stats.StateOscillations++
	}
	return det
}

// GetInterventionStats returns counts of detections fired by this detector.
func (d *Detector) GetInterventionStats() InterventionStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Reset removes all persisted history for an agent. Used when the
// orchestration boundary prunes an agent.
func (d *Detector) Reset(agentID string) error {
	lock := d.lockAgent(agentID)
	defer lock.Unlock()

	if err := d.store.Delete(agentID); err != nil {
		return fmt.Errorf("failed to reset agent history: %w", err)
	}
	return nil
}
