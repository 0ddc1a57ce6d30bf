// Package trajectory compresses an agent's action log under context
// pressure. High-impact and successful entries are preserved verbatim;
// repeated low-impact entries are collapsed into summary groups. The
// component is advisory: it classifies and quantifies, the caller decides
// what to drop.
package trajectory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmgate/internal/config"
)

// =============================================================================
// TRAJECTORY TYPES
// =============================================================================

// TrajectoryEntry is one recorded action in an agent's log.
type TrajectoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	IsRepeat    bool      `json:"is_repeat"`
	ImpactScore float64   `json:"impact_score"`
	Succeeded   bool      `json:"succeeded"`
	TokensUsed  int       `json:"tokens_used"`
}

// TrajectoryLog is an agent's full action log plus its total token cost.
type TrajectoryLog struct {
	Entries    []TrajectoryEntry `json:"entries"`
	TokensUsed int               `json:"tokens_used"`
}

// SummaryGroup stands in for repeated low-impact entries of one action.
type SummaryGroup struct {
	Pattern                 string `json:"pattern"`
	Count                   int    `json:"count"`
	ConsolidatedDescription string `json:"consolidated_description"`
	TokensSaved             int    `json:"tokens_saved"`
}

// CompressedTrajectory is the result of one compression pass. Every input
// entry is either preserved, represented by a summary group, or dropped.
type CompressedTrajectory struct {
	Preserved        []TrajectoryEntry `json:"preserved"`
	Summarized       []SummaryGroup    `json:"summarized"`
	CompressionRatio float64           `json:"compression_ratio"`
}

// CompressionStats accumulates classification counts across compression runs.
type CompressionStats struct {
	Preserved  int `json:"preserved"`
	Summarized int `json:"summarized"`
	Dropped    int `json:"dropped"`
}

// Total returns the number of entries processed.
func (s CompressionStats) Total() int {
	return s.Preserved + s.Summarized + s.Dropped
}

// PreservationRate returns the fraction of processed entries kept verbatim.
func (s CompressionStats) PreservationRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Preserved) / float64(total)
}

// =============================================================================
// COMPRESSOR
// =============================================================================

// Compressor decides when and how to compress trajectories.
type Compressor struct {
	cfg    config.TrajectoryConfig
	logger *zap.Logger

	statsMu sync.Mutex
	stats   CompressionStats
}

// NewCompressor creates a compressor. A nil logger discards logs.
func NewCompressor(cfg config.TrajectoryConfig, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{cfg: cfg, logger: logger}
}

// ShouldCompress reports whether a trajectory is worth compressing.
// Compression is gated on context pressure: the context fraction must be
// strictly above the pressure threshold AND the log must be long enough in
// steps or tokens. Log length alone never triggers compression.
func (c *Compressor) ShouldCompress(contextPct float64, steps, tokens int) bool {
	return contextPct > c.cfg.ContextPressure &&
		(steps >= c.cfg.StepThreshold || tokens >= c.cfg.TokenThreshold)
}

// CompressTrajectory partitions the log into preserved entries (high impact
// or succeeded) and summary groups of repeated low-impact actions.
// Candidates whose action repeats fewer than twice are dropped. The result
// is deterministic for a given log and configuration.
func (c *Compressor) CompressTrajectory(log *TrajectoryLog) *CompressedTrajectory {
	var preserved []TrajectoryEntry
	var candidates []TrajectoryEntry

	for _, e := range log.Entries {
		if e.ImpactScore >= c.cfg.PreserveThreshold || e.Succeeded {
			preserved = append(preserved, e)
		} else {
			candidates = append(candidates, e)
		}
	}

	summarized := c.groupAndSummarize(candidates)

	summarizedEntries := 0
	for _, g := range summarized {
		summarizedEntries += g.Count
	}

	c.statsMu.Lock()
	c.stats.Preserved += len(preserved)
	c.stats.Summarized += summarizedEntries
	c.stats.Dropped += len(candidates) - summarizedEntries
	c.statsMu.Unlock()

	preservedTokens := 0
	for _, e := range preserved {
		preservedTokens += e.TokensUsed
	}
	summarizedTokens := 0
	for _, g := range summarized {
		summarizedTokens += g.TokensSaved
	}

	// A summary is assumed to cost roughly a third of the entries it
	// replaces.
	ratio := 0.0
	if log.TokensUsed > 0 {
		ratio = float64(preservedTokens+summarizedTokens/3) / float64(log.TokensUsed)
	}

	c.logger.Debug("trajectory compressed",
		zap.Int("entries", len(log.Entries)),
		zap.Int("preserved", len(preserved)),
		zap.Int("groups", len(summarized)),
		zap.Float64("ratio", ratio))

	return &CompressedTrajectory{
		Preserved:        preserved,
		Summarized:       summarized,
		CompressionRatio: ratio,
	}
}

// groupAndSummarize collapses candidate entries by action name. Only actions
// with at least two candidates form a group; the savings estimate is
// conservative since the first occurrence must still be referenced.
func (c *Compressor) groupAndSummarize(candidates []TrajectoryEntry) []SummaryGroup {
	if len(candidates) == 0 {
		return nil
	}

	groups := make(map[string][]TrajectoryEntry)
	var order []string
	for _, e := range candidates {
		if _, ok := groups[e.Action]; !ok {
			order = append(order, e.Action)
		}
		groups[e.Action] = append(groups[e.Action], e)
	}

	var summaries []SummaryGroup
	for _, action := range order {
		group := groups[action]
		count := len(group)
		if count < 2 {
			continue
		}

		totalTokens := 0
		succeeded := 0
		for _, e := range group {
			totalTokens += e.TokensUsed
			if e.Succeeded {
				succeeded++
			}
		}
		failed := count - succeeded
		avgTokens := totalTokens / count

		pattern := action
		if failed > 0 && failed >= count/2 {
			pattern = fmt.Sprintf("failed_attempt_%d", failed)
		} else if succeeded > 0 {
			pattern = fmt.Sprintf("successful_attempt_%d", succeeded)
		}

		summaries = append(summaries, SummaryGroup{
			Pattern:                 pattern,
			Count:                   count,
			ConsolidatedDescription: fmt.Sprintf("%dx %s: %s", count, action, group[0].Outcome),
			TokensSaved:             avgTokens * (count - 1) / 2,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Count > summaries[j].Count
	})
	if c.cfg.MaxSummaries > 0 && len(summaries) > c.cfg.MaxSummaries {
		summaries = summaries[:c.cfg.MaxSummaries]
	}
	return summaries
}

// Stats returns accumulated classification counts.
func (c *Compressor) Stats() CompressionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ResetStats clears accumulated classification counts.
func (c *Compressor) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = CompressionStats{}
}
