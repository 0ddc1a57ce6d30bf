package trajectory

import (
	"regexp"
	"sort"
	"strings"
)

// Supersession markers: outcome text containing any of these (case
// insensitive) means the entry's information was later replaced.
var supersededMarkers = []string{
	"updated",
	"replaced",
	"superseded",
	"newer",
	"later",
	"override",
	"overrides",
	"revised",
	"corrected",
	"fixed",
	"refined",
	"improved",
}

// Status-filler patterns: outcomes that report no new information.
var redundantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`status:?\s*(working|in progress|proceeding)`),
	regexp.MustCompile(`still\s+(working|processing)`),
	regexp.MustCompile(`no\s+(change|updates|new info)`),
	regexp.MustCompile(`continuing\s+as\s+before`),
	regexp.MustCompile(`same\s+as\s+(before|previous)`),
}

func isSuperseded(e TrajectoryEntry, extra []string) bool {
	outcome := strings.ToLower(e.Outcome)
	for _, marker := range supersededMarkers {
		if strings.Contains(outcome, marker) {
			return true
		}
	}
	for _, marker := range extra {
		if marker != "" && strings.Contains(outcome, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func isRedundant(e TrajectoryEntry) bool {
	outcome := strings.ToLower(e.Outcome)
	for _, p := range redundantPatterns {
		if p.MatchString(outcome) {
			return true
		}
	}
	return false
}

// FilterExpiredInfo is a stricter pass than CompressTrajectory, used when
// explicit supersession language is present. Entries whose outcome carries a
// supersession marker are dropped outright; status-filler entries are
// dropped unless their impact is still at least 0.5; and among successful
// entries only the highest-impact entry per action survives (ties broken by
// higher token cost, treated as more complete). The result is sorted by
// descending impact, a priority-ordered reading list rather than a
// chronology.
func (c *Compressor) FilterExpiredInfo(entries []TrajectoryEntry) []TrajectoryEntry {
	// First pass: drop marked entries, pick the best successful entry per
	// action.
	type key struct {
		index int
		entry TrajectoryEntry
	}
	bestByAction := make(map[string]key)
	losers := make(map[int]bool)

	var kept []int
	for i, e := range entries {
		if isSuperseded(e, c.cfg.SupersededPatterns) {
			continue
		}
		if isRedundant(e) && e.ImpactScore < 0.5 {
			continue
		}

		if e.Succeeded {
			if best, ok := bestByAction[e.Action]; ok {
				if e.ImpactScore > best.entry.ImpactScore ||
					(e.ImpactScore == best.entry.ImpactScore && e.TokensUsed > best.entry.TokensUsed) {
					losers[best.index] = true
					bestByAction[e.Action] = key{index: i, entry: e}
				} else {
					losers[i] = true
				}
			} else {
				bestByAction[e.Action] = key{index: i, entry: e}
			}
		}
		kept = append(kept, i)
	}

	result := make([]TrajectoryEntry, 0, len(kept))
	for _, i := range kept {
		if !losers[i] {
			result = append(result, entries[i])
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ImpactScore > result[j].ImpactScore
	})
	return result
}
