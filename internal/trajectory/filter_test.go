package trajectory

import (
	"testing"

	"swarmgate/internal/config"
)

func TestFilterExpiredDropsSupersededOutcomes(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("plan", "schema design superseded by v2", 0.9, true, 300),
		entry("build", "compiled the service", 0.6, true, 200),
		entry("config", "values replaced with env vars", 0.8, true, 100),
	}

	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(out))
	}
	if out[0].Action != "build" {
		t.Errorf("expected build to survive, got %s", out[0].Action)
	}
}

func TestFilterExpiredCaseInsensitiveMarkers(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("plan", "Schema REPLACED entirely", 0.9, true, 300),
	}
	if out := c.FilterExpiredInfo(entries); len(out) != 0 {
		t.Errorf("marker matching must be case-insensitive, got %d survivors", len(out))
	}
}

func TestFilterExpiredRedundantByImpact(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("report", "status: working on the parser", 0.2, false, 50),
		entry("report2", "no change since last turn", 0.7, false, 50),
	}

	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(out))
	}
	// Filler outcomes survive only with enough impact.
	if out[0].Action != "report2" {
		t.Errorf("expected the high-impact filler to survive, got %s", out[0].Action)
	}
}

func TestFilterExpiredKeepsBestPerAction(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("write_code", "drafted the parser", 0.6, true, 200),
		entry("write_code", "completed the parser", 0.8, true, 300),
		entry("write_code", "tweaked whitespace", 0.4, true, 100),
	}

	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 survivor per action, got %d", len(out))
	}
	if out[0].ImpactScore != 0.8 {
		t.Errorf("expected the highest-impact entry, got impact %g", out[0].ImpactScore)
	}
}

func TestFilterExpiredTieBreaksOnTokens(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("analyze", "short analysis", 0.6, true, 100),
		entry("analyze", "thorough analysis", 0.6, true, 500),
	}

	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(out))
	}
	// Same impact: the costlier entry is treated as more complete.
	if out[0].TokensUsed != 500 {
		t.Errorf("expected the higher-token entry, got %d tokens", out[0].TokensUsed)
	}
}

func TestFilterExpiredKeepsFailedEntries(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("deploy", "rollout blocked by quota", 0.6, false, 200),
		entry("deploy", "rollout blocked by quota again", 0.5, false, 200),
	}

	// Unsuccessful entries are not deduplicated per action.
	out := c.FilterExpiredInfo(entries)
	if len(out) != 2 {
		t.Errorf("expected both failed entries kept, got %d", len(out))
	}
}

func TestFilterExpiredSortsByImpactDescending(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("low", "minor cleanup", 0.2, false, 50),
		entry("high", "core milestone reached", 0.9, true, 400),
		entry("mid", "partial progress", 0.5, false, 100),
	}

	out := c.FilterExpiredInfo(entries)
	if len(out) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].ImpactScore > out[i-1].ImpactScore {
			t.Fatalf("result not sorted by descending impact: %g before %g",
				out[i-1].ImpactScore, out[i].ImpactScore)
		}
	}
}

func TestFilterExpiredCustomPatterns(t *testing.T) {
	cfg := config.DefaultConfig().Trajectory
	cfg.SupersededPatterns = []string{"obsolete"}
	c := NewCompressor(cfg, nil)

	entries := []TrajectoryEntry{
		entry("plan", "approach now obsolete", 0.9, true, 300),
		entry("build", "compiled the service", 0.6, true, 200),
	}
	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 || out[0].Action != "build" {
		t.Errorf("configured markers must extend the built-in set, got %+v", out)
	}
}

func TestFilterExpiredMalformedOutcomeIsKept(t *testing.T) {
	c := newTestCompressor()
	entries := []TrajectoryEntry{
		entry("odd", "\x00\xff{{unparseable!!", 0.4, false, 10),
	}
	// Degrade gracefully: an unmatchable outcome is simply kept.
	out := c.FilterExpiredInfo(entries)
	if len(out) != 1 {
		t.Errorf("expected malformed entry kept, got %d", len(out))
	}
}
