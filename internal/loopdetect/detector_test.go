package loopdetect

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"swarmgate/internal/config"
	"swarmgate/internal/store"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	cfg := config.DefaultConfig().Loop
	docs := store.NewFileStore(t.TempDir(), nil)
	return NewDetector(cfg, docs, nil, nil)
}

func TestExactLoopFiresOnThirdCall(t *testing.T) {
	d := newTestDetector(t)

	for i := 1; i <= 2; i++ {
		det, err := d.CheckExactLoop("agent1", "test prompt")
		if err != nil {
			t.Fatalf("CheckExactLoop failed: %v", err)
		}
		if det != nil {
			t.Fatalf("call %d: expected no detection, got %+v", i, det)
		}
	}

	det, err := d.CheckExactLoop("agent1", "test prompt")
	if err != nil {
		t.Fatalf("CheckExactLoop failed: %v", err)
	}
	if det == nil {
		t.Fatal("call 3: expected ExactLoop detection")
	}
	if det.Type != ExactLoop {
		t.Errorf("expected type %s, got %s", ExactLoop, det.Type)
	}
	if det.LoopCount != 3 {
		t.Errorf("expected loop_count 3, got %d", det.LoopCount)
	}
	if det.AgentID != "agent1" {
		t.Errorf("expected agent1, got %s", det.AgentID)
	}
	if det.ContentHash == "" {
		t.Error("expected a content hash")
	}
}

func TestExactLoopFiresExactlyOnce(t *testing.T) {
	d := newTestDetector(t)

	fired := 0
	for i := 0; i < 10; i++ {
		det, err := d.CheckExactLoop("agent1", "same prompt again")
		if err != nil {
			t.Fatalf("CheckExactLoop failed: %v", err)
		}
		if det != nil {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("expected exactly one detection over 10 calls, got %d", fired)
	}
}

func TestExactLoopIndependentPerAgent(t *testing.T) {
	d := newTestDetector(t)

	for i := 0; i < 2; i++ {
		if det, _ := d.CheckExactLoop("agent1", "p"); det != nil {
			t.Fatal("agent1 should not fire yet")
		}
	}
	// agent2's first call is unaffected by agent1's counter.
	if det, _ := d.CheckExactLoop("agent2", "p"); det != nil {
		t.Fatal("agent2 should not fire on first call")
	}
	if det, _ := d.CheckExactLoop("agent1", "p"); det == nil {
		t.Fatal("agent1 should fire on its third call")
	}
}

func TestExactLoopSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig().Loop

	d := NewDetector(cfg, store.NewFileStore(dir, nil), nil, nil)
	d.CheckExactLoop("agent1", "persisted prompt")
	d.CheckExactLoop("agent1", "persisted prompt")

	// A fresh detector over the same directory continues the count.
	d2 := NewDetector(cfg, store.NewFileStore(dir, nil), nil, nil)
	det, err := d2.CheckExactLoop("agent1", "persisted prompt")
	if err != nil {
		t.Fatalf("CheckExactLoop failed: %v", err)
	}
	if det == nil {
		t.Fatal("expected detection to carry across restart")
	}
}

func TestExactLoopEmptyPrompt(t *testing.T) {
	d := newTestDetector(t)

	var det *LoopDetection
	for i := 0; i < 3; i++ {
		det, _ = d.CheckExactLoop("agent1", "")
	}
	if det == nil {
		t.Fatal("empty prompt must still hash and count")
	}
}

func TestSemanticLoopFiresOnRepeatedMeaning(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	// Threshold 5: five prior near-identical prompts, then a sixth.
	for i := 0; i < 5; i++ {
		det, err := d.CheckSemanticLoop(ctx, "agent1", "please fix the login bug now")
		if err != nil {
			t.Fatalf("CheckSemanticLoop failed: %v", err)
		}
		if det != nil && i < 4 {
			t.Fatalf("call %d: fired too early", i+1)
		}
	}

	det, err := d.CheckSemanticLoop(ctx, "agent1", "please fix the login bug now")
	if err != nil {
		t.Fatalf("CheckSemanticLoop failed: %v", err)
	}
	if det == nil {
		t.Fatal("expected SemanticLoop detection")
	}
	if det.Type != SemanticLoop {
		t.Errorf("expected type %s, got %s", SemanticLoop, det.Type)
	}
}

func TestSemanticLoopIgnoresUnrelatedPrompts(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	prompts := []string{
		"analyze the database schema",
		"write unit tests for auth",
		"refactor the parser module",
		"deploy the staging build",
		"review yesterday's incident",
		"summarize open pull requests",
	}
	for _, p := range prompts {
		det, err := d.CheckSemanticLoop(ctx, "agent1", p)
		if err != nil {
			t.Fatalf("CheckSemanticLoop failed: %v", err)
		}
		if det != nil {
			t.Fatalf("unrelated prompts must not fire: %+v", det)
		}
	}
}

func TestStateOscillationStrictAlternation(t *testing.T) {
	d := newTestDetector(t)

	// A,B,A,B,A,B with threshold 3 fires on the sixth call.
	seq := []string{"A", "B", "A", "B", "A", "B"}
	var det *LoopDetection
	for i, s := range seq {
		var err error
		det, err = d.CheckStateOscillation("agent1", s)
		if err != nil {
			t.Fatalf("CheckStateOscillation failed: %v", err)
		}
		if det != nil && i < len(seq)-1 {
			t.Fatalf("fired too early at call %d", i+1)
		}
	}
	if det == nil {
		t.Fatal("expected StateOscillation for A,B,A,B,A,B")
	}
	if det.Type != StateOscillation {
		t.Errorf("expected type %s, got %s", StateOscillation, det.Type)
	}
}

func TestStateOscillationRejectsThreeCycle(t *testing.T) {
	d := newTestDetector(t)

	for _, s := range []string{"A", "B", "C", "A", "B", "C"} {
		det, err := d.CheckStateOscillation("agent1", s)
		if err != nil {
			t.Fatalf("CheckStateOscillation failed: %v", err)
		}
		if det != nil {
			t.Fatalf("A,B,C,A,B,C must not fire: %+v", det)
		}
	}
}

func TestStateOscillationRejectsConstantState(t *testing.T) {
	d := newTestDetector(t)

	for i := 0; i < 8; i++ {
		det, _ := d.CheckStateOscillation("agent1", "working")
		if det != nil {
			t.Fatal("a single repeated state is not an oscillation")
		}
	}
}

func TestCheckAllLoopsShortCircuitsOnExact(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	var det *LoopDetection
	for i := 0; i < 3; i++ {
		var err error
		det, err = d.CheckAllLoops(ctx, "agent1", "same prompt", "working")
		if err != nil {
			t.Fatalf("CheckAllLoops failed: %v", err)
		}
	}
	if det == nil {
		t.Fatal("expected a detection on the third identical prompt")
	}
	if det.Type != ExactLoop {
		t.Errorf("exact check should win the short-circuit, got %s", det.Type)
	}
}

func TestCheckAllLoopsDetectsOscillation(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	// Distinct prompts keep exact and semantic quiet; states alternate.
	states := []string{"analyzing", "writing", "analyzing", "writing", "analyzing", "writing"}
	var det *LoopDetection
	for i, s := range states {
		var err error
		det, err = d.CheckAllLoops(ctx, "agent1", fmt.Sprintf("task number %d", i), s)
		if err != nil {
			t.Fatalf("CheckAllLoops failed: %v", err)
		}
	}
	if det == nil || det.Type != StateOscillation {
		t.Fatalf("expected StateOscillation, got %+v", det)
	}
}

func TestCheckAllLoopsAppendsEvenWhenFiring(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig().Loop
	docs := store.NewFileStore(dir, nil)
	d := NewDetector(cfg, docs, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := d.CheckAllLoops(ctx, "agent1", "same prompt", "working"); err != nil {
			t.Fatalf("CheckAllLoops failed: %v", err)
		}
	}

	// Histories must reflect all four calls, including the firing ones.
	var history []string
	if err := docs.Load("agent1", store.KindHistory, &history); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("expected 4 prompts in history, got %d", len(history))
	}
	var states []string
	if err := docs.Load("agent1", store.KindState, &states); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(states) != 4 {
		t.Errorf("expected 4 states in history, got %d", len(states))
	}
}

func TestHistoryCaps(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig().Loop
	docs := store.NewFileStore(dir, nil)
	d := NewDetector(cfg, docs, nil, nil)
	ctx := context.Background()

	for i := 0; i < cfg.PromptHistoryCap+10; i++ {
		if _, err := d.CheckSemanticLoop(ctx, "agent1", fmt.Sprintf("unique prompt %d", i)); err != nil {
			t.Fatalf("CheckSemanticLoop failed: %v", err)
		}
	}

	var history []string
	if err := docs.Load("agent1", store.KindHistory, &history); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(history) != cfg.PromptHistoryCap {
		t.Errorf("expected history capped at %d, got %d", cfg.PromptHistoryCap, len(history))
	}
	// Oldest entries are evicted first.
	if history[0] != "unique prompt 10" {
		t.Errorf("expected oldest surviving entry to be prompt 10, got %q", history[0])
	}
}

func TestInterventionStats(t *testing.T) {
	d := newTestDetector(t)

	for i := 0; i < 3; i++ {
		d.CheckExactLoop("agent1", "loop prompt")
	}
	for _, s := range []string{"A", "B", "A", "B", "A", "B"} {
		d.CheckStateOscillation("agent2", s)
	}

	stats := d.GetInterventionStats()
	if stats.ExactLoops != 1 {
		t.Errorf("expected 1 exact loop, got %d", stats.ExactLoops)
	}
	if stats.StateOscillations != 1 {
		t.Errorf("expected 1 state oscillation, got %d", stats.StateOscillations)
	}
	if stats.TotalInterventions != 2 {
		t.Errorf("expected 2 total interventions, got %d", stats.TotalInterventions)
	}
}

func TestReset(t *testing.T) {
	d := newTestDetector(t)

	d.CheckExactLoop("agent1", "p")
	d.CheckExactLoop("agent1", "p")
	if err := d.Reset("agent1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	// Counter starts over after a reset.
	if det, _ := d.CheckExactLoop("agent1", "p"); det != nil {
		t.Fatal("expected no detection on first call after reset")
	}
}

func TestConcurrentAgentsIndependent(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent%d", g)
			for i := 0; i < 20; i++ {
				if _, err := d.CheckAllLoops(ctx, agent, fmt.Sprintf("prompt %d", i), "working"); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent check failed: %v", err)
	}
}
