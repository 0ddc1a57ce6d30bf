package similarity

import (
	"context"
	"errors"
	"math"
	"testing"

	"swarmgate/internal/config"
)

func TestJaccardSimilarity(t *testing.T) {
	p := NewJaccardProvider()
	ctx := context.Background()

	score, err := p.Similarity(ctx, "fix the login bug", "fix the login bug")
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if score != 1.0 {
		t.Errorf("identical texts: expected 1.0, got %g", score)
	}

	score, _ = p.Similarity(ctx, "alpha beta gamma", "delta epsilon zeta")
	if score != 0.0 {
		t.Errorf("disjoint texts: expected 0.0, got %g", score)
	}

	// {fix, the, bug} vs {fix, a, bug}: 2 shared of 4 total.
	score, _ = p.Similarity(ctx, "fix the bug", "fix a bug")
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("partial overlap: expected 0.5, got %g", score)
	}
}

func TestJaccardCaseInsensitive(t *testing.T) {
	p := NewJaccardProvider()

	score, _ := p.Similarity(context.Background(), "Fix The Bug", "fix the bug")
	if score != 1.0 {
		t.Errorf("case should not matter: expected 1.0, got %g", score)
	}
}

func TestJaccardEmptyTexts(t *testing.T) {
	p := NewJaccardProvider()
	ctx := context.Background()

	if score, _ := p.Similarity(ctx, "", ""); score != 1.0 {
		t.Errorf("both empty: expected 1.0, got %g", score)
	}
	if score, _ := p.Similarity(ctx, "something", ""); score != 0.0 {
		t.Errorf("one empty: expected 0.0, got %g", score)
	}
}

func TestCosineSimilarity(t *testing.T) {
	score, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(score-1.0) > 1e-9 {
		t.Errorf("identical vectors: expected 1.0, got %g", score)
	}

	score, _ = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if math.Abs(score) > 1e-9 {
		t.Errorf("orthogonal vectors: expected 0.0, got %g", score)
	}

	if _, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); err == nil {
		t.Error("expected error for mismatched dimensions")
	}

	if score, _ := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); score != 0 {
		t.Errorf("zero vector: expected 0.0, got %g", score)
	}
}

// fakeEngine returns canned vectors per text, or a fixed error.
type fakeEngine struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func TestEmbeddingProviderCosine(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {1, 0, 0},
	}}
	p := NewEmbeddingProvider(engine, nil)

	score, err := p.Similarity(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if math.Abs(score-1.0) > 1e-9 {
		t.Errorf("expected 1.0, got %g", score)
	}
}

func TestEmbeddingProviderClampsNegative(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {-1, 0, 0},
	}}
	p := NewEmbeddingProvider(engine, nil)

	score, err := p.Similarity(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if score != 0.0 {
		t.Errorf("anti-correlated vectors should clamp to 0, got %g", score)
	}
}

func TestEmbeddingProviderFallsBackOnError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("connection refused")}
	p := NewEmbeddingProvider(engine, nil)

	// Engine is down, so the score comes from the lexical fallback.
	score, err := p.Similarity(context.Background(), "fix the bug", "fix the bug")
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if score != 1.0 {
		t.Errorf("expected jaccard fallback score 1.0, got %g", score)
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.SimilarityConfig{Provider: "jaccard"}, nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "jaccard" {
		t.Errorf("expected jaccard provider, got %s", p.Name())
	}

	p, err = NewProvider(config.SimilarityConfig{Provider: "ollama"}, nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "embedding:ollama:embeddinggemma" {
		t.Errorf("unexpected provider name: %s", p.Name())
	}

	if _, err := NewProvider(config.SimilarityConfig{Provider: "onnx"}, nil); err == nil {
		t.Error("expected error for unknown provider")
	}

	if _, err := NewProvider(config.SimilarityConfig{Provider: "genai"}, nil); err == nil {
		t.Error("expected error for genai without API key")
	}
}
