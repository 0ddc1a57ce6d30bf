// Package similarity scores how alike two prompts are, on a 0..1 scale.
// The default scorer is lexical Jaccard overlap; embedding-backed scorers
// (Ollama local, Google GenAI cloud) can be layered on top with automatic
// fallback to Jaccard when the embedding service is slow or down.
package similarity

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// Provider scores the similarity of two texts in [0, 1].
type Provider interface {
	// Similarity returns a score where 1 means identical meaning and
	// 0 means unrelated.
	Similarity(ctx context.Context, a, b string) (float64, error)

	// Name returns the provider name.
	Name() string
}

// =============================================================================
// JACCARD PROVIDER
// =============================================================================

// JaccardProvider scores texts by word-set overlap. It needs no network,
// never fails, and is the fallback for every other provider.
type JaccardProvider struct{}

// NewJaccardProvider creates a lexical similarity provider.
func NewJaccardProvider() *JaccardProvider {
	return &JaccardProvider{}
}

// Similarity returns |A ∩ B| / |A ∪ B| over lowercased word sets.
// Two empty texts are treated as identical.
func (p *JaccardProvider) Similarity(_ context.Context, a, b string) (float64, error) {
	setA := wordSet(a)
	setB := wordSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0, nil
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0, nil
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union), nil
}

// Name returns the provider name.
func (p *JaccardProvider) Name() string {
	return "jaccard"
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

var _ Provider = (*JaccardProvider)(nil)

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
