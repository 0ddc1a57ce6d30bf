package similarity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swarmgate/internal/config"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// =============================================================================
// FACTORY
// =============================================================================

// NewProvider creates a similarity provider based on configuration.
// The "jaccard" provider is purely lexical; "ollama" and "genai" wrap an
// embedding engine with a Jaccard fallback for when the service is down.
func NewProvider(cfg config.SimilarityConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.GetTimeout()

	switch cfg.Provider {
	case "jaccard", "":
		return NewJaccardProvider(), nil
	case "ollama":
		engine, err := NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
		if err != nil {
			return nil, err
		}
		p := NewEmbeddingProvider(engine, logger)
		p.timeout = timeout
		return p, nil
	case "genai":
		engine, err := NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			return nil, err
		}
		p := NewEmbeddingProvider(engine, logger)
		p.timeout = timeout
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported similarity provider: %s (use 'jaccard', 'ollama' or 'genai')", cfg.Provider)
	}
}

// =============================================================================
// EMBEDDING-BACKED PROVIDER
// =============================================================================

// defaultTimeout bounds a single embedding-backed similarity call before
// the lexical fallback takes over.
const defaultTimeout = 5 * time.Second

// EmbeddingProvider scores texts by cosine similarity of their embeddings.
// Any engine failure or timeout degrades to Jaccard scoring rather than
// surfacing an error, so loop detection keeps working without the
// embedding service.
type EmbeddingProvider struct {
	engine   Engine
	fallback *JaccardProvider
	logger   *zap.Logger
	timeout  time.Duration
}

// NewEmbeddingProvider wraps an embedding engine with a lexical fallback.
func NewEmbeddingProvider(engine Engine, logger *zap.Logger) *EmbeddingProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingProvider{
		engine:   engine,
		fallback: NewJaccardProvider(),
		logger:   logger,
		timeout:  defaultTimeout,
	}
}

// Similarity embeds both texts and returns their cosine similarity, clamped
// to [0, 1]. On any engine error the lexical fallback score is returned.
func (p *EmbeddingProvider) Similarity(ctx context.Context, a, b string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vecA, err := p.engine.Embed(ctx, a)
	if err != nil {
		p.logger.Warn("embedding failed, falling back to jaccard",
			zap.String("engine", p.engine.Name()),
			zap.Error(err))
		return p.fallback.Similarity(ctx, a, b)
	}

	vecB, err := p.engine.Embed(ctx, b)
	if err != nil {
		p.logger.Warn("embedding failed, falling back to jaccard",
			zap.String("engine", p.engine.Name()),
			zap.Error(err))
		return p.fallback.Similarity(ctx, a, b)
	}

	score, err := CosineSimilarity(vecA, vecB)
	if err != nil {
		p.logger.Warn("cosine similarity failed, falling back to jaccard",
			zap.String("engine", p.engine.Name()),
			zap.Error(err))
		return p.fallback.Similarity(ctx, a, b)
	}

	// Cosine ranges over [-1, 1]; anti-correlated prompts are simply
	// "not similar" for loop detection purposes.
	if score < 0 {
		score = 0
	}
	return score, nil
}

// Name returns the provider name.
func (p *EmbeddingProvider) Name() string {
	return fmt.Sprintf("embedding:%s", p.engine.Name())
}

var _ Provider = (*EmbeddingProvider)(nil)
