package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Loop.ExactThreshold)
	assert.Equal(t, 5, cfg.Loop.SemanticThreshold)
	assert.Equal(t, 3, cfg.Loop.StateOscillationThreshold)
	assert.Equal(t, 0.85, cfg.Loop.SimilarityThreshold)
	assert.Equal(t, 50, cfg.Loop.PromptHistoryCap)
	assert.Equal(t, 20, cfg.Loop.StateHistoryCap)

	assert.Equal(t, 2.0, cfg.Monitor.VarianceThreshold)
	assert.Equal(t, 1000.0, cfg.Monitor.AccelerationThreshold)
	assert.Equal(t, 100, cfg.Monitor.TokenHistoryCap)
	assert.Equal(t, 1000, cfg.Monitor.ContextHistoryCap)

	assert.Equal(t, 0.15, cfg.Budget.SafetyReservePercent)
	assert.Equal(t, 10000, cfg.Budget.MinPerAgent)
	assert.Equal(t, 0.20, cfg.Budget.ImbalanceThreshold)
	assert.False(t, cfg.Budget.AutoReduceLowContrib)

	assert.Equal(t, 0.7, cfg.Trajectory.PreserveThreshold)
	assert.Equal(t, 18, cfg.Trajectory.StepThreshold)
	assert.Equal(t, 25000, cfg.Trajectory.TokenThreshold)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Loop, cfg.Loop)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmgate.yaml")
	body := []byte("loop:\n  exact_threshold: 5\nbudget:\n  total: 500000\n")
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Loop.ExactThreshold)
	assert.Equal(t, 500000, cfg.Budget.Total)
	// Untouched fields keep their defaults.
	assert.Equal(t, 5, cfg.Loop.SemanticThreshold)
	assert.Equal(t, 0.15, cfg.Budget.SafetyReservePercent)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY switches provider from jaccard", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "g-key", cfg.Similarity.GenAIAPIKey)
		assert.Equal(t, "genai", cfg.Similarity.Provider)
	})

	t.Run("GEMINI_API_KEY does not override explicit provider", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")

		cfg := DefaultConfig()
		cfg.Similarity.Provider = "ollama"
		cfg.applyEnvOverrides()

		assert.Equal(t, "ollama", cfg.Similarity.Provider)
	})

	t.Run("SWARMGATE_DB forces sqlite backend", func(t *testing.T) {
		t.Setenv("SWARMGATE_DB", "/tmp/x.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.Equal(t, "/tmp/x.db", cfg.Storage.DatabasePath)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero exact threshold", func(c *Config) { c.Loop.ExactThreshold = 0 }},
		{"similarity above one", func(c *Config) { c.Loop.SimilarityThreshold = 1.5 }},
		{"reserve at one", func(c *Config) { c.Budget.SafetyReservePercent = 1.0 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown provider", func(c *Config) { c.Similarity.Provider = "onnx" }},
		{"genai without key", func(c *Config) { c.Similarity.Provider = "genai" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Similarity.GetTimeout())
	assert.Equal(t, 120*time.Second, cfg.Monitor.GetStagnationWindow())

	cfg.Similarity.Timeout = "bogus"
	cfg.Monitor.StagnationWindow = "bogus"
	assert.Equal(t, 5*time.Second, cfg.Similarity.GetTimeout())
	assert.Equal(t, 120*time.Second, cfg.Monitor.GetStagnationWindow())

	cfg.Monitor.StagnationWindow = "-30s"
	assert.Equal(t, 120*time.Second, cfg.Monitor.GetStagnationWindow())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "swarmgate.yaml")

	cfg := DefaultConfig()
	cfg.Loop.ExactThreshold = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Loop.ExactThreshold)
}
