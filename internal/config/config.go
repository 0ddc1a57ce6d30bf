// Package config holds all swarmgate configuration: the loop detector,
// monitor, budget, and trajectory thresholds, plus storage and similarity
// provider settings. Unknown or missing fields fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all swarmgate configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Loop detector thresholds
	Loop LoopConfig `yaml:"loop"`

	// Resource & trend monitor thresholds
	Monitor MonitorConfig `yaml:"monitor"`

	// Budget control loop
	Budget BudgetConfig `yaml:"budget"`

	// Trajectory compressor
	Trajectory TrajectoryConfig `yaml:"trajectory"`

	// Similarity provider
	Similarity SimilarityConfig `yaml:"similarity"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoopConfig configures the loop detector.
type LoopConfig struct {
	// Fire ExactLoop when a prompt's cumulative count reaches this.
	ExactThreshold int `yaml:"exact_threshold"`

	// Number of recent prompts compared for SemanticLoop, and the
	// match count that fires it.
	SemanticThreshold int `yaml:"semantic_threshold"`

	// Half the window length checked for strict A,B,A,B alternation.
	StateOscillationThreshold int `yaml:"state_oscillation_threshold"`

	// Similarity above this counts as a semantic match.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Bounded history caps.
	PromptHistoryCap int `yaml:"prompt_history_cap"`
	StateHistoryCap  int `yaml:"state_history_cap"`
}

// MonitorConfig configures rolling statistics and alerting.
type MonitorConfig struct {
	// Total context window in tokens.
	TotalContext int `yaml:"total_context"`

	// Context percentage at which overflow is predicted.
	ContextThreshold float64 `yaml:"context_threshold"`

	// Std deviations from the cross-agent mean before a variance alert.
	VarianceThreshold float64 `yaml:"variance_threshold"`

	// Mean |acceleration| in tokens/s^2 before an acceleration alert.
	AccelerationThreshold float64 `yaml:"acceleration_threshold"`

	// Stagnation alert: more than this much wall time...
	StagnationWindow string `yaml:"stagnation_window"`
	// ...with less than this many tokens of change.
	StagnationTokenDelta int `yaml:"stagnation_token_delta"`

	// Ring caps.
	TokenHistoryCap   int `yaml:"token_history_cap"`
	ContextHistoryCap int `yaml:"context_history_cap"`
}

// BudgetConfig configures the resource manager's budget control loop.
type BudgetConfig struct {
	// Total token budget for the swarm.
	Total int `yaml:"total"`

	// Fraction of total withheld as safety reserve.
	SafetyReservePercent float64 `yaml:"safety_reserve_percent"`

	// Floor for any single agent's allocation.
	MinPerAgent int `yaml:"min_per_agent"`

	// Coefficient of variation above which CheckImbalance triggers.
	ImbalanceThreshold float64 `yaml:"imbalance_threshold"`

	// Mean contribution below this marks a pruning/reduction candidate.
	PruningContributionThreshold float64 `yaml:"pruning_contribution_threshold"`

	// When true, low contributors are reduced by ReductionPercent
	// instead of just being flagged.
	AutoReduceLowContrib bool    `yaml:"auto_reduce_low_contrib"`
	ReductionPercent     float64 `yaml:"reduction_percent"`

	// Turn stats kept per agent.
	TurnHistoryCap int `yaml:"turn_history_cap"`
}

// TrajectoryConfig configures trajectory compression.
type TrajectoryConfig struct {
	// Minimum impact score to preserve an entry verbatim.
	PreserveThreshold float64 `yaml:"preserve_threshold"`

	// Compression gate: context fraction, step count, token count.
	ContextPressure float64 `yaml:"context_pressure"`
	StepThreshold   int     `yaml:"step_threshold"`
	TokenThreshold  int     `yaml:"token_threshold"`

	// Maximum summary groups kept.
	MaxSummaries int `yaml:"max_summaries"`

	// Extra superseded markers merged with the built-in set.
	SupersededPatterns []string `yaml:"superseded_patterns"`
}

// SimilarityConfig configures the semantic similarity provider.
type SimilarityConfig struct {
	// Provider: "jaccard", "ollama" or "genai".
	Provider string `yaml:"provider"`

	// Ollama settings.
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI settings.
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Per-call budget before falling back to Jaccard.
	Timeout string `yaml:"timeout"`
}

// StorageConfig configures the document store.
type StorageConfig struct {
	// Backend: "file" or "sqlite".
	Backend string `yaml:"backend"`

	// Base directory for the file backend.
	BaseDir string `yaml:"base_dir"`

	// Database path for the sqlite backend.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "swarmgate",
		Version: "1.0.0",

		Loop: LoopConfig{
			ExactThreshold:            3,
			SemanticThreshold:         5,
			StateOscillationThreshold: 3,
			SimilarityThreshold:       0.85,
			PromptHistoryCap:          50,
			StateHistoryCap:           20,
		},

		Monitor: MonitorConfig{
			TotalContext:          200000,
			ContextThreshold:      70.0,
			VarianceThreshold:     2.0,
			AccelerationThreshold: 1000.0,
			StagnationWindow:      "120s",
			StagnationTokenDelta:  100,
			TokenHistoryCap:       100,
			ContextHistoryCap:     1000,
		},

		Budget: BudgetConfig{
			Total:                        200000,
			SafetyReservePercent:         0.15,
			MinPerAgent:                  10000,
			ImbalanceThreshold:           0.20,
			PruningContributionThreshold: 0.3,
			AutoReduceLowContrib:         false,
			ReductionPercent:             20.0,
			TurnHistoryCap:               10,
		},

		Trajectory: TrajectoryConfig{
			PreserveThreshold: 0.7,
			ContextPressure:   0.80,
			StepThreshold:     18,
			TokenThreshold:    25000,
			MaxSummaries:      10,
		},

		Similarity: SimilarityConfig{
			Provider:       "jaccard",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Timeout:        "5s",
		},

		Storage: StorageConfig{
			Backend:      "file",
			BaseDir:      ".swarmgate/loop-detector",
			DatabasePath: ".swarmgate/swarmgate.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults; unknown fields are ignored, missing fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Similarity.GenAIAPIKey = key
		if c.Similarity.Provider == "jaccard" {
			c.Similarity.Provider = "genai"
		}
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		c.Similarity.OllamaEndpoint = url
	}
	if dir := os.Getenv("SWARMGATE_DIR"); dir != "" {
		c.Storage.BaseDir = filepath.Join(dir, "loop-detector")
		c.Storage.DatabasePath = filepath.Join(dir, "swarmgate.db")
	}
	if db := os.Getenv("SWARMGATE_DB"); db != "" {
		c.Storage.Backend = "sqlite"
		c.Storage.DatabasePath = db
	}
}

// GetTimeout returns the similarity provider timeout as a duration.
func (c SimilarityConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetStagnationWindow returns the stagnation window as a duration.
func (c MonitorConfig) GetStagnationWindow() time.Duration {
	d, err := time.ParseDuration(c.StagnationWindow)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// ValidBackends lists supported storage backends.
var ValidBackends = []string{"file", "sqlite"}

// ValidProviders lists supported similarity providers.
var ValidProviders = []string{"jaccard", "ollama", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Loop.ExactThreshold < 1 {
		return fmt.Errorf("loop.exact_threshold must be >= 1, got %d", c.Loop.ExactThreshold)
	}
	if c.Loop.SimilarityThreshold < 0 || c.Loop.SimilarityThreshold > 1 {
		return fmt.Errorf("loop.similarity_threshold must be in [0,1], got %g", c.Loop.SimilarityThreshold)
	}
	if c.Budget.SafetyReservePercent < 0 || c.Budget.SafetyReservePercent >= 1 {
		return fmt.Errorf("budget.safety_reserve_percent must be in [0,1), got %g", c.Budget.SafetyReservePercent)
	}
	if c.Trajectory.PreserveThreshold < 0 || c.Trajectory.PreserveThreshold > 1 {
		return fmt.Errorf("trajectory.preserve_threshold must be in [0,1], got %g", c.Trajectory.PreserveThreshold)
	}

	valid := false
	for _, b := range ValidBackends {
		if c.Storage.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid storage backend: %s (valid: %v)", c.Storage.Backend, ValidBackends)
	}

	valid = false
	for _, p := range ValidProviders {
		if c.Similarity.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid similarity provider: %s (valid: %v)", c.Similarity.Provider, ValidProviders)
	}

	if c.Similarity.Provider == "genai" && c.Similarity.GenAIAPIKey == "" {
		return fmt.Errorf("similarity provider genai requires an API key (set GEMINI_API_KEY)")
	}

	return nil
}
