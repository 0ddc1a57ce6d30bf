// swarmgate is the health and resource control plane for a swarm of LLM
// agents. It watches every agent turn for repetition loops, tracks token
// consumption trends, manages the shared token budget, and decides when an
// agent's trajectory should be compressed.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swarmgate/internal/config"
	"swarmgate/internal/loopdetect"
	"swarmgate/internal/monitor"
	"swarmgate/internal/similarity"
	"swarmgate/internal/store"
	"swarmgate/internal/trajectory"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "swarmgate",
	Short: "swarmgate - health and resource control plane for an LLM agent swarm",
	Long: `swarmgate observes a swarm of LLM agents and gates their behavior.

It detects repetition loops (exact, semantic, state oscillation), tracks
token usage trends and context pressure, reallocates the shared token
budget, and advises when an agent's trajectory should be compressed.

swarmgate never calls a language model itself: it only classifies and
quantifies, and the orchestrator decides what intervention to perform.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// configCmd groups configuration helpers.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after defaults and overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), cfg)
	},
}

// watchCmd keeps the configuration hot-reloaded until interrupted. Useful
// when swarmgate runs embedded and the operator tunes thresholds live.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the configuration file and validate changes as they land",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}

		watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
			logger.Info("configuration reloaded",
				zap.Int("loop_exact_threshold", updated.Loop.ExactThreshold),
				zap.Float64("similarity_threshold", updated.Loop.SimilarityThreshold))
		}, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := watcher.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Watching %s (ctrl-c to stop)\n", configPath)
		<-ctx.Done()
		watcher.Stop()
		return nil
	},
}

// statsCmd reports what the persistent store knows about each agent.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-agent loop-detection history sizes from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		docs, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		agents, err := docs.Agents(store.KindHistory)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agent history recorded yet.")
			return nil
		}
		for _, agent := range agents {
			var prompts, states []string
			hashes := make(map[string]int)
			if err := docs.Load(agent, store.KindHistory, &prompts); err != nil {
				return err
			}
			if err := docs.Load(agent, store.KindState, &states); err != nil {
				return err
			}
			if err := docs.Load(agent, store.KindHashes, &hashes); err != nil {
				return err
			}
			repeats := 0
			for _, c := range hashes {
				if c >= cfg.Loop.ExactThreshold {
					repeats++
				}
			}
			fmt.Printf("%s: %d prompts, %d states, %d distinct prompts, %d at loop threshold\n",
				agent, len(prompts), len(states), len(hashes), repeats)
		}
		return nil
	},
}

// openStore builds the configured document store and returns a close func.
func openStore(cfg *config.Config) (store.DocumentStore, func(), error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewFileStore(cfg.Storage.BaseDir, logger), func() {}, nil
	}
}

// components bundles everything a turn needs.
type components struct {
	detector   *loopdetect.Detector
	monitor    *monitor.Monitor
	manager    *monitor.ResourceManager
	compressor *trajectory.Compressor
	close      func()
}

func buildComponents(cfg *config.Config) (*components, error) {
	docs, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := similarity.NewProvider(cfg.Similarity, logger)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to create similarity provider: %w", err)
	}

	var opts []monitor.Option
	if cfg.Budget.AutoReduceLowContrib {
		opts = append(opts, monitor.WithAutoReduce(cfg.Budget.ReductionPercent))
	}

	return &components{
		detector:   loopdetect.NewDetector(cfg.Loop, docs, provider, logger),
		monitor:    monitor.NewMonitor(cfg.Monitor, logger),
		manager:    monitor.NewResourceManager(cfg.Budget, logger, opts...),
		compressor: trajectory.NewCompressor(cfg.Trajectory, logger),
		close:      closeStore,
	}, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".swarmgate/config.yaml", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd, watchCmd, statsCmd, turnCmd, simulateCmd, compressCmd, filterCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
