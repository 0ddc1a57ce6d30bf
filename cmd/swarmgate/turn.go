package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swarmgate/internal/config"
	"swarmgate/internal/loopdetect"
	"swarmgate/internal/trajectory"
)

var (
	// turn flags
	turnPrompt       string
	turnState        string
	turnTokens       int
	turnContribution float64
	turnTasks        int
	turnContextPct   float64

	// compress flags
	compressContextPct float64
)

// turnCmd evaluates a single agent turn: loop detection, usage recording,
// and alerting in one shot.
var turnCmd = &cobra.Command{
	Use:   "turn [agent-id]",
	Short: "Evaluate one agent turn and print any interventions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}

		comps, err := buildComponents(cfg)
		if err != nil {
			return err
		}
		defer comps.close()

		agentID := args[0]
		var detection *loopdetect.LoopDetection

		// Loop detection and usage recording are independent; run them
		// concurrently and join before reporting.
		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			var err error
			detection, err = comps.detector.CheckAllLoops(ctx, agentID, turnPrompt, turnState)
			return err
		})
		g.Go(func() error {
			comps.monitor.RecordTokenUsage(agentID, turnTokens)
			if turnContextPct > 0 {
				comps.monitor.RecordContextPercentage(turnContextPct)
			}
			comps.manager.TrackUsage(agentID, turnTokens, turnContribution, turnTasks)
			return nil
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("cannot evaluate this turn: %w", err)
		}

		out := cmd.OutOrStdout()
		if detection != nil {
			comps.monitor.RecordLoopDetection(agentID)
			fmt.Fprintf(out, "Loop detected: %s for agent %s (count %d)\n",
				detection.Type, detection.AgentID, detection.LoopCount)
		} else {
			fmt.Fprintf(out, "No loop detected for agent %s\n", agentID)
		}

		for _, alert := range comps.monitor.GetAllAlerts() {
			fmt.Fprintf(out, "Alert [%s]: %s\n", alert.Type, alert.Message)
		}
		if msg, ok := comps.manager.CheckPruningCandidate(agentID); ok {
			fmt.Fprintf(out, "Advisory: %s\n", msg)
		}
		return nil
	},
}

// turnRecord is one line of a simulation input file.
type turnRecord struct {
	AgentID      string  `json:"agent_id"`
	Prompt       string  `json:"prompt"`
	State        string  `json:"state"`
	Tokens       int     `json:"tokens"`
	Contribution float64 `json:"contribution"`
	Tasks        int     `json:"tasks_completed"`
	ContextPct   float64 `json:"context_pct"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// simulateCmd replays a recorded sequence of agent turns through the full
// control plane and reports everything that fired.
var simulateCmd = &cobra.Command{
	Use:   "simulate [turns.json]",
	Short: "Replay a JSON file of agent turns and report detections, alerts, and budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}

		var turns []turnRecord
		if err := readJSONFile(args[0], &turns); err != nil {
			return err
		}

		comps, err := buildComponents(cfg)
		if err != nil {
			return err
		}
		defer comps.close()

		out := cmd.OutOrStdout()
		detections := 0
		for i, turn := range turns {
			// Detection is order-dependent, so turns replay
			// sequentially in file order.
			detection, err := comps.detector.CheckAllLoops(cmd.Context(), turn.AgentID, turn.Prompt, turn.State)
			if err != nil {
				return fmt.Errorf("turn %d: cannot evaluate: %w", i, err)
			}

			ts := time.Now()
			if turn.Timestamp != "" {
				parsed, err := time.Parse(time.RFC3339, turn.Timestamp)
				if err != nil {
					return fmt.Errorf("turn %d: bad timestamp %q: %w", i, turn.Timestamp, err)
				}
				ts = parsed
			}
			comps.monitor.RecordTokenUsageAt(turn.AgentID, turn.Tokens, ts)
			if turn.ContextPct > 0 {
				comps.monitor.RecordContextPercentageAt(turn.ContextPct, ts)
			}
			comps.manager.TrackUsage(turn.AgentID, turn.Tokens, turn.Contribution, turn.Tasks)

			if detection != nil {
				detections++
				comps.monitor.RecordLoopDetection(turn.AgentID)
				fmt.Fprintf(out, "turn %d: loop detected: %s for agent %s (count %d)\n",
					i, detection.Type, detection.AgentID, detection.LoopCount)
			}
		}

		for _, alert := range comps.monitor.GetAllAlerts() {
			fmt.Fprintf(out, "Alert [%s]: %s\n", alert.Type, alert.Message)
		}
		if overflow := comps.monitor.PredictContextOverflow(); overflow != nil {
			fmt.Fprintf(out, "Context overflow predicted in %.0fs (now %.1f%%, %.1f%%/min)\n",
				overflow.TimeToThreshold, overflow.CurrentPercentage, overflow.RatePerMinute)
		}

		if comps.manager.CheckImbalance() {
			fmt.Fprintln(out, "Contribution imbalance detected, reallocating budget:")
			alloc := comps.manager.ReallocateBudget(cfg.Budget.Total)
			fmt.Fprintf(out, "  per agent: %d tokens, safety reserve: %d tokens\n",
				alloc.PerAgent, alloc.SafetyReserve)
			for _, note := range alloc.Adjustments {
				fmt.Fprintf(out, "  %s\n", note)
			}
		}
		for _, agent := range comps.manager.TrackedAgents() {
			if msg, ok := comps.manager.CheckPruningCandidate(agent); ok {
				fmt.Fprintf(out, "Advisory: %s\n", msg)
			}
		}

		fmt.Fprintf(out, "Replayed %d turns, %d loop detections.\n", len(turns), detections)
		stats := comps.detector.GetInterventionStats()
		logger.Info("simulation finished",
			zap.Int("turns", len(turns)),
			zap.Int("exact_loops", stats.ExactLoops),
			zap.Int("semantic_loops", stats.SemanticLoops),
			zap.Int("state_oscillations", stats.StateOscillations))
		return nil
	},
}

// compressCmd runs the trajectory compressor over a recorded action log.
var compressCmd = &cobra.Command{
	Use:   "compress [trajectory.json]",
	Short: "Compress a trajectory log and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		var log trajectory.TrajectoryLog
		if err := readJSONFile(args[0], &log); err != nil {
			return err
		}

		compressor := trajectory.NewCompressor(cfg.Trajectory, logger)
		if !compressor.ShouldCompress(compressContextPct, len(log.Entries), log.TokensUsed) {
			fmt.Fprintf(cmd.OutOrStdout(),
				"No compression needed (context %.2f, %d steps, %d tokens)\n",
				compressContextPct, len(log.Entries), log.TokensUsed)
			return nil
		}

		return printJSON(cmd.OutOrStdout(), compressor.CompressTrajectory(&log))
	},
}

// filterCmd runs the stricter supersession filter over a recorded action log.
var filterCmd = &cobra.Command{
	Use:   "filter [trajectory.json]",
	Short: "Filter superseded and redundant entries from a trajectory log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		var log trajectory.TrajectoryLog
		if err := readJSONFile(args[0], &log); err != nil {
			return err
		}

		compressor := trajectory.NewCompressor(cfg.Trajectory, logger)
		return printJSON(cmd.OutOrStdout(), compressor.FilterExpiredInfo(log.Entries))
	},
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	turnCmd.Flags().StringVar(&turnPrompt, "prompt", "", "the prompt the agent is about to run")
	turnCmd.Flags().StringVar(&turnState, "state", "", "the agent's current state label")
	turnCmd.Flags().IntVar(&turnTokens, "tokens", 0, "tokens consumed this turn")
	turnCmd.Flags().Float64Var(&turnContribution, "contribution", 0.5, "contribution score for this turn (0-1)")
	turnCmd.Flags().IntVar(&turnTasks, "tasks", 0, "tasks completed this turn")
	turnCmd.Flags().Float64Var(&turnContextPct, "context-pct", 0, "current context window usage percentage")

	compressCmd.Flags().Float64Var(&compressContextPct, "context-pct", 1.0, "context fraction used (0-1)")
}
