package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"goalforge/internal/orchestrator"
)

var askTimeout time.Duration

var askCmd = &cobra.Command{
	Use:   "ask [goal]",
	Short: "Execute a goal through the engine",
	Long: `Runs one natural-language goal through the full pipeline: pathway cache
lookup, learned decomposition, tool discovery, sandboxed execution with error
recovery, and write-back of the successful pathway.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 5*time.Minute, "overall goal timeout")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Pick up tools that appeared on disk since the last run.
	if _, err := eng.lifecycle.Reconcile(); err != nil {
		return opErr(fmt.Errorf("tool reconciliation failed: %w", err))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	goal := strings.Join(args, " ")
	logger.Info("executing goal", zap.String("goal", goal))

	res := eng.orch.Execute(ctx, goal)
	printResult(res)

	if !res.Success {
		return opErr(fmt.Errorf("goal failed: %s", res.Explanation))
	}
	return nil
}

func printResult(res orchestrator.Result) {
	if res.Success {
		fmt.Println(okStyle.Render("✓"), res.Output)
	} else {
		fmt.Println(errStyle.Render("✗"), res.Explanation)
	}

	var badges []string
	if res.UsedPathway {
		badges = append(badges, "cached pathway")
	}
	if res.UsedPattern {
		badges = append(badges, "learned pattern")
	}
	if res.RecoveryUsed {
		badges = append(badges, "recovered")
	}
	detail := fmt.Sprintf("%dms", res.DurationMs)
	if len(res.ToolChain) > 0 {
		detail += "  tools: " + strings.Join(res.ToolChain, " > ")
	}
	if len(badges) > 0 {
		detail += "  [" + strings.Join(badges, ", ") + "]"
	}
	fmt.Println(dimStyle.Render(detail))
}
