// goalforge is a self-improving goal execution engine. It discovers and runs
// sandboxed tools, caches successful execution pathways, learns decomposition
// patterns, and rewrites its own underperforming tools behind monitored
// deployments.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"goalforge/internal/config"
	"goalforge/internal/logging"
)

// Exit codes. Operational failures (a goal that could not be completed, a
// backend that went away) exit 2; configuration problems exit 3.
const (
	exitOK     = 0
	exitOpFail = 2
	exitConfig = 3
)

var (
	// Global flags
	configPath string
	workspace  string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "goalforge",
	Short: "goalforge - self-improving goal execution engine",
	Long: `goalforge executes natural-language goals through a pipeline of
sandboxed Go tools. Successful executions are cached as pathways and replayed
without LLM calls; decompositions are learned as reusable patterns; tools with
a poor track record are rewritten, proven offline, and deployed behind a
monitored session with automatic rollback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return configErr(err)
		}
		if workspace != "" {
			loaded.Workspace = workspace
		}
		if verbose {
			loaded.Logging.Debug = true
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Workspace, cfg.Logging.Debug); err != nil {
			return configErr(err)
		}

		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return configErr(fmt.Errorf("failed to initialize logger: %w", err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "goalforge.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error:"), err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func configErr(err error) error { return exitError{code: exitConfig, err: err} }
func opErr(err error) error     { return exitError{code: exitOpFail, err: err} }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitOpFail
}
