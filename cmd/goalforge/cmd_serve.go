package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var watchDebounce time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the autonomous loop and tool directory watcher",
	Long: `Runs the engine in the background: the autonomous loop reconciles the
tool directory, health-checks active deployments, and improves weak tools on a
fixed cadence, while a filesystem watcher reacts to tool edits immediately.
Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "tool directory watch debounce")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("serving",
		zap.String("tools", eng.toolsDir),
		zap.Duration("check_interval", cfg.Loop.CheckInterval),
		zap.Duration("maintenance_interval", cfg.Loop.MaintenanceInterval))
	fmt.Println(titleStyle.Render("goalforge"), dimStyle.Render("autonomous loop running, ctrl-c to stop"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.loop.Run(ctx) })
	g.Go(func() error { return eng.lifecycle.Watch(ctx, watchDebounce) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return opErr(err)
	}
	logger.Info("stopped")
	return nil
}
