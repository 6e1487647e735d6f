package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"goalforge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state: tools, pathways, patterns, deployments",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := eng.lifecycle.Reconcile(); err != nil {
		return opErr(err)
	}

	executions, err := eng.store.CountExecutions()
	if err != nil {
		return opErr(err)
	}
	validPathways, totalPathways, err := eng.cache.Counts()
	if err != nil {
		return opErr(err)
	}
	patterns, err := eng.learner.Count()
	if err != nil {
		return opErr(err)
	}
	sessions, err := eng.store.ActiveSessions()
	if err != nil {
		return opErr(err)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("goalforge status") + "\n\n")
	b.WriteString(kv("tools", fmt.Sprintf("%d registered", eng.registry.Count())) + "\n")
	b.WriteString(kv("executions", fmt.Sprintf("%d", executions)) + "\n")
	b.WriteString(kv("pathways", fmt.Sprintf("%d valid / %d total", validPathways, totalPathways)) + "\n")
	b.WriteString(kv("patterns", fmt.Sprintf("%d", patterns)) + "\n")
	b.WriteString(kv("deployments", fmt.Sprintf("%d under monitoring", len(sessions))))
	fmt.Println(panelStyle.Render(b.String()))

	if len(eng.registry.Names()) > 0 {
		fmt.Println(headerStyle.Render("tools"))
		for _, name := range eng.registry.Names() {
			fmt.Println("  " + toolLine(eng, name))
		}
	}
	if len(sessions) > 0 {
		fmt.Println(headerStyle.Render("monitored deployments"))
		for _, sess := range sessions {
			fmt.Printf("  %s v%d  %s\n", sess.ToolName, sess.Version,
				dimStyle.Render("window ends "+sess.WindowEndsAt.Format("2006-01-02 15:04")))
		}
	}
	return nil
}

func toolLine(eng *engine, name string) string {
	line := name
	if stats, err := eng.store.ToolStats(name); err == nil && stats.TotalUses > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %.0f%% over %d uses", stats.SuccessRate()*100, stats.TotalUses))
	}
	if rec, err := eng.store.GetLifecycle(name); err == nil && rec != nil && rec.Status != store.StatusActive {
		line += "  " + errStyle.Render(string(rec.Status))
	}
	return line
}
