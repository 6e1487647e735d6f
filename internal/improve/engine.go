// Package improve generates replacement tool sources, proves them offline,
// and deploys them behind a monitored session. It is the only component
// besides lifecycle restore that writes into the tool directory.
package improve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"goalforge/internal/lifecycle"
	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// Strategy is how a candidate replacement is proven before deployment.
type Strategy string

const (
	StrategyShadow    Strategy = "shadow"
	StrategyReplay    Strategy = "replay"
	StrategySynthetic Strategy = "synthetic"
	StrategyManual    Strategy = "manual"
)

// Config holds the improvement thresholds and gates.
type Config struct {
	Threshold     float64       // tools below this success rate are candidates
	MinExecutions int           // with at least this many uses
	ShadowGate    float64       // required result agreement for shadow
	ReplayGate    float64       // required pass rate for replay
	ReplayWindow  int           // recorded invocations to replay (K)
	MonitorWindow time.Duration // handed to the deployment session
}

// DefaultConfig returns the standard gates.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.7,
		MinExecutions: 10,
		ShadowGate:    0.95,
		ReplayGate:    0.90,
		ReplayWindow:  20,
		MonitorWindow: 24 * time.Hour,
	}
}

// Invalidator is the pathway cache surface deployment needs.
type Invalidator interface {
	InvalidateByHash(toolName, newHash string) (int, error)
}

// TestReport describes how the candidate fared against its gate.
type TestReport struct {
	Strategy   Strategy
	Total      int
	Passed     int
	Agreement  float64 // shadow only
	Regression int     // replay only
	Notes      []string
}

// Report is the outcome of one Improve call.
type Report struct {
	ToolName  string
	Deployed  bool
	VersionID int
	SessionID string
	Strategy  Strategy
	Test      TestReport
	Reason    string
}

// Opportunity is a tool worth improving.
type Opportunity struct {
	ToolName    string
	SuccessRate float64
	TotalUses   int
}

// Engine drives the improvement pipeline.
type Engine struct {
	cfg      Config
	store    *store.Store
	client   llm.Client
	registry *tools.Registry
	sandbox  *tools.Sandbox
	cache    Invalidator
	dir      string
}

// New builds an engine over the tool directory.
func New(cfg Config, st *store.Store, client llm.Client, registry *tools.Registry,
	sandbox *tools.Sandbox, cache Invalidator, dir string) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		client:   client,
		registry: registry,
		sandbox:  sandbox,
		cache:    cache,
		dir:      dir,
	}
}

// Opportunities returns registered tools whose track record is below the
// improvement threshold with enough history to judge.
func (e *Engine) Opportunities() ([]Opportunity, error) {
	var out []Opportunity
	for _, name := range e.registry.Names() {
		stats, err := e.store.ToolStats(name)
		if err != nil {
			return nil, err
		}
		if stats.TotalUses >= e.cfg.MinExecutions && stats.SuccessRate() < e.cfg.Threshold {
			out = append(out, Opportunity{
				ToolName:    name,
				SuccessRate: stats.SuccessRate(),
				TotalUses:   stats.TotalUses,
			})
		}
	}
	return out, nil
}

// Improve generates a replacement for the tool, gates it offline, and
// deploys on success. Every failure restores the previous state and records
// a failed attempt.
func (e *Engine) Improve(ctx context.Context, toolName string) (*Report, error) {
	report := &Report{ToolName: toolName}

	tool, ok := e.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, toolName)
	}
	if tool.SourcePath == "" {
		return e.skip(report, "tool has no source file to improve")
	}

	report.Strategy = selectStrategy(tool.Definition)
	if report.Strategy == StrategyManual {
		return e.skip(report, "tool characteristics forbid automatic testing")
	}

	history, err := e.store.RecentInvocationsByTool(toolName, e.cfg.ReplayWindow)
	if err != nil {
		return nil, err
	}

	newSource, err := e.generate(ctx, tool, history)
	if err != nil {
		return e.fail(report, fmt.Sprintf("generation failed: %v", err))
	}
	if err := ValidateSource(e.sandbox, newSource, toolName); err != nil {
		return e.fail(report, fmt.Sprintf("candidate rejected: %v", err))
	}

	test, ok := e.gate(ctx, report.Strategy, tool, newSource, history)
	report.Test = test
	if !ok {
		return e.fail(report, fmt.Sprintf("%s gate not met: %d/%d passed", report.Strategy, test.Passed, test.Total))
	}

	if err := e.deploy(ctx, report, tool, newSource); err != nil {
		return e.fail(report, fmt.Sprintf("deployment failed: %v", err))
	}

	report.Deployed = true
	_ = e.store.RecordImprovementAttempt(store.ImprovementAttempt{
		ToolName: toolName,
		Strategy: string(report.Strategy),
		Status:   "deployed",
		Detail:   fmt.Sprintf("version %d, %d/%d tests passed", report.VersionID, test.Passed, test.Total),
	})
	logging.Improve("deployed improved %s as version %d (%s, %d/%d passed)",
		toolName, report.VersionID, report.Strategy, test.Passed, test.Total)
	return report, nil
}

// generate asks the LLM for a replacement source, feeding it the current
// source and recent failures.
func (e *Engine) generate(ctx context.Context, tool *tools.Tool, history []store.ToolInvocation) (string, error) {
	var failures strings.Builder
	for _, inv := range history {
		if inv.Success {
			continue
		}
		fmt.Fprintf(&failures, "- input %s failed: %s\n", clip(inv.Input, 200), clip(inv.Error, 200))
	}

	system := `You improve Go tool source files. A tool file declares package main and exports:
  func Define() string                        // JSON definition, keep it identical
  func RunTool(input string) (string, error)  // input is JSON parameters
Only standard library imports from this whitelist are allowed: strings, strconv, fmt, errors, math, regexp, encoding/json, encoding/base64, encoding/csv, time, sort, bytes, unicode, unicode/utf8.
Respond with the complete new file in a single Go code block.`

	user := fmt.Sprintf("Tool %s has a poor track record. Current source:\n\n```go\n%s\n```\n\nRecent failures:\n%s\nProduce a corrected version that keeps the same Define() output.",
		tool.Definition.Name, tool.Source, failures.String())

	resp, err := e.client.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return "", err
	}
	code := llm.ExtractCodeBlock(resp)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("no code block in response")
	}
	return code, nil
}

// skip records a skipped attempt without touching anything.
func (e *Engine) skip(report *Report, reason string) (*Report, error) {
	report.Reason = reason
	_ = e.store.RecordImprovementAttempt(store.ImprovementAttempt{
		ToolName: report.ToolName,
		Strategy: string(report.Strategy),
		Status:   "skipped",
		Detail:   reason,
	})
	logging.Improve("skipping %s: %s", report.ToolName, reason)
	return report, nil
}

// fail records a failed attempt. Nothing was deployed.
func (e *Engine) fail(report *Report, reason string) (*Report, error) {
	report.Reason = reason
	_ = e.store.RecordImprovementAttempt(store.ImprovementAttempt{
		ToolName: report.ToolName,
		Strategy: string(report.Strategy),
		Status:   "failed",
		Detail:   reason,
	})
	logging.Improve("improvement of %s failed: %s", report.ToolName, reason)
	return report, nil
}

// deploy backs up the old file, writes the new source, reloads, invalidates
// dependent pathways, records the version, and opens a monitoring session.
// Any error rolls the file back before returning.
func (e *Engine) deploy(ctx context.Context, report *Report, tool *tools.Tool, newSource string) error {
	now := time.Now()
	backup := lifecycle.BackupPath(e.dir, tool.Definition.Name, now)
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(backup, []byte(tool.Source), 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	target := tool.SourcePath
	if err := os.WriteFile(target, []byte(newSource), 0o644); err != nil {
		return fmt.Errorf("failed to write new source: %w", err)
	}

	restore := func() {
		if err := os.WriteFile(target, []byte(tool.Source), 0o644); err == nil {
			_, _ = e.registry.Refresh()
		}
	}

	if _, err := e.registry.Refresh(); err != nil {
		restore()
		return err
	}
	deployed, ok := e.registry.Get(tool.Definition.Name)
	if !ok {
		restore()
		return fmt.Errorf("new source did not load as tool %s", tool.Definition.Name)
	}
	newHash := deployed.Hash

	if e.cache != nil {
		if _, err := e.cache.InvalidateByHash(tool.Definition.Name, newHash); err != nil {
			restore()
			return err
		}
	}

	version, err := e.store.RecordVersion(tool.Definition.Name, newHash, store.AuthorGenerated,
		fmt.Sprintf("improvement via %s testing", report.Strategy))
	if err != nil {
		restore()
		return err
	}
	report.VersionID = version.Version

	session := store.DeploymentSession{
		ID:           uuid.NewString(),
		ToolName:     tool.Definition.Name,
		Version:      version.Version,
		OldHash:      tool.Hash,
		NewHash:      newHash,
		BackupPath:   backup,
		DeployedAt:   now,
		WindowEndsAt: now.Add(e.cfg.MonitorWindow),
	}
	if err := e.store.CreateDeploymentSession(session); err != nil {
		restore()
		return err
	}
	report.SessionID = session.ID
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
