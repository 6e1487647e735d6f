// Package monitor watches freshly deployed tool versions and rolls them
// back when live traffic shows they made things worse.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goalforge/internal/logging"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// Tier names the active rollback policy, which tightens with the age of
// the deployment.
type Tier string

const (
	TierImmediate Tier = "immediate"
	TierFast      Tier = "fast"
	TierStandard  Tier = "standard"
)

// Verdict of one health check.
const (
	VerdictHealthy      = "healthy"
	VerdictRollback     = "rollback"
	VerdictInsufficient = "insufficient_data"
	VerdictCompleted    = "completed"
)

// Config holds the monitoring thresholds.
type Config struct {
	BaselineWindow      time.Duration // prior data used as the baseline
	ImmediateWindow     time.Duration // immediate tier duration after deploy
	FastWindow          time.Duration // fast tier duration after deploy
	FastFailureDelta    float64       // absolute failure-rate increase for fast rollback
	RegressionThreshold float64       // success-rate drop for standard rollback
	MinExecutions       int           // invocations needed before judging
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		BaselineWindow:      7 * 24 * time.Hour,
		ImmediateWindow:     time.Minute,
		FastWindow:          time.Hour,
		FastFailureDelta:    0.30,
		RegressionThreshold: 0.15,
		MinExecutions:       10,
	}
}

// Invalidator is the pathway cache surface rollback needs.
type Invalidator interface {
	InvalidateByHash(toolName, newHash string) (int, error)
}

// Monitor evaluates active deployment sessions against live invocations.
type Monitor struct {
	cfg      Config
	store    *store.Store
	registry *tools.Registry
	cache    Invalidator
	dir      string

	// now is swapped in tests.
	now func() time.Time
}

// New builds a monitor over the tool directory.
func New(cfg Config, st *store.Store, registry *tools.Registry, cache Invalidator, dir string) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    st,
		registry: registry,
		cache:    cache,
		dir:      dir,
		now:      time.Now,
	}
}

// CheckAll evaluates every active session once. Returns the sessions rolled
// back this pass.
func (m *Monitor) CheckAll() ([]string, error) {
	sessions, err := m.store.ActiveSessions()
	if err != nil {
		return nil, err
	}
	var rolledBack []string
	for _, sess := range sessions {
		rb, err := m.Check(sess)
		if err != nil {
			logging.Get(logging.CategoryMonitor).Error("check of session %s failed: %v", sess.ID, err)
			continue
		}
		if rb {
			rolledBack = append(rolledBack, sess.ToolName)
		}
	}
	return rolledBack, nil
}

// Check evaluates one session. Returns true when it rolled the tool back.
func (m *Monitor) Check(sess store.DeploymentSession) (bool, error) {
	now := m.now()

	if now.After(sess.WindowEndsAt) {
		_ = m.store.RecordHealthCheck(store.HealthCheck{
			SessionID: sess.ID, Tier: string(m.tier(sess, now)), Verdict: VerdictCompleted,
		})
		if err := m.store.UpdateSessionStatus(sess.ID, store.SessionCompleted); err != nil {
			return false, err
		}
		logging.Monitor("session %s for %s completed healthy", sess.ID, sess.ToolName)
		return false, nil
	}

	invocations, err := m.store.InvocationsByToolSince(sess.ToolName, sess.DeployedAt)
	if err != nil {
		return false, err
	}
	baselineOK, baselineTotal, err := m.store.ToolSuccessRateBetween(
		sess.ToolName, sess.DeployedAt.Add(-m.cfg.BaselineWindow), sess.DeployedAt)
	if err != nil {
		return false, err
	}
	baseline := 0.0
	if baselineTotal > 0 {
		baseline = float64(baselineOK) / float64(baselineTotal)
	}

	tier := m.tier(sess, now)
	rolling := successRate(invocations)
	verdict, reason := m.evaluate(tier, invocations, rolling, baseline)

	_ = m.store.RecordHealthCheck(store.HealthCheck{
		SessionID:       sess.ID,
		Tier:            string(tier),
		RollingSuccess:  rolling,
		BaselineSuccess: baseline,
		Invocations:     len(invocations),
		Verdict:         verdict,
	})

	if verdict != VerdictRollback {
		return false, nil
	}
	if err := m.Rollback(sess, tier, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Monitor) tier(sess store.DeploymentSession, now time.Time) Tier {
	elapsed := now.Sub(sess.DeployedAt)
	switch {
	case elapsed < m.cfg.ImmediateWindow:
		return TierImmediate
	case elapsed < m.cfg.FastWindow:
		return TierFast
	default:
		return TierStandard
	}
}

// evaluate applies the tier policy to the post-deploy invocations.
func (m *Monitor) evaluate(tier Tier, invocations []store.ToolInvocation, rolling, baseline float64) (string, string) {
	switch tier {
	case TierImmediate:
		// Any load-time or signature error, or three consecutive failures.
		for _, inv := range invocations {
			if !inv.Success && isLoadError(inv.Error) {
				return VerdictRollback, fmt.Sprintf("load-time error just after deploy: %s", inv.Error)
			}
		}
		if consecutiveFailures(invocations) >= 3 {
			return VerdictRollback, "three consecutive failures immediately after deploy"
		}
		return VerdictHealthy, ""

	case TierFast:
		if len(invocations) < m.cfg.MinExecutions {
			return VerdictInsufficient, ""
		}
		// Judge the most recent invocations only, so an emerging spike is
		// not diluted by earlier healthy traffic in the same window.
		recent := invocations
		if len(recent) > m.cfg.MinExecutions {
			recent = recent[len(recent)-m.cfg.MinExecutions:]
		}
		failure := 1 - successRate(recent)
		baselineFailure := 1 - baseline
		if failure > baselineFailure+m.cfg.FastFailureDelta {
			return VerdictRollback, fmt.Sprintf("failure rate %.0f%% exceeds baseline %.0f%% by more than %.0f%%",
				failure*100, baselineFailure*100, m.cfg.FastFailureDelta*100)
		}
		return VerdictHealthy, ""

	default: // standard
		if len(invocations) < m.cfg.MinExecutions {
			return VerdictInsufficient, ""
		}
		if rolling < baseline-m.cfg.RegressionThreshold {
			return VerdictRollback, fmt.Sprintf("success rate %.0f%% fell below baseline %.0f%% minus %.0f%%",
				rolling*100, baseline*100, m.cfg.RegressionThreshold*100)
		}
		return VerdictHealthy, ""
	}
}

// Rollback restores the backup, reloads the registry, invalidates pathways
// cached against the bad version, and records the event.
func (m *Monitor) Rollback(sess store.DeploymentSession, tier Tier, reason string) error {
	data, err := os.ReadFile(sess.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", sess.BackupPath, err)
	}
	// The file can be named differently from the tool it declares; the
	// registry knows where the deployed version actually lives.
	target := filepath.Join(m.dir, sess.ToolName+".go")
	if t, ok := m.registry.Get(sess.ToolName); ok && t.SourcePath != "" {
		target = t.SourcePath
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", target, err)
	}
	if _, err := m.registry.Refresh(); err != nil {
		return err
	}

	restoredHash, ok := m.registry.Hash(sess.ToolName)
	if !ok {
		return fmt.Errorf("restored tool %s did not load", sess.ToolName)
	}
	if m.cache != nil {
		if _, err := m.cache.InvalidateByHash(sess.ToolName, restoredHash); err != nil {
			return err
		}
	}

	if _, err := m.store.RecordVersion(sess.ToolName, restoredHash, store.AuthorGenerated,
		fmt.Sprintf("rollback of version %d (%s tier)", sess.Version, tier)); err != nil {
		return err
	}
	if err := m.store.RecordRollback(store.Rollback{
		SessionID: sess.ID,
		ToolName:  sess.ToolName,
		Tier:      string(tier),
		Reason:    reason,
		FromHash:  sess.NewHash,
		ToHash:    restoredHash,
	}); err != nil {
		return err
	}
	if err := m.store.UpdateSessionStatus(sess.ID, store.SessionRolledBack); err != nil {
		return err
	}

	logging.Monitor("rolled back %s (%s tier): %s", sess.ToolName, tier, reason)
	return nil
}

func successRate(invocations []store.ToolInvocation) float64 {
	if len(invocations) == 0 {
		return 0
	}
	ok := 0
	for _, inv := range invocations {
		if inv.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(invocations))
}

// consecutiveFailures counts the failure streak at the tail of the
// invocation list (oldest first).
func consecutiveFailures(invocations []store.ToolInvocation) int {
	n := 0
	for i := len(invocations) - 1; i >= 0; i-- {
		if invocations[i].Success {
			break
		}
		n++
	}
	return n
}

func isLoadError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"evaluation failed", "not found", "wrong signature", "forbidden import", "syntax error"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
