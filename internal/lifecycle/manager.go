// Package lifecycle reconciles the tool directory with the registry and the
// persisted lifecycle records. It is the only writer of lifecycle state and
// the only component that mutates the tool directory outside deployment.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"goalforge/internal/logging"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// Invalidator is the pathway cache surface reconciliation needs.
type Invalidator interface {
	InvalidateByTool(toolName string) (int, error)
	InvalidateByHash(toolName, newHash string) (int, error)
}

// Alert is raised when a valuable tool disappears from disk.
type Alert struct {
	ToolName    string
	SuccessRate float64
	TotalUses   int
	Value       float64
	Message     string
}

// Config holds the reconciliation thresholds.
type Config struct {
	AlertSuccessRate float64       // deletion alerts require at least this
	AlertMinUses     int           // and at least this many uses
	ArchiveAfter     time.Duration // deleted records older than this
	ArchiveMaxUses   int           // with fewer uses than this get archived
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AlertSuccessRate: 0.85,
		AlertMinUses:     20,
		ArchiveAfter:     90 * 24 * time.Hour,
		ArchiveMaxUses:   10,
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Registered  []string
	Deleted     []string
	Modified    []string
	Archived    []string
	Alerts      []Alert
	Invalidated int
}

// Manager drives reconciliation and restores.
type Manager struct {
	cfg      Config
	registry *tools.Registry
	store    *store.Store
	cache    Invalidator
	dir      string
	alertFn  func(Alert)

	// now is swapped in tests that age records artificially.
	now func() time.Time
}

// New builds a manager. alertFn may be nil; alerts are then only logged.
func New(cfg Config, registry *tools.Registry, st *store.Store, cache Invalidator, dir string, alertFn func(Alert)) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		store:    st,
		cache:    cache,
		dir:      dir,
		alertFn:  alertFn,
		now:      time.Now,
	}
}

// Reconcile brings registry and lifecycle records in line with the tool
// directory. It is idempotent: running it twice in a row changes nothing
// the second time.
func (m *Manager) Reconcile() (*Report, error) {
	report := &Report{}

	changes, err := m.registry.Refresh()
	if err != nil {
		return nil, fmt.Errorf("registry refresh failed: %w", err)
	}

	for _, ch := range changes {
		switch ch.Kind {
		case tools.ChangeAdded:
			if _, err := m.store.SetLifecycleStatus(ch.ToolName, store.StatusActive, "discovered on disk"); err != nil {
				return nil, err
			}
			report.Registered = append(report.Registered, ch.ToolName)

		case tools.ChangeRemoved:
			if err := m.handleDeletion(ch.ToolName, report); err != nil {
				return nil, err
			}

		case tools.ChangeModified:
			n, err := m.cache.InvalidateByHash(ch.ToolName, ch.NewHash)
			if err != nil {
				return nil, err
			}
			report.Invalidated += n
			report.Modified = append(report.Modified, ch.ToolName)
			logging.Lifecycle("tool %s changed content, %d pathways invalidated", ch.ToolName, n)
		}
	}

	// Registered tools can lack lifecycle records after a fresh database.
	for _, name := range m.registry.Names() {
		rec, err := m.store.GetLifecycle(name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			if _, err := m.store.SetLifecycleStatus(name, store.StatusActive, "discovered on disk"); err != nil {
				return nil, err
			}
			report.Registered = append(report.Registered, name)
		}
	}

	if err := m.archiveStale(report); err != nil {
		return nil, err
	}

	if len(report.Registered)+len(report.Deleted)+len(report.Modified)+len(report.Archived) > 0 {
		logging.Lifecycle("reconciled: +%d -%d ~%d archived %d, %d pathways invalidated",
			len(report.Registered), len(report.Deleted), len(report.Modified),
			len(report.Archived), report.Invalidated)
	}
	return report, nil
}

// handleDeletion marks the tool deleted, alerts when it was valuable, and
// invalidates dependent pathways.
func (m *Manager) handleDeletion(name string, report *Report) error {
	stats, err := m.store.ToolStats(name)
	if err != nil {
		return err
	}

	value := stats.SuccessRate() * float64(stats.TotalUses)
	if stats.SuccessRate() >= m.cfg.AlertSuccessRate && stats.TotalUses >= m.cfg.AlertMinUses {
		alert := Alert{
			ToolName:    name,
			SuccessRate: stats.SuccessRate(),
			TotalUses:   stats.TotalUses,
			Value:       value,
			Message: fmt.Sprintf("tool %s deleted from disk but had %.0f%% success over %d uses; restore with the lifecycle restore operation",
				name, stats.SuccessRate()*100, stats.TotalUses),
		}
		report.Alerts = append(report.Alerts, alert)
		logging.Get(logging.CategoryLifecycle).Warn("%s", alert.Message)
		if m.alertFn != nil {
			m.alertFn(alert)
		}
	}

	reason := fmt.Sprintf("file removed from disk (value %.1f)", value)
	if _, err := m.store.SetLifecycleStatus(name, store.StatusDeleted, reason); err != nil {
		return err
	}

	n, err := m.cache.InvalidateByTool(name)
	if err != nil {
		return err
	}
	report.Invalidated += n
	report.Deleted = append(report.Deleted, name)
	return nil
}

// archiveStale moves old, little-used deleted records to archived.
func (m *Manager) archiveStale(report *Report) error {
	deleted, err := m.store.ListLifecycle(store.StatusDeleted)
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-m.cfg.ArchiveAfter)
	for _, rec := range deleted {
		if rec.StatusChangedAt.After(cutoff) {
			continue
		}
		stats, err := m.store.ToolStats(rec.ToolName)
		if err != nil {
			return err
		}
		if stats.TotalUses >= m.cfg.ArchiveMaxUses {
			continue
		}
		if _, err := m.store.SetLifecycleStatus(rec.ToolName, store.StatusArchived,
			fmt.Sprintf("deleted for over %s with %d uses", m.cfg.ArchiveAfter, stats.TotalUses)); err != nil {
			return err
		}
		report.Archived = append(report.Archived, rec.ToolName)
	}
	return nil
}

// Restore copies the most recent backup of a tool back into the directory,
// re-registers it and marks it active.
func (m *Manager) Restore(name string) error {
	backup, err := LatestBackup(m.dir, name)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backup, err)
	}
	// A still-registered tool restores over its actual source file, which
	// can be named differently from the tool it declares. A deleted tool
	// has no registry entry; its file gets the tool's name.
	target := filepath.Join(m.dir, name+".go")
	if t, ok := m.registry.Get(name); ok && t.SourcePath != "" {
		target = t.SourcePath
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", target, err)
	}

	if _, err := m.registry.Refresh(); err != nil {
		return err
	}
	if !m.registry.Has(name) {
		return fmt.Errorf("restored file did not load as tool %s", name)
	}
	if _, err := m.store.SetLifecycleStatus(name, store.StatusActive,
		fmt.Sprintf("restored from %s", filepath.Base(backup))); err != nil {
		return err
	}
	logging.Lifecycle("restored %s from %s", name, filepath.Base(backup))
	return nil
}

// LatestBackup returns the newest backup file for a tool. Backups are named
// <tool>_<unix-timestamp>.go under <dir>/backups.
func LatestBackup(dir, name string) (string, error) {
	pattern := filepath.Join(dir, "backups", name+"_*.go")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no backups found for tool %s", name)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// BackupPath returns where a fresh backup of a tool should be written.
func BackupPath(dir, name string, at time.Time) string {
	return filepath.Join(dir, "backups", fmt.Sprintf("%s_%d.go", name, at.Unix()))
}

// ToolNameFromFile derives the tool name from a source file name.
func ToolNameFromFile(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".go")
}
