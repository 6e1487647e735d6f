package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"goalforge/internal/embedding"
	"goalforge/internal/pathway"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

const helloSource = `package main

func Define() string {
	return ` + "`" + `{"name": "hello_world", "description": "Greets the caller"}` + "`" + `
}

func RunTool(input string) (string, error) {
	return "hello", nil
}
`

type fixture struct {
	mgr      *Manager
	store    *store.Store
	registry *tools.Registry
	cache    *pathway.Cache
	dir      string
	alerts   []Alert
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	loader := tools.NewLoader(dir, tools.NewSandbox(5*time.Second))
	registry := tools.NewRegistry(loader)

	cache, err := pathway.New(st, embedding.NewLocalHashEngine(256), registry, 0.90, 0.85)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: st, registry: registry, cache: cache, dir: dir}
	f.mgr = New(DefaultConfig(), registry, st, cache, dir, func(a Alert) {
		f.alerts = append(f.alerts, a)
	})
	return f
}

func (f *fixture) writeTool(t *testing.T, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name+".go"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) recordUses(t *testing.T, name string, successes, failures int) {
	t.Helper()
	execID := uuid.NewString()
	for i := 0; i < successes; i++ {
		if err := f.store.RecordInvocation(store.ToolInvocation{
			ExecutionID: execID, ToolName: name, Success: true, DurationMs: 10,
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < failures; i++ {
		if err := f.store.RecordInvocation(store.ToolInvocation{
			ExecutionID: execID, ToolName: name, Success: false, DurationMs: 10,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReconcileRegistersNewTools(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)

	report, err := f.mgr.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(report.Registered) != 1 || report.Registered[0] != "hello_world" {
		t.Errorf("registered = %v", report.Registered)
	}

	rec, _ := f.store.GetLifecycle("hello_world")
	if rec == nil || rec.Status != store.StatusActive {
		t.Errorf("lifecycle = %+v", rec)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)

	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.CountAuditEvents()

	report, err := f.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Registered)+len(report.Deleted)+len(report.Modified)+len(report.Archived) != 0 {
		t.Errorf("second pass reported changes: %+v", report)
	}
	after, _ := f.store.CountAuditEvents()
	if after != before {
		t.Errorf("second pass appended %d audit events", after-before)
	}
}

func TestDeletionInvalidatesPathwaysAndAlerts(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}

	hash, _ := f.registry.Hash("hello_world")
	if _, err := f.cache.Store(context.Background(), "Say hello", nil,
		map[string]string{"hello_world": hash}); err != nil {
		t.Fatal(err)
	}

	// Valuable history: 24 successful uses.
	f.recordUses(t, "hello_world", 24, 0)

	if err := os.Remove(filepath.Join(f.dir, "hello_world.go")); err != nil {
		t.Fatal(err)
	}

	report, err := f.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 1 {
		t.Fatalf("deleted = %v", report.Deleted)
	}
	if report.Invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", report.Invalidated)
	}
	if len(f.alerts) != 1 || f.alerts[0].ToolName != "hello_world" {
		t.Errorf("alerts = %+v", f.alerts)
	}

	rec, _ := f.store.GetLifecycle("hello_world")
	if rec.Status != store.StatusDeleted {
		t.Errorf("status = %s", rec.Status)
	}
	valid, _, _ := f.cache.Counts()
	if valid != 0 {
		t.Error("pathway survived tool deletion")
	}

	// No Find after reconcile may return a pathway on the deleted tool.
	hit, _ := f.cache.Find(context.Background(), "Say hello")
	if hit != nil {
		t.Error("Find returned a pathway depending on a deleted tool")
	}
}

func TestDeletionWithoutValueDoesNotAlert(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	f.recordUses(t, "hello_world", 3, 2) // 60% over 5 uses, below both bars

	if err := os.Remove(filepath.Join(f.dir, "hello_world.go")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	if len(f.alerts) != 0 {
		t.Errorf("unexpected alerts: %+v", f.alerts)
	}
}

func TestContentChangeInvalidatesByHash(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}

	hash, _ := f.registry.Hash("hello_world")
	if _, err := f.cache.Store(context.Background(), "Say hello", nil,
		map[string]string{"hello_world": hash}); err != nil {
		t.Fatal(err)
	}

	f.writeTool(t, "hello_world", helloSource+"\n// v2\n")
	report, err := f.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Modified) != 1 {
		t.Fatalf("modified = %v", report.Modified)
	}
	if report.Invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", report.Invalidated)
	}

	// Tool stays active through a rewrite.
	rec, _ := f.store.GetLifecycle("hello_world")
	if rec.Status != store.StatusActive {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestArchiveStaleDeletions(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}
	f.recordUses(t, "hello_world", 2, 0) // below archive usage bar

	if err := os.Remove(filepath.Join(f.dir, "hello_world.go")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}

	// Not old enough yet.
	report, _ := f.mgr.Reconcile()
	if len(report.Archived) != 0 {
		t.Errorf("archived too early: %v", report.Archived)
	}

	// Move the clock past the archive threshold.
	f.mgr.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
	report, err := f.mgr.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Archived) != 1 {
		t.Fatalf("archived = %v", report.Archived)
	}
	rec, _ := f.store.GetLifecycle("hello_world")
	if rec.Status != store.StatusArchived {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	f := newFixture(t)
	f.writeTool(t, "hello_world", helloSource)
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}

	// Back up, then lose the tool.
	backup := BackupPath(f.dir, "hello_world", time.Now())
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backup, []byte(helloSource), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(f.dir, "hello_world.go")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Reconcile(); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.Restore("hello_world"); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !f.registry.Has("hello_world") {
		t.Error("restored tool not registered")
	}
	rec, _ := f.store.GetLifecycle("hello_world")
	if rec.Status != store.StatusActive {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestRestoreWithoutBackupFails(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.Restore("ghost"); err == nil {
		t.Error("expected an error for a tool with no backups")
	}
}
