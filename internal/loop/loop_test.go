package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"goalforge/internal/embedding"
	"goalforge/internal/lifecycle"
	"goalforge/internal/monitor"
	"goalforge/internal/pathway"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

const greetSource = `package main

func Define() string {
	return ` + "`" + `{"name": "greet", "description": "Greets someone"}` + "`" + `
}

func RunTool(input string) (string, error) {
	return "hello", nil
}
`

func newLoop(t *testing.T, cfg Config) (*Loop, *store.Store, *tools.Registry) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.go"), []byte(greetSource), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := tools.NewLoader(dir, tools.NewSandbox(5*time.Second))
	registry := tools.NewRegistry(loader)
	cache, err := pathway.New(st, embedding.NewLocalHashEngine(64), registry, 0.90, 0.85)
	if err != nil {
		t.Fatal(err)
	}
	lm := lifecycle.New(lifecycle.DefaultConfig(), registry, st, cache, dir, nil)
	mon := monitor.New(monitor.DefaultConfig(), st, registry, cache, dir)

	return New(cfg, st, lm, mon, nil, cache), st, registry
}

func TestCycleReconcilesTools(t *testing.T) {
	l, st, registry := newLoop(t, DefaultConfig())

	l.Cycle(context.Background())

	if !registry.Has("greet") {
		t.Fatal("cycle did not register the on-disk tool")
	}
	rec, err := st.GetLifecycle("greet")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != store.StatusActive {
		t.Errorf("lifecycle = %+v, want active", rec)
	}
}

func TestCycleCompletesExpiredSessions(t *testing.T) {
	l, st, _ := newLoop(t, DefaultConfig())

	sess := store.DeploymentSession{
		ID:           "sess-1",
		ToolName:     "greet",
		Version:      2,
		OldHash:      "a",
		NewHash:      "b",
		BackupPath:   "unused",
		DeployedAt:   time.Now().Add(-48 * time.Hour),
		WindowEndsAt: time.Now().Add(-24 * time.Hour),
	}
	if err := st.CreateDeploymentSession(sess); err != nil {
		t.Fatal(err)
	}

	l.Cycle(context.Background())

	sessions, err := st.ActiveSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("expired session still active: %+v", sessions)
	}
}

func TestMaintenanceRecomputesStatistics(t *testing.T) {
	l, st, _ := newLoop(t, DefaultConfig())

	for i := 0; i < 4; i++ {
		if err := st.RecordInvocation(store.ToolInvocation{
			ExecutionID: "exec",
			ToolName:    "greet",
			Success:     i%2 == 0,
			DurationMs:  10,
		}); err != nil {
			t.Fatal(err)
		}
	}

	l.Maintenance()

	stats, err := st.ToolStats("greet")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalUses != 4 {
		t.Errorf("TotalUses = %d, want 4", stats.TotalUses)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l, st, registry := newLoop(t, Config{
		CheckInterval:       10 * time.Millisecond,
		MaintenanceInterval: 10 * time.Millisecond,
		MaxPerCycle:         1,
		EvictKeep:           10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Let at least one cycle land before cancelling.
	deadline := time.After(2 * time.Second)
	for !registry.Has("greet") {
		select {
		case <-deadline:
			t.Fatal("no cycle ran before the deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	// The sql pool's opener goroutine only exits on Close, so the store
	// must go down before the leak check. The opencensus worker is a
	// package init of a transitive dependency, not ours to stop.
	st.Close()
	goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}
