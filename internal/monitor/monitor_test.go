package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"goalforge/internal/store"
	"goalforge/internal/tools"
)

const oldSource = `package main

func Define() string {
	return ` + "`" + `{"name": "upper", "description": "Uppercases text"}` + "`" + `
}

func RunTool(input string) (string, error) {
	return "OLD", nil
}
`

const newSource = `package main

func Define() string {
	return ` + "`" + `{"name": "upper", "description": "Uppercases text"}` + "`" + `
}

func RunTool(input string) (string, error) {
	return "NEW", nil
}
`

type invalidatorSpy struct{ calls int }

func (s *invalidatorSpy) InvalidateByHash(string, string) (int, error) {
	s.calls++
	return 1, nil
}

type fixture struct {
	mon      *Monitor
	store    *store.Store
	registry *tools.Registry
	spy      *invalidatorSpy
	dir      string
	sess     store.DeploymentSession
}

// newFixture deploys newSource with oldSource backed up, session opened at
// deployedAt.
func newFixture(t *testing.T, deployedAt time.Time, window time.Duration) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "upper.go"), []byte(newSource), 0o644); err != nil {
		t.Fatal(err)
	}
	backup := filepath.Join(dir, "backups", "upper_1.go")
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backup, []byte(oldSource), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := tools.NewLoader(dir, tools.NewSandbox(5*time.Second))
	registry := tools.NewRegistry(loader)
	if _, err := registry.Refresh(); err != nil {
		t.Fatal(err)
	}
	newHash, _ := registry.Hash("upper")

	sess := store.DeploymentSession{
		ID:           uuid.NewString(),
		ToolName:     "upper",
		Version:      2,
		OldHash:      tools.HashSource(oldSource),
		NewHash:      newHash,
		BackupPath:   backup,
		DeployedAt:   deployedAt,
		WindowEndsAt: deployedAt.Add(window),
	}
	if err := st.CreateDeploymentSession(sess); err != nil {
		t.Fatal(err)
	}

	spy := &invalidatorSpy{}
	mon := New(DefaultConfig(), st, registry, spy, dir)
	return &fixture{mon: mon, store: st, registry: registry, spy: spy, dir: dir, sess: sess}
}

func (f *fixture) record(t *testing.T, at time.Time, success bool, errText string) {
	t.Helper()
	if err := f.store.RecordInvocation(store.ToolInvocation{
		ExecutionID: "exec",
		ToolName:    "upper",
		Success:     success,
		DurationMs:  5,
		Error:       errText,
		CreatedAt:   at,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStandardTierRollsBackRegression(t *testing.T) {
	deployed := time.Now().Add(-2 * time.Hour)
	f := newFixture(t, deployed, 24*time.Hour)

	// Baseline: 90% over the prior week.
	for i := 0; i < 9; i++ {
		f.record(t, deployed.Add(-time.Duration(i+1)*time.Hour), true, "")
	}
	f.record(t, deployed.Add(-10*time.Hour), false, "flaky")

	// Post-deploy: 50% over 12 invocations, well below 0.90 - 0.15.
	for i := 0; i < 6; i++ {
		f.record(t, deployed.Add(time.Duration(i+1)*time.Minute), true, "")
		f.record(t, deployed.Add(time.Duration(i+30)*time.Minute), false, "wrong result")
	}

	rolledBack, err := f.mon.CheckAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rolledBack) != 1 || rolledBack[0] != "upper" {
		t.Fatalf("rolledBack = %v", rolledBack)
	}

	// Backup restored on disk and in the registry.
	data, _ := os.ReadFile(filepath.Join(f.dir, "upper.go"))
	if string(data) != oldSource {
		t.Error("backup not restored")
	}
	if f.spy.calls == 0 {
		t.Error("pathways not invalidated on rollback")
	}

	sessions, _ := f.store.ActiveSessions()
	if len(sessions) != 0 {
		t.Error("session still active after rollback")
	}
	rbs, _ := f.store.Rollbacks("upper")
	if len(rbs) != 1 || rbs[0].Tier != string(TierStandard) {
		t.Errorf("rollbacks = %+v", rbs)
	}
	checks, _ := f.store.HealthChecks(f.sess.ID)
	if len(checks) != 1 || checks[0].Verdict != VerdictRollback {
		t.Errorf("health checks = %+v", checks)
	}
}

func TestFastTierRollsBackRecentFailureSpike(t *testing.T) {
	deployed := time.Now().Add(-30 * time.Minute)
	f := newFixture(t, deployed, 24*time.Hour)

	// Perfect baseline.
	for i := 0; i < 10; i++ {
		f.record(t, deployed.Add(-time.Duration(i+1)*time.Hour), true, "")
	}

	// 30 healthy invocations right after deploy, then a spike of 10
	// failures. Overall failure rate is 25%, under the 30% delta; the
	// recent window is 100% failure.
	for i := 0; i < 30; i++ {
		f.record(t, deployed.Add(time.Duration(i+1)*time.Second), true, "")
	}
	for i := 0; i < 10; i++ {
		f.record(t, deployed.Add(time.Duration(100+i)*time.Second), false, "wrong result")
	}

	rolledBack, err := f.mon.CheckAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rolledBack) != 1 || rolledBack[0] != "upper" {
		t.Fatalf("rolledBack = %v", rolledBack)
	}
	rbs, _ := f.store.Rollbacks("upper")
	if len(rbs) != 1 || rbs[0].Tier != string(TierFast) {
		t.Errorf("rollbacks = %+v", rbs)
	}
}

func TestRollbackRestoresDeclaredSourcePath(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	// The source file's name does not match the tool it declares.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "text_upper.go"), []byte(newSource), 0o644); err != nil {
		t.Fatal(err)
	}
	backup := filepath.Join(dir, "backups", "upper_1.go")
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backup, []byte(oldSource), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := tools.NewLoader(dir, tools.NewSandbox(5*time.Second))
	registry := tools.NewRegistry(loader)
	if _, err := registry.Refresh(); err != nil {
		t.Fatal(err)
	}
	newHash, _ := registry.Hash("upper")

	sess := store.DeploymentSession{
		ID:           uuid.NewString(),
		ToolName:     "upper",
		Version:      2,
		OldHash:      tools.HashSource(oldSource),
		NewHash:      newHash,
		BackupPath:   backup,
		DeployedAt:   time.Now().Add(-30 * time.Second),
		WindowEndsAt: time.Now().Add(24 * time.Hour),
	}
	if err := st.CreateDeploymentSession(sess); err != nil {
		t.Fatal(err)
	}

	mon := New(DefaultConfig(), st, registry, &invalidatorSpy{}, dir)
	if err := mon.Rollback(sess, TierImmediate, "bad deploy"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "text_upper.go"))
	if err != nil {
		t.Fatalf("declaring file gone after rollback: %v", err)
	}
	if string(data) != oldSource {
		t.Error("backup must land in the file that declares the tool")
	}
	if _, err := os.Stat(filepath.Join(dir, "upper.go")); !os.IsNotExist(err) {
		t.Error("rollback must not create a file named after the tool")
	}
}

func TestHealthyDeploymentStaysActive(t *testing.T) {
	deployed := time.Now().Add(-2 * time.Hour)
	f := newFixture(t, deployed, 24*time.Hour)

	for i := 0; i < 10; i++ {
		f.record(t, deployed.Add(-time.Duration(i+1)*time.Hour), true, "")
	}
	for i := 0; i < 12; i++ {
		f.record(t, deployed.Add(time.Duration(i+1)*time.Minute), true, "")
	}

	rolledBack, err := f.mon.CheckAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rolledBack) != 0 {
		t.Errorf("healthy deployment rolled back: %v", rolledBack)
	}
	sessions, _ := f.store.ActiveSessions()
	if len(sessions) != 1 {
		t.Error("session should remain active")
	}
	checks, _ := f.store.HealthChecks(f.sess.ID)
	if len(checks) != 1 || checks[0].Verdict != VerdictHealthy {
		t.Errorf("health checks = %+v", checks)
	}
}

func TestInsufficientDataDefersJudgement(t *testing.T) {
	deployed := time.Now().Add(-2 * time.Hour)
	f := newFixture(t, deployed, 24*time.Hour)

	// Only 3 post-deploy invocations, all failing. Not enough to judge.
	for i := 0; i < 3; i++ {
		f.record(t, deployed.Add(time.Duration(i+1)*time.Minute), false, "bad")
	}

	rolledBack, _ := f.mon.CheckAll()
	if len(rolledBack) != 0 {
		t.Error("rolled back on insufficient data")
	}
	checks, _ := f.store.HealthChecks(f.sess.ID)
	if len(checks) != 1 || checks[0].Verdict != VerdictInsufficient {
		t.Errorf("health checks = %+v", checks)
	}
}

func TestImmediateTierThreeConsecutiveFailures(t *testing.T) {
	deployed := time.Now().Add(-30 * time.Second)
	f := newFixture(t, deployed, 24*time.Hour)

	for i := 0; i < 3; i++ {
		f.record(t, deployed.Add(time.Duration(i+1)*time.Second), false, "wrong result")
	}

	rolledBack, err := f.mon.CheckAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rolledBack) != 1 {
		t.Fatalf("rolledBack = %v", rolledBack)
	}
	rbs, _ := f.store.Rollbacks("upper")
	if len(rbs) != 1 || rbs[0].Tier != string(TierImmediate) {
		t.Errorf("rollbacks = %+v", rbs)
	}
}

func TestImmediateTierLoadError(t *testing.T) {
	deployed := time.Now().Add(-10 * time.Second)
	f := newFixture(t, deployed, 24*time.Hour)

	f.record(t, deployed.Add(time.Second), false, "RunTool has wrong signature, want func(string) (string, error)")

	rolledBack, _ := f.mon.CheckAll()
	if len(rolledBack) != 1 {
		t.Error("load-time error must trigger immediate rollback")
	}
}

func TestExpiredWindowCompletesSession(t *testing.T) {
	deployed := time.Now().Add(-48 * time.Hour)
	f := newFixture(t, deployed, 24*time.Hour)

	rolledBack, err := f.mon.CheckAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rolledBack) != 0 {
		t.Error("expired session must complete, not roll back")
	}
	sessions, _ := f.store.ActiveSessions()
	if len(sessions) != 0 {
		t.Error("expired session still active")
	}
}

func TestZeroWindowCompletesImmediately(t *testing.T) {
	deployed := time.Now().Add(-time.Second)
	f := newFixture(t, deployed, 0)

	for i := 0; i < 5; i++ {
		f.record(t, deployed, false, "bad")
	}
	rolledBack, _ := f.mon.CheckAll()
	if len(rolledBack) != 0 {
		t.Error("zero monitoring window must never roll back")
	}
	sessions, _ := f.store.ActiveSessions()
	if len(sessions) != 0 {
		t.Error("zero-window session still active")
	}
}
