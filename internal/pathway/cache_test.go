package pathway

import (
	"context"
	"testing"

	"goalforge/internal/embedding"
	"goalforge/internal/store"
)

type fakeResolver map[string]string

func (f fakeResolver) Hash(name string) (string, bool) {
	h, ok := f[name]
	return h, ok
}

func newCache(t *testing.T, resolver Resolver, strict, loose float64) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := New(st, embedding.NewLocalHashEngine(256), resolver, strict, loose)
	if err != nil {
		t.Fatal(err)
	}
	return c, st
}

func TestStoreThenFindSameGoal(t *testing.T) {
	resolver := fakeResolver{"hello_world": "h1"}
	c, _ := newCache(t, resolver, 0.90, 0.85)

	ctx := context.Background()
	steps := []Step{{Tool: "hello_world", Input: `{"name":"world"}`, Summary: "Hello, world!"}}
	stored, err := c.Store(ctx, "Say hello", steps, map[string]string{"hello_world": "h1"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	hit, err := c.Find(ctx, "Say hello")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected a cache hit for the identical goal")
	}
	if hit.Pathway.ID != stored.ID {
		t.Errorf("hit id = %s, want %s", hit.Pathway.ID, stored.ID)
	}
	if len(hit.Pathway.Steps) != 1 || hit.Pathway.Steps[0].Tool != "hello_world" {
		t.Errorf("trace not preserved: %+v", hit.Pathway.Steps)
	}
}

func TestFindMissesUnrelatedGoal(t *testing.T) {
	resolver := fakeResolver{"hello_world": "h1"}
	c, _ := newCache(t, resolver, 0.90, 0.85)

	ctx := context.Background()
	_, err := c.Store(ctx, "Say hello", nil, map[string]string{"hello_world": "h1"})
	if err != nil {
		t.Fatal(err)
	}

	hit, err := c.Find(ctx, "compute the factorial of forty two")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Errorf("unrelated goal must miss, got %+v", hit.Pathway)
	}
}

func TestThresholdBoundaries(t *testing.T) {
	resolver := fakeResolver{"hello_world": "h1"}
	ctx := context.Background()

	// Threshold 1.0: similarity is never strictly above it, so no hits.
	c, _ := newCache(t, resolver, 1.0, 1.0)
	if _, err := c.Store(ctx, "Say hello", nil, map[string]string{"hello_world": "h1"}); err != nil {
		t.Fatal(err)
	}
	hit, _ := c.Find(ctx, "Say hello")
	if hit != nil {
		t.Error("threshold 1.0 must never hit")
	}

	// Threshold 0.0: any pathway with positive similarity hits.
	c2, _ := newCache(t, resolver, 0.0, 0.0)
	if _, err := c2.Store(ctx, "Say hello", nil, map[string]string{"hello_world": "h1"}); err != nil {
		t.Fatal(err)
	}
	hit, _ = c2.Find(ctx, "Say hello")
	if hit == nil {
		t.Error("threshold 0.0 must hit when a pathway exists")
	}
}

func TestStaleHashInvalidatesOnLookup(t *testing.T) {
	resolver := fakeResolver{"hello_world": "h1"}
	c, st := newCache(t, resolver, 0.90, 0.85)

	ctx := context.Background()
	stored, err := c.Store(ctx, "Say hello", nil, map[string]string{"hello_world": "h1"})
	if err != nil {
		t.Fatal(err)
	}

	// The tool is rewritten out from under the cache.
	resolver["hello_world"] = "h2"

	hit, err := c.Find(ctx, "Say hello")
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Fatal("stale pathway must not be returned")
	}

	// Invalidation happened and is terminal.
	row, err := st.GetPathway(stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Valid {
		t.Error("pathway still valid after failed hash check")
	}
	hit, _ = c.Find(ctx, "Say hello")
	if hit != nil {
		t.Error("invalidated pathway resurrected")
	}
}

func TestMissingToolInvalidates(t *testing.T) {
	resolver := fakeResolver{"hello_world": "h1"}
	c, _ := newCache(t, resolver, 0.90, 0.85)

	ctx := context.Background()
	if _, err := c.Store(ctx, "Say hello", nil, map[string]string{"hello_world": "h1"}); err != nil {
		t.Fatal(err)
	}
	delete(resolver, "hello_world")

	hit, _ := c.Find(ctx, "Say hello")
	if hit != nil {
		t.Error("pathway depending on a missing tool must not hit")
	}
	valid, _, _ := c.Counts()
	if valid != 0 {
		t.Errorf("valid count = %d, want 0", valid)
	}
}

func TestInvalidateByToolAndByHash(t *testing.T) {
	resolver := fakeResolver{"a": "ha", "b": "hb"}
	c, _ := newCache(t, resolver, 0.90, 0.85)

	ctx := context.Background()
	if _, err := c.Store(ctx, "use tool a", nil, map[string]string{"a": "ha"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(ctx, "use tool b", nil, map[string]string{"b": "hb"}); err != nil {
		t.Fatal(err)
	}

	n, err := c.InvalidateByTool("a")
	if err != nil || n != 1 {
		t.Errorf("InvalidateByTool = (%d, %v), want (1, nil)", n, err)
	}

	// Same hash: nothing to invalidate.
	n, _ = c.InvalidateByHash("b", "hb")
	if n != 0 {
		t.Errorf("unchanged hash invalidated %d pathways", n)
	}
	n, _ = c.InvalidateByHash("b", "hb2")
	if n != 1 {
		t.Errorf("changed hash invalidated %d pathways, want 1", n)
	}

	valid, total, _ := c.Counts()
	if valid != 0 || total != 2 {
		t.Errorf("counts = (%d, %d), want (0, 2)", valid, total)
	}
}

func TestTieBreakPrefersHigherSuccessRatio(t *testing.T) {
	resolver := fakeResolver{"a": "ha"}
	c, _ := newCache(t, resolver, 0.0, 0.0)

	ctx := context.Background()
	weak, err := c.Store(ctx, "Say hello", nil, map[string]string{"a": "ha"})
	if err != nil {
		t.Fatal(err)
	}
	strong, err := c.Store(ctx, "Say hello", nil, map[string]string{"a": "ha"})
	if err != nil {
		t.Fatal(err)
	}

	// Same goal text, so identical similarity. History decides.
	if err := c.RecordUse(weak.ID, false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := c.RecordUse(strong.ID, true); err != nil {
			t.Fatal(err)
		}
	}

	hit, err := c.Find(ctx, "Say hello")
	if err != nil || hit == nil {
		t.Fatalf("Find = (%v, %v)", hit, err)
	}
	if hit.Pathway.ID != strong.ID {
		t.Errorf("tie-break picked %s, want %s", hit.Pathway.ID, strong.ID)
	}
}

func TestSummaryCompression(t *testing.T) {
	resolver := fakeResolver{"a": "ha"}
	c, _ := newCache(t, resolver, 0.90, 0.85)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	steps := []Step{{Tool: "a", Input: "{}", Summary: string(long)}}
	p, err := c.Store(context.Background(), "big output", steps, map[string]string{"a": "ha"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Steps[0].Summary) > 200 {
		t.Errorf("summary not compressed, len = %d", len(p.Steps[0].Summary))
	}
}
