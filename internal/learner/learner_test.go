package learner

import (
	"context"
	"math"
	"testing"
	"time"

	"goalforge/internal/embedding"
	"goalforge/internal/store"
)

func newLearner(t *testing.T, threshold float64) *Learner {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := New(st, embedding.NewLocalHashEngine(256), threshold)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestSuggestAfterStore(t *testing.T) {
	l := newLearner(t, 0.80)
	ctx := context.Background()

	subgoals := []string{"fetch the weather forecast", "format the answer"}
	err := l.Store(ctx, "What is the weather in Berlin", subgoals, true, 400*time.Millisecond, []string{"weather_fetch"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	s, err := l.Suggest(ctx, "What is the weather in Berlin")
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if s == nil {
		t.Fatal("expected a suggestion for the identical goal")
	}
	if len(s.Subgoals) != 2 || s.Subgoals[0] != subgoals[0] {
		t.Errorf("subgoals = %v", s.Subgoals)
	}
	if s.Confidence <= 0 || s.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0, 1]", s.Confidence)
	}
}

func TestSuggestMissesUnrelatedGoal(t *testing.T) {
	l := newLearner(t, 0.80)
	ctx := context.Background()

	if err := l.Store(ctx, "What is the weather in Berlin",
		[]string{"fetch forecast"}, true, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	s, err := l.Suggest(ctx, "compress this directory into a tarball")
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Errorf("unrelated goal must not match, got %+v", s)
	}
}

func TestRepeatedGoalsCollapse(t *testing.T) {
	l := newLearner(t, 0.80)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		// Case and punctuation differences normalize away.
		if err := l.Store(ctx, "Say Hello!", []string{"invoke greeting"}, true, time.Second, nil); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.Count()
	if err != nil || n != 1 {
		t.Errorf("Count = (%d, %v), want (1, nil)", n, err)
	}

	s, _ := l.Suggest(ctx, "Say Hello!")
	if s == nil {
		t.Fatal("expected suggestion")
	}
	// usage 3: log10(4) ~ 0.602
	want := math.Log10(4)
	if math.Abs(s.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", s.Confidence, want)
	}
}

func TestSuggestPrefersEfficientPatternOverCloserMatch(t *testing.T) {
	l := newLearner(t, 0.80)
	ctx := context.Background()

	// Fast pattern stored first so recency cannot be what picks it.
	if err := l.Store(ctx, "fetch the weather report for berlin now",
		[]string{"fast plan"}, true, 100*time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Store(ctx, "fetch the weather report for berlin",
		[]string{"slow plan"}, true, 2*time.Second, nil); err != nil {
		t.Fatal(err)
	}

	// Both patterns clear the threshold; the slow one matches exactly.
	s, err := l.Suggest(ctx, "fetch the weather report for berlin")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("expected a suggestion")
	}
	if len(s.Subgoals) != 1 || s.Subgoals[0] != "fast plan" {
		t.Errorf("suggested %v, want the more efficient pattern", s.Subgoals)
	}
}

func TestConfidenceSaturates(t *testing.T) {
	if c := Confidence(1.0, 0); c != 0 {
		t.Errorf("unused pattern confidence = %v, want 0", c)
	}
	if c := Confidence(1.0, 9); math.Abs(c-1.0) > 1e-9 {
		t.Errorf("confidence at 9 uses = %v, want 1", c)
	}
	if c := Confidence(1.0, 10000); c != 1.0 {
		t.Errorf("usage term must cap at 1, got %v", c)
	}
	if c := Confidence(0.5, 10000); c != 0.5 {
		t.Errorf("success rate must scale confidence, got %v", c)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Say Hello!":           "say hello",
		"  say   hello  ":      "say hello",
		"SAY HELLO?":           "say hello",
		"fetch my runs today.": "fetch my runs today",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordUseFeedsConfidence(t *testing.T) {
	l := newLearner(t, 0.80)
	ctx := context.Background()

	if err := l.Store(ctx, "Say hello", []string{"invoke greeting"}, true, time.Second, nil); err != nil {
		t.Fatal(err)
	}
	before, _ := l.Suggest(ctx, "Say hello")

	if err := l.RecordUse(before.PatternID, true); err != nil {
		t.Fatal(err)
	}
	after, _ := l.Suggest(ctx, "Say hello")
	if after.Confidence <= before.Confidence {
		t.Errorf("confidence did not grow: %v -> %v", before.Confidence, after.Confidence)
	}
}
