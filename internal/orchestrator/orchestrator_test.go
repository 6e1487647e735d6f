package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"goalforge/internal/embedding"
	"goalforge/internal/learner"
	"goalforge/internal/llm"
	"goalforge/internal/pathway"
	"goalforge/internal/recovery"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

type fixture struct {
	orch     *Orchestrator
	store    *store.Store
	registry *tools.Registry
	cache    *pathway.Cache
	client   *llm.ScriptedClient
}

func newFixture(t *testing.T, client *llm.ScriptedClient) *fixture {
	return newFixtureWith(t, client, embedding.NewLocalHashEngine(256))
}

func newFixtureWith(t *testing.T, client *llm.ScriptedClient, engine embedding.Engine) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(nil)
	discovery := tools.NewDiscovery(registry, engine, nil)

	cache, err := pathway.New(st, engine, registry, 0.90, 0.85)
	if err != nil {
		t.Fatal(err)
	}
	lr, err := learner.New(st, engine, 0.80)
	if err != nil {
		t.Fatal(err)
	}

	rcfg := recovery.DefaultConfig()
	rcfg.RetryBase = 0

	orch := New(Config{TopK: 5}, st, client, registry, discovery, cache, lr, rcfg)
	return &fixture{orch: orch, store: st, registry: registry, cache: cache, client: client}
}

func registerHello(f *fixture) {
	f.registry.Register(&tools.Tool{
		Definition: tools.Definition{
			Name:        "hello_world",
			Description: "Says hello to someone by name",
			Schema: tools.Schema{
				Type:       "object",
				Properties: map[string]tools.Property{"name": {Type: "string"}},
				Required:   []string{"name"},
			},
		},
		Hash: tools.HashSource("hello_world-v1"),
		Run: func(ctx context.Context, input string) (string, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal([]byte(input), &p); err != nil {
				return "", err
			}
			return "hello, " + p.Name + "!", nil
		},
	})
}

func helloScript() *llm.ScriptedClient {
	c := llm.NewScripted()
	c.AddRule("pick the single best tool", `{"tool": "hello_world"}`)
	c.AddRule("parameter object", `{"name": "world"}`)
	c.AddRule("decompose goals", `{"subgoals": ["Say hello"]}`)
	return c
}

func TestColdGoalUsesFullReasoningAndStoresPathway(t *testing.T) {
	f := newFixture(t, helloScript())
	registerHello(f)

	res := f.orch.Execute(context.Background(), "Say hello")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Explanation)
	}
	if res.UsedPathway {
		t.Error("first execution cannot hit the cache")
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output = %q", res.Output)
	}
	if len(res.ToolChain) != 1 || res.ToolChain[0] != "hello_world" {
		t.Errorf("tool chain = %v", res.ToolChain)
	}

	valid, _, err := f.cache.Counts()
	if err != nil || valid != 1 {
		t.Errorf("valid pathways = %d, want 1", valid)
	}
	exec, err := f.store.GetExecution(res.ExecutionID)
	if err != nil || !exec.Success {
		t.Errorf("execution record = %+v, %v", exec, err)
	}
}

func TestWarmGoalHitsCacheWithoutReasoning(t *testing.T) {
	f := newFixture(t, helloScript())
	registerHello(f)

	first := f.orch.Execute(context.Background(), "Say hello")
	if !first.Success {
		t.Fatalf("first execution failed: %s", first.Explanation)
	}
	callsAfterFirst := len(f.client.Calls())

	second := f.orch.Execute(context.Background(), "Say hello")
	if !second.Success {
		t.Fatalf("second execution failed: %s", second.Explanation)
	}
	if !second.UsedPathway {
		t.Error("second execution must hit the cache")
	}
	if second.Output != first.Output {
		t.Errorf("outputs differ: %q vs %q", second.Output, first.Output)
	}
	if len(f.client.Calls()) != callsAfterFirst {
		t.Error("cache hit must not consult the LLM")
	}

	// Same pathway, success counter incremented.
	valid, total, _ := f.cache.Counts()
	if valid != 1 || total != 1 {
		t.Errorf("pathway counts = (%d, %d), want (1, 1)", valid, total)
	}
}

func TestChangedToolHashMissesCache(t *testing.T) {
	f := newFixture(t, helloScript())
	registerHello(f)

	if res := f.orch.Execute(context.Background(), "Say hello"); !res.Success {
		t.Fatalf("seed failed: %s", res.Explanation)
	}

	// Rewrite the tool: same behavior, new hash.
	registerHello(f)
	tool, _ := f.registry.Get("hello_world")
	tool.Hash = tools.HashSource("hello_world-v2")

	res := f.orch.Execute(context.Background(), "Say hello")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Explanation)
	}
	if res.UsedPathway {
		t.Error("stale pathway must fail its hash check")
	}
}

func TestNoToolsGivesUpWithExplanation(t *testing.T) {
	c := llm.NewScripted()
	c.AddRule("decompose goals", `{"subgoals": ["Say hello"]}`)
	f := newFixture(t, c)

	res := f.orch.Execute(context.Background(), "Say hello")
	if res.Success {
		t.Fatal("empty registry cannot succeed")
	}
	if res.Explanation == "" {
		t.Error("failure must carry an explanation")
	}
	if len(res.StrategiesTried) == 0 {
		t.Error("failure must list strategies tried")
	}
}

func TestConversationSkipsTools(t *testing.T) {
	c := llm.NewScripted()
	c.AddRule("classify user goals", `{"intent": "conversation"}`)
	c.AddRule("how are you", "Doing fine, thanks for asking.")
	f := newFixture(t, c)
	registerHello(f)

	res := f.orch.Execute(context.Background(), "how are you doing today")
	if !res.Success {
		t.Fatalf("conversation failed: %s", res.Explanation)
	}
	if len(res.ToolChain) != 0 {
		t.Errorf("conversation must not run tools, ran %v", res.ToolChain)
	}
	if !strings.Contains(res.Output, "Doing fine") {
		t.Errorf("output = %q", res.Output)
	}

	exec, err := f.store.GetExecution(res.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Intent != string(IntentConversation) {
		t.Errorf("recorded intent = %q, want conversation", exec.Intent)
	}
}

func TestImpossibleIntent(t *testing.T) {
	c := llm.NewScripted()
	c.AddRule("classify user goals", `{"intent": "impossible"}`)
	f := newFixture(t, c)
	registerHello(f)

	res := f.orch.Execute(context.Background(), "travel back in time")
	if res.Success {
		t.Fatal("impossible goal cannot succeed")
	}
	if res.Explanation == "" {
		t.Error("must explain why")
	}

	exec, err := f.store.GetExecution(res.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Intent != string(IntentImpossible) {
		t.Errorf("recorded intent = %q, want impossible", exec.Intent)
	}
}

func TestRecoveryAdaptsParameters(t *testing.T) {
	c := llm.NewScripted()
	// The adapted synthesis (carrying the failure context) must be matched
	// before the generic one.
	c.AddRule("Previous attempt failed", `{"expr": "6*7"}`)
	c.AddRule("parameter object", `{}`)

	f := newFixture(t, c)
	f.registry.Register(&tools.Tool{
		Definition: tools.Definition{
			Name:        "calc",
			Description: "Evaluates an arithmetic expression",
			Schema: tools.Schema{
				Type:       "object",
				Properties: map[string]tools.Property{"expr": {Type: "string"}},
			},
		},
		Hash: tools.HashSource("calc-v1"),
		Run: func(ctx context.Context, input string) (string, error) {
			var p struct {
				Expr string `json:"expr"`
			}
			if err := json.Unmarshal([]byte(input), &p); err != nil || p.Expr == "" {
				return "", tools.ErrInvalidParams
			}
			return "42", nil
		},
	})

	res := f.orch.Execute(context.Background(), "compute six times seven")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Explanation)
	}
	if !res.RecoveryUsed {
		t.Error("recovery must have fired")
	}
	if res.Output != "42" {
		t.Errorf("output = %q, want 42", res.Output)
	}
}

// throttledEngine embeds goals fine but refuses tool descriptions, the shape
// of a rate-limited backend partway through a discovery pass. Descriptions
// embed as "name: description".
type throttledEngine struct {
	inner *embedding.LocalHashEngine
}

func (e *throttledEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, ": ") {
		return nil, errors.New("429 too many requests")
	}
	return e.inner.Embed(ctx, text)
}

func (e *throttledEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *throttledEngine) Dimensions() int { return e.inner.Dimensions() }
func (e *throttledEngine) Name() string    { return "local:throttled" }

func TestEmbeddingOutageGivesUpThroughRecovery(t *testing.T) {
	c := llm.NewScripted()
	c.AddRule("decompose goals", `{"subgoals": ["Say hello"]}`)
	f := newFixtureWith(t, c, &throttledEngine{inner: embedding.NewLocalHashEngine(256)})
	registerHello(f)

	// Discovery skips every tool it cannot embed, leaving zero candidates.
	res := f.orch.Execute(context.Background(), "Say hello")
	if res.Success {
		t.Fatal("cannot succeed when no tool description embeds")
	}
	if res.Explanation == "" {
		t.Error("failure must carry an explanation")
	}
	if !res.RecoveryUsed || len(res.StrategiesTried) == 0 {
		t.Errorf("selection failure must run through recovery, strategies = %v", res.StrategiesTried)
	}
}

func TestLooseSubgoalReuseSkipsSynthesis(t *testing.T) {
	c := llm.NewScripted()
	c.AddRule("decompose goals", `{"subgoals": ["please fetch my weather forecast"]}`)
	f := newFixture(t, c)

	// Required parameter, and no synthesis rule in the script: only the
	// cached input can make this run.
	f.registry.Register(&tools.Tool{
		Definition: tools.Definition{
			Name:        "weather",
			Description: "Fetches a weather forecast",
			Schema: tools.Schema{
				Type:       "object",
				Properties: map[string]tools.Property{"city": {Type: "string"}},
				Required:   []string{"city"},
			},
		},
		Hash: tools.HashSource("weather-v1"),
		Run: func(ctx context.Context, input string) (string, error) {
			var p struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal([]byte(input), &p); err != nil || p.City == "" {
				return "", tools.ErrInvalidParams
			}
			return "sunny in " + p.City, nil
		},
	})

	// Seed a single-step pathway under a nearby goal: similar enough for
	// the loose threshold, not for the strict one.
	_, err := f.cache.Store(context.Background(), "fetch my weather forecast",
		[]pathway.Step{{Tool: "weather", Input: `{"city": "berlin"}`}},
		map[string]string{"weather": tools.HashSource("weather-v1")})
	if err != nil {
		t.Fatal(err)
	}

	res := f.orch.Execute(context.Background(), "please fetch my weather forecast")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Explanation)
	}
	if res.Output != "sunny in berlin" {
		t.Errorf("output = %q, want the cached parameters replayed", res.Output)
	}
	if res.UsedPathway {
		t.Error("strict full-goal replay must not have fired")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 9) + "é"
	got := truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if got != strings.Repeat("a", 9)+"…" {
		t.Errorf("got %q", got)
	}
}

func TestPatternSeedsDecomposition(t *testing.T) {
	f := newFixture(t, helloScript())
	registerHello(f)

	if res := f.orch.Execute(context.Background(), "Say hello"); !res.Success {
		t.Fatalf("seed failed: %s", res.Explanation)
	}

	// Invalidate the pathway so only the pattern can help.
	if _, err := f.cache.InvalidateByTool("hello_world"); err != nil {
		t.Fatal(err)
	}

	res := f.orch.Execute(context.Background(), "Say hello")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Explanation)
	}
	if res.UsedPathway {
		t.Error("pathway was invalidated")
	}
	if !res.UsedPattern {
		t.Error("learned pattern must seed the decomposition")
	}
}
