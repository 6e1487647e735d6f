package main

import (
	"os"
	"path/filepath"

	"goalforge/internal/config"
	"goalforge/internal/embedding"
	"goalforge/internal/improve"
	"goalforge/internal/learner"
	"goalforge/internal/lifecycle"
	"goalforge/internal/llm"
	"goalforge/internal/loop"
	"goalforge/internal/monitor"
	"goalforge/internal/orchestrator"
	"goalforge/internal/pathway"
	"goalforge/internal/recovery"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// engine bundles every wired component behind one handle.
type engine struct {
	store     *store.Store
	registry  *tools.Registry
	sandbox   *tools.Sandbox
	discovery *tools.Discovery
	cache     *pathway.Cache
	learner   *learner.Learner
	orch      *orchestrator.Orchestrator
	lifecycle *lifecycle.Manager
	improver  *improve.Engine
	monitor   *monitor.Monitor
	loop      *loop.Loop
	toolsDir  string
}

// newEngine wires the engine against the configured backends.
func newEngine(c *config.Config) (*engine, error) {
	client, err := llm.NewClient(llm.Config{
		Provider: c.LLM.Provider,
		APIKey:   c.LLM.APIKey,
		Model:    c.LLM.Model,
		BaseURL:  c.LLM.BaseURL,
		Timeout:  c.LLM.Timeout,
	})
	if err != nil {
		return nil, configErr(err)
	}
	emb, err := embedding.NewEngine(embedding.Config{
		Provider:       c.Embedding.Provider,
		OllamaEndpoint: c.Embedding.OllamaEndpoint,
		OllamaModel:    c.Embedding.OllamaModel,
		GenAIAPIKey:    c.Embedding.GenAIAPIKey,
		GenAIModel:     c.Embedding.GenAIModel,
		Dimensions:     c.Embedding.Dimensions,
	})
	if err != nil {
		return nil, configErr(err)
	}

	dbPath := resolvePath(c.Workspace, c.Store.Path)
	st, err := store.New(dbPath)
	if err != nil {
		return nil, opErr(err)
	}

	eng, err := newEngineWith(c, st, client, emb)
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}

// newEngineWith wires the engine over explicit backends. The demo command
// uses it with a scripted client and the local hash embedder.
func newEngineWith(c *config.Config, st *store.Store, client llm.Client, emb embedding.Engine) (*engine, error) {
	toolsDir := resolvePath(c.Workspace, c.Tools.Dir)
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		return nil, opErr(err)
	}

	sandbox := tools.NewSandbox(c.Tools.ExecuteTimeout)
	loader := tools.NewLoader(toolsDir, sandbox)
	registry := tools.NewRegistry(loader)
	discovery := tools.NewDiscovery(registry, emb, &storeStats{st: st})

	cache, err := pathway.New(st, emb, registry, c.Orchestrator.CacheThreshold, c.Orchestrator.CacheThresholdLoose)
	if err != nil {
		return nil, opErr(err)
	}
	lr, err := learner.New(st, emb, c.Orchestrator.PatternThreshold)
	if err != nil {
		return nil, opErr(err)
	}

	orch := orchestrator.New(
		orchestrator.Config{TopK: c.Tools.TopK},
		st, client, registry, discovery, cache, lr,
		recovery.Config{
			RetryCap:    c.Recovery.RetryCap,
			RetryBase:   c.Recovery.RetryBase,
			RetryFactor: c.Recovery.RetryFactor,
			FallbackCap: c.Recovery.FallbackCap,
		},
	)

	lm := lifecycle.New(lifecycle.Config{
		AlertSuccessRate: c.Lifecycle.AlertSuccessRate,
		AlertMinUses:     c.Lifecycle.AlertMinUses,
		ArchiveAfter:     c.Lifecycle.ArchiveAfter,
		ArchiveMaxUses:   c.Lifecycle.ArchiveMaxUses,
	}, registry, st, cache, toolsDir, nil)

	imp := improve.New(improve.Config{
		Threshold:     c.Improvement.Threshold,
		MinExecutions: c.Improvement.MinExecutions,
		ShadowGate:    c.Improvement.ShadowGate,
		ReplayGate:    c.Improvement.ReplayGate,
		ReplayWindow:  c.Improvement.ReplayWindow,
		MonitorWindow: c.Monitor.Window,
	}, st, client, registry, sandbox, cache, toolsDir)

	mon := monitor.New(monitor.Config{
		BaselineWindow:      c.Monitor.BaselineWindow,
		ImmediateWindow:     c.Monitor.ImmediateWindow,
		FastWindow:          c.Monitor.FastWindow,
		FastFailureDelta:    c.Monitor.FastFailureDelta,
		RegressionThreshold: c.Monitor.RegressionThreshold,
		MinExecutions:       c.Monitor.MinExecutions,
	}, st, registry, cache, toolsDir)

	lp := loop.New(loop.Config{
		CheckInterval:       c.Loop.CheckInterval,
		MaintenanceInterval: c.Loop.MaintenanceInterval,
		MaxPerCycle:         c.Improvement.MaxPerCycle,
		EvictKeep:           100,
	}, st, lm, mon, imp, cache)

	return &engine{
		store:     st,
		registry:  registry,
		sandbox:   sandbox,
		discovery: discovery,
		cache:     cache,
		learner:   lr,
		orch:      orch,
		lifecycle: lm,
		improver:  imp,
		monitor:   mon,
		loop:      lp,
		toolsDir:  toolsDir,
	}, nil
}

func (e *engine) Close() {
	_ = e.store.Close()
}

func resolvePath(workspace, path string) string {
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

// storeStats feeds discovery ranking from the invocation log.
type storeStats struct {
	st *store.Store
}

func (s *storeStats) StatsFor(toolName string) (tools.UsageStats, bool) {
	stats, err := s.st.ToolStats(toolName)
	if err != nil || stats.TotalUses == 0 {
		return tools.UsageStats{}, false
	}
	return tools.UsageStats{
		SuccessRate: stats.SuccessRate(),
		Uses:        stats.TotalUses,
		LastUsed:    stats.LastUsed,
	}, true
}
