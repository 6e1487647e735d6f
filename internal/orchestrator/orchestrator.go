// Package orchestrator is the goal pipeline: cache lookup, learned
// decomposition, LLM reasoning, tool execution with recovery, and
// write-back of everything worth remembering.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"goalforge/internal/learner"
	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/pathway"
	"goalforge/internal/recovery"
	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// Intent classifies what a goal needs.
type Intent string

const (
	IntentToolUse      Intent = "tool_use"
	IntentConversation Intent = "conversation"
	IntentImpossible   Intent = "impossible"
)

// Result is what Execute returns for one goal.
type Result struct {
	ExecutionID     string
	Success         bool
	Output          string
	ToolChain       []string
	DurationMs      int64
	UsedPathway     bool
	UsedPattern     bool
	RecoveryUsed    bool
	Explanation     string
	StrategiesTried []string
}

// Config holds the orchestrator's thresholds.
type Config struct {
	TopK int // discovery candidates per subgoal
}

// Orchestrator wires the pipeline together.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	client    llm.Client
	registry  *tools.Registry
	discovery *tools.Discovery
	cache     *pathway.Cache
	learner   *learner.Learner
	recoverer *recovery.Recoverer
}

// New builds an orchestrator. The recoverer is constructed here so it can
// borrow the orchestrator's parameter synthesis.
func New(cfg Config, st *store.Store, client llm.Client, registry *tools.Registry,
	discovery *tools.Discovery, cache *pathway.Cache, lr *learner.Learner, rcfg recovery.Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		client:    client,
		registry:  registry,
		discovery: discovery,
		cache:     cache,
		learner:   lr,
	}
	o.recoverer = recovery.New(rcfg, client, registry, discovery, o)
	return o
}

// Execute runs one goal end to end.
func (o *Orchestrator) Execute(ctx context.Context, goal string) Result {
	start := time.Now()
	res := Result{ExecutionID: uuid.NewString()}
	timer := logging.StartTimer(logging.CategoryOrchestrator, "execute")
	defer timer.Stop()

	logging.Orchestrator("executing goal %q (%s)", goal, res.ExecutionID)

	// Fast path: a cached pathway subsumes classification and reasoning.
	if o.cache != nil {
		if hit, err := o.cache.Find(ctx, goal); err == nil && hit != nil {
			if o.replay(ctx, goal, hit, &res) {
				o.finish(ctx, goal, &res, start, IntentToolUse)
				return res
			}
			// Replay failed; counters updated, fall through to reasoning.
		}
	}

	intent := o.reason(ctx, goal, &res)
	o.finish(ctx, goal, &res, start, intent)
	return res
}

// replay runs a cached plan step by step. Any step failure aborts the
// replay; the slow path takes over.
func (o *Orchestrator) replay(ctx context.Context, goal string, hit *pathway.Hit, res *Result) bool {
	p := hit.Pathway
	logging.Orchestrator("replaying pathway %s (%d steps)", p.ID, len(p.Steps))

	var lastOutput string
	for _, step := range p.Steps {
		r := o.invoke(ctx, res.ExecutionID, step.Tool, step.Input)
		if r.Err != nil {
			logging.Orchestrator("pathway %s replay failed at %s: %v", p.ID, step.Tool, r.Err)
			_ = o.cache.RecordUse(p.ID, false)
			res.ToolChain = nil
			return false
		}
		lastOutput = r.Output
		res.ToolChain = append(res.ToolChain, step.Tool)
	}

	_ = o.cache.RecordUse(p.ID, true)
	res.Success = true
	res.Output = lastOutput
	res.UsedPathway = true
	return true
}

// reason is the slow path: decompose, select, synthesize, execute, recover.
// It reports the intent the goal classified as, for the execution record.
func (o *Orchestrator) reason(ctx context.Context, goal string, res *Result) Intent {
	subgoals, patternID, intent, done := o.decompose(ctx, goal, res)
	if done {
		return intent // conversation answered directly, or goal judged impossible
	}

	var lastOutput string
	steps := make([]pathway.Step, 0, len(subgoals))
	hashes := make(map[string]string)

	for _, sub := range subgoals {
		// A near-match single-step plan serves the subgoal without
		// selection or synthesis.
		if step, ok := o.reuseLoose(ctx, sub, res); ok {
			lastOutput = step.Summary
			res.ToolChain = append(res.ToolChain, step.Tool)
			steps = append(steps, step)
			if t, ok := o.registry.Get(step.Tool); ok {
				hashes[step.Tool] = t.Hash
			}
			continue
		}

		tool, err := o.selectTool(ctx, sub)
		if err != nil {
			// Selection failures take the same recovery machinery as
			// execution failures, so fallback search gets its chance.
			out := o.recoverer.Recover(ctx, sub, "", "", err)
			res.RecoveryUsed = true
			res.StrategiesTried = append(res.StrategiesTried, out.Strategy)
			if !out.Recovered {
				res.Explanation = out.Explanation
				o.reportPattern(patternID, false)
				return intent
			}
			t, ok := o.registry.Get(out.ToolName)
			if !ok {
				res.Explanation = fmt.Sprintf("recovered with %s but it is gone from the registry", out.ToolName)
				o.reportPattern(patternID, false)
				return intent
			}
			o.record(res.ExecutionID, out.ToolName, out.Input, out.Output, true, 0)
			lastOutput = out.Output
			res.ToolChain = append(res.ToolChain, out.ToolName)
			steps = append(steps, pathway.Step{Tool: out.ToolName, Input: out.Input, Summary: out.Output})
			hashes[out.ToolName] = t.Hash
			continue
		}

		input, err := o.SynthesizeParams(ctx, sub, tool, "")
		if err != nil {
			res.Explanation = fmt.Sprintf("could not derive parameters for %s: %v", tool.Definition.Name, err)
			res.StrategiesTried = append(res.StrategiesTried, "parameter_synthesis")
			o.reportPattern(patternID, false)
			return intent
		}

		r := o.invoke(ctx, res.ExecutionID, tool.Definition.Name, input)
		name, output := tool.Definition.Name, r.Output
		if r.Err != nil {
			out := o.recoverer.Recover(ctx, sub, name, input, r.Err)
			res.RecoveryUsed = true
			res.StrategiesTried = append(res.StrategiesTried, out.Strategy)
			if !out.Recovered {
				res.Explanation = out.Explanation
				o.reportPattern(patternID, false)
				return intent
			}
			name, output, input = out.ToolName, out.Output, out.Input
			if out.ToolName != tool.Definition.Name {
				if t, ok := o.registry.Get(out.ToolName); ok {
					tool = t
				}
			}
			// Recovery ran outside invoke; log the winning call too.
			o.record(res.ExecutionID, name, input, output, true, 0)
		}

		lastOutput = output
		res.ToolChain = append(res.ToolChain, name)
		steps = append(steps, pathway.Step{Tool: name, Input: input, Summary: output})
		hashes[name] = tool.Hash
	}

	res.Success = true
	res.Output = lastOutput
	o.writeBack(ctx, goal, subgoals, patternID, steps, hashes, res)
	return intent
}

// reuseLoose replays a near-match single-step pathway for one subgoal.
// Multi-step pathways stay on the strict full-goal path; splicing them
// under a single subgoal would misattribute their dependency set.
func (o *Orchestrator) reuseLoose(ctx context.Context, sub string, res *Result) (pathway.Step, bool) {
	if o.cache == nil {
		return pathway.Step{}, false
	}
	hit, err := o.cache.FindLoose(ctx, sub)
	if err != nil || hit == nil || len(hit.Pathway.Steps) != 1 {
		return pathway.Step{}, false
	}

	cached := hit.Pathway.Steps[0]
	r := o.invoke(ctx, res.ExecutionID, cached.Tool, cached.Input)
	if r.Err != nil {
		logging.Orchestrator("loose pathway %s failed for subgoal %q: %v", hit.Pathway.ID, sub, r.Err)
		_ = o.cache.RecordUse(hit.Pathway.ID, false)
		return pathway.Step{}, false
	}
	_ = o.cache.RecordUse(hit.Pathway.ID, true)
	logging.Orchestrator("loose pathway %s served subgoal %q (similarity %.3f)", hit.Pathway.ID, sub, hit.Similarity)
	return pathway.Step{Tool: cached.Tool, Input: cached.Input, Summary: r.Output}, true
}

// writeBack stores the pathway and pattern after a success. The write is
// serialized per primary tool so concurrent goals touching the same tool
// do not interleave.
func (o *Orchestrator) writeBack(ctx context.Context, goal string, subgoals []string,
	patternID int64, steps []pathway.Step, hashes map[string]string, res *Result) {
	if len(steps) == 0 {
		return
	}
	primary := steps[0].Tool
	_ = o.store.WithToolLock(primary, func() error {
		if o.cache != nil {
			if _, err := o.cache.Store(ctx, goal, steps, hashes); err != nil {
				logging.Get(logging.CategoryOrchestrator).Error("pathway write-back failed: %v", err)
			}
		}
		if o.learner != nil {
			if patternID != 0 {
				o.reportPattern(patternID, true)
			} else if err := o.learner.Store(ctx, goal, subgoals, true,
				time.Duration(res.DurationMs)*time.Millisecond, res.ToolChain); err != nil {
				logging.Get(logging.CategoryOrchestrator).Error("pattern write-back failed: %v", err)
			}
		}
		return nil
	})
}

// invoke runs one tool and logs the invocation.
func (o *Orchestrator) invoke(ctx context.Context, execID, name, input string) tools.Result {
	r := o.registry.Execute(ctx, name, input)
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	if err := o.store.RecordInvocation(store.ToolInvocation{
		ExecutionID: execID,
		ToolName:    name,
		Input:       input,
		Output:      r.Output,
		Success:     r.Err == nil,
		DurationMs:  r.Duration.Milliseconds(),
		Error:       errText,
	}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("failed to record invocation of %s: %v", name, err)
	}
	return r
}

// record logs an invocation that happened outside invoke (recovery wins).
func (o *Orchestrator) record(execID, name, input, output string, success bool, ms int64) {
	_ = o.store.RecordInvocation(store.ToolInvocation{
		ExecutionID: execID,
		ToolName:    name,
		Input:       input,
		Output:      output,
		Success:     success,
		DurationMs:  ms,
	})
}

// finish stamps the duration and writes the execution record.
func (o *Orchestrator) finish(ctx context.Context, goal string, res *Result, start time.Time, intent Intent) {
	res.DurationMs = time.Since(start).Milliseconds()
	if intent == "" {
		intent = IntentToolUse
	}
	err := o.store.RecordExecution(store.GoalExecution{
		ID:         res.ExecutionID,
		Goal:       goal,
		Intent:     string(intent),
		Success:    res.Success,
		DurationMs: res.DurationMs,
		Error:      res.Explanation,
		Metadata: map[string]any{
			"used_pathway":  res.UsedPathway,
			"used_pattern":  res.UsedPattern,
			"recovery_used": res.RecoveryUsed,
			"tool_chain":    res.ToolChain,
		},
	})
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("failed to record execution %s: %v", res.ExecutionID, err)
	}
	logging.Orchestrator("goal %q done: success=%v pathway=%v recovery=%v in %dms",
		goal, res.Success, res.UsedPathway, res.RecoveryUsed, res.DurationMs)
}

func (o *Orchestrator) reportPattern(patternID int64, success bool) {
	if patternID == 0 || o.learner == nil {
		return
	}
	if err := o.learner.RecordUse(patternID, success); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("failed to record pattern use: %v", err)
	}
}

// truncate keeps prompts and summaries bounded, cutting on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func joinNames(ts []tools.Candidate) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Tool.Definition.Name
	}
	return strings.Join(names, ", ")
}
