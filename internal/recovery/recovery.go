// Package recovery turns a failed tool invocation into a second chance:
// classify the failure, then retry, fall back to another tool, or adapt the
// parameters. It never touches the registry or the pathway cache.
package recovery

import (
	"context"
	"fmt"
	"time"

	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/tools"
)

// State of the recovery machine. Transitions only move forward; the machine
// cannot loop.
type State int

const (
	StateClassifying State = iota
	StateRetrying
	StateFallingBack
	StateAdapting
	StateGivingUp
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClassifying:
		return "classifying"
	case StateRetrying:
		return "retrying"
	case StateFallingBack:
		return "falling_back"
	case StateAdapting:
		return "adapting"
	case StateGivingUp:
		return "giving_up"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config bounds the machine. Total attempts never exceed
// RetryCap + FallbackCap + 1.
type Config struct {
	RetryCap    int           // same-tool retries for transient failures
	RetryBase   time.Duration // backoff base
	RetryFactor float64       // backoff multiplier
	FallbackCap int           // alternative tools to try
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		RetryCap:    3,
		RetryBase:   time.Second,
		RetryFactor: 2,
		FallbackCap: 2,
	}
}

// Finder supplies ranked alternative tools for a goal. Implemented by the
// discovery index.
type Finder interface {
	Search(ctx context.Context, goal string, k int) ([]tools.Candidate, error)
}

// Executor runs a named tool. Implemented by the registry.
type Executor interface {
	Execute(ctx context.Context, name, input string) tools.Result
}

// ParamSynthesizer re-derives parameters for a tool given the failure.
// Implemented by the orchestrator's synthesis step.
type ParamSynthesizer interface {
	SynthesizeParams(ctx context.Context, goal string, tool *tools.Tool, failure string) (string, error)
}

// Outcome is the result of one recovery run.
type Outcome struct {
	Recovered   bool
	Output      string
	ToolName    string // tool that finally produced the output
	Input       string // parameters of the winning invocation
	Strategy    string // terminal strategy name
	Kind        Kind
	Attempts    int
	Explanation string // human-readable, set when giving up
	Chain       []string
}

// Recoverer drives the state machine.
type Recoverer struct {
	cfg      Config
	client   llm.Client
	executor Executor
	finder   Finder
	synth    ParamSynthesizer

	// sleepFn is swapped in tests so backoff does not stall them.
	sleepFn func(context.Context, time.Duration)
}

// New builds a Recoverer. client, finder and synth may be nil; the matching
// strategies then give up immediately.
func New(cfg Config, client llm.Client, executor Executor, finder Finder, synth ParamSynthesizer) *Recoverer {
	return &Recoverer{
		cfg:      cfg,
		client:   client,
		executor: executor,
		finder:   finder,
		synth:    synth,
		sleepFn:  sleepCtx,
	}
}

// Recover classifies the failure and runs the matching strategy.
func (r *Recoverer) Recover(ctx context.Context, goal, toolName, input string, execErr error) Outcome {
	out := Outcome{ToolName: toolName}
	out.chain("classifying failure of %s: %v", toolName, execErr)

	out.Kind = Classify(ctx, r.client, goal, toolName, execErr)
	out.chain("classified as %s", out.Kind)
	logging.Recovery("recovering %s failure of %s for goal %q", out.Kind, toolName, goal)

	switch out.Kind {
	case KindTransient:
		r.retry(ctx, &out, toolName, input)
	case KindWrongTool:
		r.fallBack(ctx, &out, goal, toolName)
	case KindParameterMismatch:
		r.adapt(ctx, &out, goal, toolName, execErr)
	case KindImpossible:
		out.Strategy = StateGivingUp.String()
		out.Explanation = fmt.Sprintf("no available tool can satisfy %q: %v", goal, execErr)
		out.chain("impossible, giving up")
	}

	if !out.Recovered && out.Explanation == "" {
		out.Explanation = fmt.Sprintf("recovery exhausted after %d attempts (%s)", out.Attempts, out.Kind)
	}
	return out
}

// retry re-invokes the same tool with identical parameters under
// exponential backoff.
func (r *Recoverer) retry(ctx context.Context, out *Outcome, toolName, input string) {
	out.Strategy = StateRetrying.String()
	delay := r.cfg.RetryBase
	for i := 0; i < r.cfg.RetryCap; i++ {
		out.chain("retry %d/%d after %s", i+1, r.cfg.RetryCap, delay)
		r.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			out.chain("context cancelled")
			return
		}

		out.Attempts++
		res := r.executor.Execute(ctx, toolName, input)
		if res.Err == nil {
			out.Recovered = true
			out.Output = res.Output
			out.Input = input
			out.chain("retry %d succeeded", i+1)
			return
		}
		out.chain("retry %d failed: %v", i+1, res.Err)
		delay = time.Duration(float64(delay) * r.cfg.RetryFactor)
	}
	out.chain("retries exhausted")
}

// fallBack consults discovery for alternatives and tries them in rank
// order, skipping the failed tool.
func (r *Recoverer) fallBack(ctx context.Context, out *Outcome, goal, failedTool string) {
	out.Strategy = StateFallingBack.String()
	if r.finder == nil {
		out.chain("no discovery available for fallback")
		return
	}

	// One extra candidate in case the failed tool ranks first.
	candidates, err := r.finder.Search(ctx, goal, r.cfg.FallbackCap+1)
	if err != nil {
		out.chain("fallback search failed: %v", err)
		return
	}

	tried := 0
	for _, cand := range candidates {
		name := cand.Tool.Definition.Name
		if name == failedTool || tried >= r.cfg.FallbackCap {
			continue
		}
		tried++
		out.Attempts++

		input := "{}"
		if r.synth != nil {
			if p, err := r.synth.SynthesizeParams(ctx, goal, cand.Tool, ""); err == nil {
				input = p
			}
		}

		out.chain("falling back to %s (score %.3f)", name, cand.Score)
		res := r.executor.Execute(ctx, name, input)
		if res.Err == nil {
			out.Recovered = true
			out.Output = res.Output
			out.ToolName = name
			out.Input = input
			out.chain("fallback to %s succeeded", name)
			return
		}
		out.chain("fallback to %s failed: %v", name, res.Err)
	}
	out.chain("fallbacks exhausted")
}

// adapt asks for fresh parameters once and re-invokes the same tool.
func (r *Recoverer) adapt(ctx context.Context, out *Outcome, goal, toolName string, execErr error) {
	out.Strategy = StateAdapting.String()
	if r.synth == nil {
		out.chain("no synthesizer available for adaptation")
		return
	}

	t, ok := r.lookupTool(toolName)
	if !ok {
		out.chain("tool %s not available for adaptation", toolName)
		return
	}

	input, err := r.synth.SynthesizeParams(ctx, goal, t, execErr.Error())
	if err != nil {
		out.chain("parameter synthesis failed: %v", err)
		return
	}

	out.Attempts++
	out.chain("re-invoking %s with adapted parameters", toolName)
	res := r.executor.Execute(ctx, toolName, input)
	if res.Err == nil {
		out.Recovered = true
		out.Output = res.Output
		out.Input = input
		out.chain("adaptation succeeded")
		return
	}
	out.chain("adaptation failed: %v", res.Err)
}

func (r *Recoverer) lookupTool(name string) (*tools.Tool, bool) {
	type getter interface {
		Get(name string) (*tools.Tool, bool)
	}
	if g, ok := r.executor.(getter); ok {
		return g.Get(name)
	}
	return nil, false
}

func (o *Outcome) chain(format string, args ...interface{}) {
	o.Chain = append(o.Chain, fmt.Sprintf(format, args...))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
