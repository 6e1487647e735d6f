package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/tools"
)

// Kind is the failure class that picks a recovery strategy.
type Kind int

const (
	// KindTransient covers timeouts and rate limits; retrying the same call
	// may succeed.
	KindTransient Kind = iota

	// KindWrongTool means the tool ran but does not fit the goal.
	KindWrongTool

	// KindParameterMismatch means the tool rejected the input.
	KindParameterMismatch

	// KindImpossible means no known tool can satisfy the goal.
	KindImpossible
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindWrongTool:
		return "wrong_tool"
	case KindParameterMismatch:
		return "parameter_mismatch"
	case KindImpossible:
		return "impossible"
	default:
		return "unknown"
	}
}

// kindFromString maps LLM output back to the closed set. Anything
// unrecognized degrades to impossible, the conservative branch.
func kindFromString(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient":
		return KindTransient
	case "wrong_tool":
		return KindWrongTool
	case "parameter_mismatch":
		return KindParameterMismatch
	default:
		return KindImpossible
	}
}

// classifyRule is one deterministic substring rule, checked before the LLM.
type classifyRule struct {
	substr string
	kind   Kind
}

var classifyRules = []classifyRule{
	{"timed out", KindTransient},
	{"timeout", KindTransient},
	{"deadline exceeded", KindTransient},
	{"rate limit", KindTransient},
	{"too many requests", KindTransient},
	{"429", KindTransient},
	{"connection refused", KindTransient},
	{"connection reset", KindTransient},
	{"temporarily unavailable", KindTransient},
	{"invalid tool parameters", KindParameterMismatch},
	{"missing required parameter", KindParameterMismatch},
	{"invalid parameter", KindParameterMismatch},
	{"cannot unmarshal", KindParameterMismatch},
	{"invalid character", KindParameterMismatch},
	{"tool not found", KindWrongTool},
	{"no tools registered", KindImpossible},
}

const classifySystemPrompt = `You classify tool execution failures. Respond with JSON only:
{"kind": "<transient|wrong_tool|parameter_mismatch|impossible>", "reason": "<one sentence>"}

transient: timeouts, rate limits, flaky infrastructure. Retrying may work.
wrong_tool: the tool ran but is the wrong one for this goal.
parameter_mismatch: the tool is right but rejected the input.
impossible: no available tool can satisfy this goal.`

// Classify maps a failure to a Kind. Deterministic rules run first; the LLM
// is consulted only when no rule matches. With no LLM available unmatched
// failures classify as wrong_tool, which lets fallback try alternatives.
func Classify(ctx context.Context, client llm.Client, goal, toolName string, execErr error) Kind {
	if execErr == nil {
		return KindTransient
	}

	// Typed errors first, then message rules.
	if errors.Is(execErr, tools.ErrExecutionTimeout) {
		return KindTransient
	}
	if errors.Is(execErr, tools.ErrInvalidParams) {
		return KindParameterMismatch
	}
	if errors.Is(execErr, tools.ErrNoTools) {
		return KindImpossible
	}
	if errors.Is(execErr, tools.ErrToolNotFound) {
		return KindWrongTool
	}

	msg := strings.ToLower(execErr.Error())
	for _, rule := range classifyRules {
		if strings.Contains(msg, rule.substr) {
			logging.RecoveryDebug("rule %q classified failure of %s as %s", rule.substr, toolName, rule.kind)
			return rule.kind
		}
	}

	if client == nil {
		return KindWrongTool
	}

	user := fmt.Sprintf("Goal: %s\nTool: %s\nError: %s", goal, toolName, execErr.Error())
	resp, err := client.CompleteWithSystem(ctx, classifySystemPrompt, user)
	if err != nil {
		logging.Recovery("classification LLM call failed, assuming wrong_tool: %v", err)
		return KindWrongTool
	}

	raw, err := llm.ExtractJSON(resp)
	if err != nil {
		logging.Recovery("no JSON in classification %q, assuming wrong_tool", resp)
		return KindWrongTool
	}
	var out struct {
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		logging.Recovery("unparseable classification %q, assuming wrong_tool", resp)
		return KindWrongTool
	}
	kind := kindFromString(out.Kind)
	logging.Recovery("classified failure of %s as %s: %s", toolName, kind, out.Reason)
	return kind
}
