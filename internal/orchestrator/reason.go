package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/tools"
)

// Keyword shortcuts skip the intent LLM call for obvious goals. Checked
// against lowercased goal words.
var intentKeywords = map[string]Intent{
	"say":       IntentToolUse,
	"fetch":     IntentToolUse,
	"get":       IntentToolUse,
	"compute":   IntentToolUse,
	"calculate": IntentToolUse,
	"convert":   IntentToolUse,
	"parse":     IntentToolUse,
	"summarise": IntentToolUse,
	"summarize": IntentToolUse,
	"run":       IntentToolUse,
	"list":      IntentToolUse,
	"count":     IntentToolUse,
	"thanks":    IntentConversation,
	"thank":     IntentConversation,
}

const intentSystemPrompt = `You classify user goals for a tool-using agent. Respond with JSON only:
{"intent": "<tool_use|conversation|impossible>"}

tool_use: the goal needs a tool to be executed.
conversation: a greeting, opinion or chat that needs only a text reply.
impossible: no software tool could plausibly satisfy it.`

const decomposeSystemPrompt = `You decompose goals into an ordered list of concrete subgoals, each achievable by a single tool invocation. Simple goals decompose into one subgoal. Respond with JSON only:
{"subgoals": ["<subgoal>", ...]}`

const selectSystemPrompt = `You pick the single best tool for a goal from a candidate list. Respond with JSON only:
{"tool": "<name>"}
The name must be one of the candidates, verbatim.`

const synthSystemPrompt = `You produce the JSON parameter object for a tool invocation. Respond with the JSON object only, no prose. Every required parameter must be present.`

// decompose yields the subgoal list for a goal. A learned pattern wins;
// otherwise intent is classified and the LLM decomposes. done means the
// result is final and no tools should run (conversation or impossible).
func (o *Orchestrator) decompose(ctx context.Context, goal string, res *Result) (subgoals []string, patternID int64, intent Intent, done bool) {
	if o.learner != nil {
		if s, err := o.learner.Suggest(ctx, goal); err == nil && s != nil {
			logging.Orchestrator("pattern %d seeds %d subgoals (confidence %.2f)", s.PatternID, len(s.Subgoals), s.Confidence)
			res.UsedPattern = true
			return s.Subgoals, s.PatternID, IntentToolUse, false
		}
	}

	switch o.classifyIntent(ctx, goal) {
	case IntentConversation:
		o.converse(ctx, goal, res)
		return nil, 0, IntentConversation, true
	case IntentImpossible:
		res.Explanation = fmt.Sprintf("no available tool can satisfy %q", goal)
		res.StrategiesTried = append(res.StrategiesTried, "intent_classification")
		return nil, 0, IntentImpossible, true
	}

	return o.llmDecompose(ctx, goal), 0, IntentToolUse, false
}

// classifyIntent checks the keyword table first, then asks the LLM. With no
// answer either way, tool_use is assumed: the selection step will surface a
// real failure if none fits.
func (o *Orchestrator) classifyIntent(ctx context.Context, goal string) Intent {
	for _, word := range strings.Fields(strings.ToLower(goal)) {
		word = strings.Trim(word, ".,!?")
		if intent, ok := intentKeywords[word]; ok {
			logging.OrchestratorDebug("keyword %q classified %q as %s", word, goal, intent)
			return intent
		}
	}

	resp, err := o.client.CompleteWithSystem(ctx, intentSystemPrompt, goal)
	if err != nil {
		logging.Orchestrator("intent classification failed, assuming tool_use: %v", err)
		return IntentToolUse
	}
	var out struct {
		Intent string `json:"intent"`
	}
	if raw, jerr := llm.ExtractJSON(resp); jerr == nil {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	switch Intent(out.Intent) {
	case IntentConversation, IntentImpossible:
		return Intent(out.Intent)
	default:
		return IntentToolUse
	}
}

// converse answers a conversational goal directly.
func (o *Orchestrator) converse(ctx context.Context, goal string, res *Result) {
	answer, err := o.client.Complete(ctx, goal)
	if err != nil {
		res.Explanation = fmt.Sprintf("conversation backend unavailable: %v", err)
		return
	}
	res.Success = true
	res.Output = answer
}

// llmDecompose asks for subgoals; on any failure the goal itself is the
// single subgoal.
func (o *Orchestrator) llmDecompose(ctx context.Context, goal string) []string {
	resp, err := o.client.CompleteWithSystem(ctx, decomposeSystemPrompt, goal)
	if err != nil {
		logging.Orchestrator("decomposition failed, using goal as single subgoal: %v", err)
		return []string{goal}
	}
	var out struct {
		Subgoals []string `json:"subgoals"`
	}
	if raw, jerr := llm.ExtractJSON(resp); jerr == nil {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	if len(out.Subgoals) == 0 {
		return []string{goal}
	}
	logging.Orchestrator("decomposed %q into %d subgoals", goal, len(out.Subgoals))
	return out.Subgoals
}

// selectTool finds candidates via discovery and lets the LLM choose. An
// answer outside the registry counts as a selection error and is retried
// once against a narrower list.
func (o *Orchestrator) selectTool(ctx context.Context, subgoal string) (*tools.Tool, error) {
	candidates, err := o.discovery.Search(ctx, subgoal, o.cfg.TopK)
	if err != nil {
		return nil, err
	}
	// Discovery skips tools it cannot embed; everything skipped leaves an
	// empty list with a nil error.
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate for %q survived discovery", tools.ErrNoTools, subgoal)
	}
	if len(candidates) == 1 {
		return candidates[0].Tool, nil
	}

	if tool, err := o.askSelection(ctx, subgoal, candidates); err == nil {
		return tool, nil
	}

	// Narrower list, one retry.
	narrow := candidates
	if len(narrow) > 2 {
		narrow = narrow[:2]
	}
	if tool, err := o.askSelection(ctx, subgoal, narrow); err == nil {
		return tool, nil
	}

	// The top-ranked candidate is the best remaining guess.
	logging.Orchestrator("selection fell back to top candidate %s for %q",
		candidates[0].Tool.Definition.Name, subgoal)
	return candidates[0].Tool, nil
}

func (o *Orchestrator) askSelection(ctx context.Context, subgoal string, candidates []tools.Candidate) (*tools.Tool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nCandidates:\n", subgoal)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s: %s\n", c.Tool.Definition.Name, c.Tool.Definition.Description)
	}

	resp, err := o.client.CompleteWithSystem(ctx, selectSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	var out struct {
		Tool string `json:"tool"`
	}
	raw, jerr := llm.ExtractJSON(resp)
	if jerr != nil {
		return nil, fmt.Errorf("no JSON in selection response")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unparseable selection response: %w", err)
	}

	for _, c := range candidates {
		if c.Tool.Definition.Name == out.Tool {
			return c.Tool, nil
		}
	}
	return nil, fmt.Errorf("selected tool %q is not among candidates [%s]", out.Tool, joinNames(candidates))
}

// SynthesizeParams asks the LLM for the parameter object of a tool call.
// failure carries the previous error when recovery is adapting parameters.
// Tools without required parameters skip the LLM entirely.
func (o *Orchestrator) SynthesizeParams(ctx context.Context, goal string, tool *tools.Tool, failure string) (string, error) {
	if len(tool.Definition.Schema.Required) == 0 && failure == "" {
		return "{}", nil
	}

	schema, _ := json.Marshal(tool.Definition.Schema)
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nTool: %s (%s)\nParameter schema: %s\n",
		goal, tool.Definition.Name, tool.Definition.Description, schema)
	if failure != "" {
		fmt.Fprintf(&b, "Previous attempt failed with: %s\n", truncate(failure, 500))
	}

	resp, err := o.client.CompleteWithSystem(ctx, synthSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("parameter synthesis failed: %w", err)
	}
	raw, jerr := llm.ExtractJSON(resp)
	if jerr != nil {
		return "", fmt.Errorf("no JSON object in synthesis response")
	}
	if err := tool.Definition.ValidateParams(raw); err != nil {
		return "", err
	}
	return raw, nil
}
