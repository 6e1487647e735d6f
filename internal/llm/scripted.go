package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedClient is a deterministic Client for demos and tests. Responses are
// selected by substring match against the prompt, first rule wins.
type ScriptedClient struct {
	mu    sync.Mutex
	rules []ScriptRule
	calls []string
}

// ScriptRule maps a prompt substring to a canned response.
type ScriptRule struct {
	Contains string
	Respond  string
}

// NewScripted creates a scripted client with the given rules.
func NewScripted(rules ...ScriptRule) *ScriptedClient {
	return &ScriptedClient{rules: rules}
}

// AddRule appends a rule at lowest priority.
func (c *ScriptedClient) AddRule(contains, respond string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, ScriptRule{Contains: contains, Respond: respond})
}

// Complete matches the prompt against the script.
func (c *ScriptedClient) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, prompt)
	for _, r := range c.rules {
		if strings.Contains(prompt, r.Contains) {
			return r.Respond, nil
		}
	}
	return "", fmt.Errorf("scripted client has no rule for prompt: %.80s", prompt)
}

// CompleteWithSystem matches both prompts against the script.
func (c *ScriptedClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.Complete(ctx, systemPrompt+"\n"+userPrompt)
}

// Calls returns the prompts seen so far.
func (c *ScriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}
