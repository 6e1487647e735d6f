package llm

import (
	"context"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   bool
	}{
		{"bare object", `{"tool":"hello_world"}`, `{"tool":"hello_world"}`, false},
		{"prose wrapped", `Sure! Here it is: {"a":1} hope that helps`, `{"a":1}`, false},
		{"markdown fence", "```json\n{\"a\": [1,2]}\n```", `{"a": [1,2]}`, false},
		{"array", `the subgoals are ["fetch","summarise"]`, `["fetch","summarise"]`, false},
		{"nested braces in string", `{"msg":"use {curly} braces"}`, `{"msg":"use {curly} braces"}`, false},
		{"no json", `I cannot do that`, "", true},
		{"unbalanced", `{"a": {`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.err {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractCodeBlock(t *testing.T) {
	src := "Here is the fixed tool:\n```go\npackage main\n\nfunc RunTool(input string) (string, error) {\n\treturn input, nil\n}\n```\nDone."
	got := ExtractCodeBlock(src)
	if got == "" || got[:12] != "package main" {
		t.Errorf("unexpected extraction: %q", got)
	}

	// No fence: returns trimmed text.
	if ExtractCodeBlock("  plain  ") != "plain" {
		t.Error("plain text should pass through trimmed")
	}
}

func TestScriptedClient(t *testing.T) {
	c := NewScripted(
		ScriptRule{Contains: "classify", Respond: "tool_use"},
		ScriptRule{Contains: "decompose", Respond: `["a","b"]`},
	)

	got, err := c.Complete(context.Background(), "please classify this goal")
	if err != nil || got != "tool_use" {
		t.Errorf("got %q err %v", got, err)
	}

	if _, err := c.Complete(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unmatched prompt")
	}

	if len(c.Calls()) != 2 {
		t.Errorf("expected 2 recorded calls, got %d", len(c.Calls()))
	}
}
