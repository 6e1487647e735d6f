// Package tools holds the registry of executable tools, the interpreter
// sandbox they run in, and semantic discovery over their definitions.
//
// A tool is a single Go source file interpreted at call time. It must export
// two functions:
//
//	func Define() string                          // JSON Definition
//	func RunTool(input string) (string, error)    // input is JSON params
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecuteFunc runs a tool with JSON-encoded parameters.
type ExecuteFunc func(ctx context.Context, input string) (string, error)

// Property describes one parameter in a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is a minimal JSON-schema-shaped parameter description.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Characteristics describe how safely a tool can be re-executed, which
// drives the validation strategy for generated improvements.
type Characteristics struct {
	Idempotent           bool `json:"idempotent"`
	SideEffects          bool `json:"side_effects"`
	SafeForShadowTesting bool `json:"safe_for_shadow_testing"`
	RequiresMocking      bool `json:"requires_mocking"`
	TestDataAvailable    bool `json:"test_data_available"`
}

// TestCase is one synthetic input/output pair shipped with a tool definition.
type TestCase struct {
	Name   string `json:"name"`
	Input  string `json:"input"`
	Expect string `json:"expect,omitempty"`
}

// Definition is the self-description a tool returns from Define().
type Definition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Schema          Schema          `json:"schema"`
	Characteristics Characteristics `json:"characteristics"`
	TestCases       []TestCase      `json:"test_cases,omitempty"`
}

// Tool is a loaded, executable tool.
type Tool struct {
	Definition Definition
	SourcePath string
	Source     string
	Hash       string // sha256 of Source, hex
	Run        ExecuteFunc
}

// Result is the outcome of one tool execution.
type Result struct {
	ToolName string
	Output   string
	Err      error
	Duration time.Duration
}

// Success reports whether the execution returned without error.
func (r Result) Success() bool { return r.Err == nil }

// ParseDefinition decodes and validates a JSON definition string.
func ParseDefinition(raw string) (Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return def, fmt.Errorf("invalid tool definition JSON: %w", err)
	}
	if def.Name == "" {
		return def, fmt.Errorf("tool definition missing name")
	}
	if def.Description == "" {
		return def, fmt.Errorf("tool %q definition missing description", def.Name)
	}
	return def, nil
}

// ValidateParams checks JSON params against the schema's required list.
// Unknown parameters are allowed; tools may accept more than they declare.
func (d Definition) ValidateParams(input string) error {
	if input == "" {
		input = "{}"
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(input), &params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	for _, req := range d.Schema.Required {
		if _, ok := params[req]; !ok {
			return fmt.Errorf("%w: missing required parameter %q for tool %s", ErrInvalidParams, req, d.Name)
		}
	}
	return nil
}
