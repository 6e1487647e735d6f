package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const helloSource = `package main

import (
	"encoding/json"
	"fmt"
)

func Define() string {
	return ` + "`" + `{
		"name": "hello_world",
		"description": "Greets a person by name",
		"schema": {
			"type": "object",
			"properties": {"name": {"type": "string", "description": "who to greet"}},
			"required": ["name"]
		},
		"characteristics": {"idempotent": true, "safe_for_shadow_testing": true}
	}` + "`" + `
}

func RunTool(input string) (string, error) {
	var params struct {
		Name string ` + "`json:\"name\"`" + `
	}
	if err := json.Unmarshal([]byte(input), &params); err != nil {
		return "", err
	}
	return fmt.Sprintf("Hello, %s!", params.Name), nil
}
`

func TestSandboxDescribe(t *testing.T) {
	sb := NewSandbox(5 * time.Second)

	def, err := sb.Describe(helloSource)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if def.Name != "hello_world" {
		t.Errorf("name = %q", def.Name)
	}
	if len(def.Schema.Required) != 1 || def.Schema.Required[0] != "name" {
		t.Errorf("required = %v", def.Schema.Required)
	}
	if !def.Characteristics.Idempotent {
		t.Error("expected idempotent characteristic")
	}
}

func TestSandboxExecute(t *testing.T) {
	sb := NewSandbox(5 * time.Second)

	out, err := sb.Execute(context.Background(), "hello_world", helloSource, `{"name":"Ada"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "Hello, Ada!" {
		t.Errorf("output = %q", out)
	}
}

func TestSandboxRejectsForbiddenImports(t *testing.T) {
	src := `package main

import "os"

func Define() string { return "{}" }
func RunTool(input string) (string, error) { return os.Getenv("HOME"), nil }
`
	sb := NewSandbox(5 * time.Second)
	if err := sb.CheckImports(src); !errors.Is(err, ErrForbiddenImport) {
		t.Errorf("expected ErrForbiddenImport, got %v", err)
	}
	if _, err := sb.Execute(context.Background(), "bad", src, "{}"); !errors.Is(err, ErrForbiddenImport) {
		t.Errorf("Execute must also refuse, got %v", err)
	}
}

func TestSandboxTimeout(t *testing.T) {
	src := `package main

import "time"

func Define() string { return "{}" }
func RunTool(input string) (string, error) {
	time.Sleep(10 * time.Second)
	return "too late", nil
}
`
	sb := NewSandbox(50 * time.Millisecond)
	start := time.Now()
	_, err := sb.Execute(context.Background(), "sleepy", src, "{}")
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("expected ErrExecutionTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not return promptly")
	}
}

func TestSandboxMissingRunTool(t *testing.T) {
	src := `package main

func Define() string { return "{\"name\":\"x\",\"description\":\"y\"}" }
`
	sb := NewSandbox(time.Second)
	_, err := sb.Describe(src)
	if err == nil || !strings.Contains(err.Error(), "RunTool") {
		t.Errorf("expected RunTool contract error, got %v", err)
	}
}
