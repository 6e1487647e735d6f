package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// funcTool builds a registry entry backed by a plain function, no interpreter.
func funcTool(name, description string, required []string, fn func(string) (string, error)) *Tool {
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: description,
			Schema: Schema{
				Type:     "object",
				Required: required,
			},
		},
		Hash: HashSource(name),
		Run: func(ctx context.Context, input string) (string, error) {
			return fn(input)
		},
	}
}

func TestRegistryExecuteValidatesParams(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(funcTool("greet", "greets", []string{"name"}, func(in string) (string, error) {
		return "hi", nil
	}))

	res := r.Execute(context.Background(), "greet", `{}`)
	if !errors.Is(res.Err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", res.Err)
	}

	res = r.Execute(context.Background(), "greet", `{"name":"Ada"}`)
	if res.Err != nil || res.Output != "hi" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Duration < 0 {
		t.Error("duration must be recorded")
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	res := r.Execute(context.Background(), "nope", "{}")
	if !errors.Is(res.Err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", res.Err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		r.Register(funcTool(n, "d", nil, func(string) (string, error) { return "", nil }))
	}
	names := r.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Errorf("names = %v", names)
	}
	if r.Count() != 3 {
		t.Errorf("count = %d", r.Count())
	}
	if !r.Remove("mid") || r.Has("mid") {
		t.Error("Remove failed")
	}
}

func TestRegistryRefreshDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	write := func(name, source string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("hello_world.go", helloSource)
	// backups are never loaded
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(filepath.Join("backups", "hello_world_1.go"), helloSource)

	loader := NewLoader(dir, NewSandbox(5*time.Second))
	r := NewRegistry(loader)

	changes, err := r.Refresh()
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeAdded || changes[0].ToolName != "hello_world" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, backups must not be loaded", r.Count())
	}

	// Second refresh with nothing changed reports nothing.
	changes, _ = r.Refresh()
	if len(changes) != 0 {
		t.Errorf("idle refresh reported %+v", changes)
	}

	// Modify the source: hash changes.
	oldHash, _ := r.Hash("hello_world")
	write("hello_world.go", helloSource+"\n// tweaked\n")
	changes, _ = r.Refresh()
	if len(changes) != 1 || changes[0].Kind != ChangeModified {
		t.Fatalf("expected modification, got %+v", changes)
	}
	if changes[0].OldHash != oldHash || changes[0].NewHash == oldHash {
		t.Error("hashes not tracked across modification")
	}

	// Delete the file: tool removed.
	if err := os.Remove(filepath.Join(dir, "hello_world.go")); err != nil {
		t.Fatal(err)
	}
	changes, _ = r.Refresh()
	if len(changes) != 1 || changes[0].Kind != ChangeRemoved {
		t.Fatalf("expected removal, got %+v", changes)
	}
	if r.Has("hello_world") {
		t.Error("removed tool still registered")
	}
}
