package tools

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"goalforge/internal/logging"
)

// Sandbox interprets tool source with yaegi instead of compiling it. A fresh
// interpreter is created per call so one tool cannot leak state into another.
//
// Restrictions:
//   - imports limited to a stdlib whitelist (no os, net, exec, unsafe)
//   - wall-clock timeout on every call
type Sandbox struct {
	timeout time.Duration
	allowed map[string]bool
}

// NewSandbox builds a sandbox with the default import whitelist.
func NewSandbox(timeout time.Duration) *Sandbox {
	return &Sandbox{
		timeout: timeout,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"errors":          true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"encoding/csv":    true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"unicode/utf8":    true,
		},
	}
}

// CheckImports parses the source and rejects any import outside the
// whitelist. This runs at load time and again before every execution so a
// rewritten file cannot sneak a forbidden package in between.
func (sb *Sandbox) CheckImports(source string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "tool.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("failed to parse tool source: %w", err)
	}
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("malformed import %s: %w", imp.Path.Value, err)
		}
		if !sb.allowed[path] {
			return fmt.Errorf("%w: %q", ErrForbiddenImport, path)
		}
	}
	return nil
}

// Describe evaluates the source and calls its Define() to get the tool's
// self-description.
func (sb *Sandbox) Describe(source string) (Definition, error) {
	if err := sb.CheckImports(source); err != nil {
		return Definition{}, err
	}
	i, err := sb.eval(source)
	if err != nil {
		return Definition{}, err
	}

	v, err := i.Eval("main.Define")
	if err != nil {
		return Definition{}, fmt.Errorf("Define function not found: %w", err)
	}
	defineFn, ok := v.Interface().(func() string)
	if !ok {
		return Definition{}, fmt.Errorf("Define has wrong signature, want func() string")
	}

	// RunTool must exist even though we only call Define here.
	if _, err := i.Eval("main.RunTool"); err != nil {
		return Definition{}, fmt.Errorf("RunTool function not found: %w", err)
	}

	return ParseDefinition(defineFn())
}

// Execute interprets the source and calls RunTool(input). The interpreter
// goroutine cannot be killed, so on timeout it is abandoned and the error
// returned immediately.
func (sb *Sandbox) Execute(ctx context.Context, name, source, input string) (string, error) {
	if err := sb.CheckImports(source); err != nil {
		return "", err
	}

	i, err := sb.eval(source)
	if err != nil {
		return "", err
	}

	v, err := i.Eval("main.RunTool")
	if err != nil {
		return "", fmt.Errorf("RunTool function not found: %w", err)
	}
	runFn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("RunTool has wrong signature, want func(string) (string, error)")
	}

	ctx, cancel := context.WithTimeout(ctx, sb.timeout)
	defer cancel()

	outCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := runFn(input)
		if err != nil {
			errCh <- err
			return
		}
		outCh <- out
	}()

	select {
	case out := <-outCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		logging.Tools("tool %s exceeded %s deadline", name, sb.timeout)
		return "", fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, name, sb.timeout)
	}
}

func (sb *Sandbox) eval(source string) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if !strings.Contains(source, "package main") {
		source = "package main\n\n" + source
	}
	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("tool source evaluation failed: %w", err)
	}
	return i, nil
}
