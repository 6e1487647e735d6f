package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goalforge/internal/logging"
)

// ChangeKind classifies what Refresh observed for one tool.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one difference between the registry and the tool directory.
type Change struct {
	Kind     ChangeKind
	ToolName string
	OldHash  string
	NewHash  string
}

// Registry is the in-memory index of loaded tools. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	loader *Loader
}

// NewRegistry builds an empty registry. The loader may be nil for registries
// populated only through Register (tests, built-in tools).
func NewRegistry(loader *Loader) *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		loader: loader,
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
}

// Remove drops a tool from the index. It does not touch the source file.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Hash returns the content hash of a registered tool.
func (r *Registry) Hash(name string) (string, bool) {
	t, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return t.Hash, true
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Definition.Name < out[j].Definition.Name
	})
	return out
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Definition.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Refresh reloads the tool directory and reconciles the index against it.
// Returns what changed so callers can invalidate dependent state.
func (r *Registry) Refresh() ([]Change, error) {
	if r.loader == nil {
		return nil, nil
	}
	loaded, err := r.loader.LoadDir()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	var changes []Change
	for _, t := range loaded {
		name := t.Definition.Name
		seen[name] = true
		prev, ok := r.tools[name]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeAdded, ToolName: name, NewHash: t.Hash})
		case prev.Hash != t.Hash:
			changes = append(changes, Change{Kind: ChangeModified, ToolName: name, OldHash: prev.Hash, NewHash: t.Hash})
		}
		r.tools[name] = t
	}
	for name, prev := range r.tools {
		// Only file-backed tools can disappear from disk.
		if !seen[name] && prev.SourcePath != "" {
			changes = append(changes, Change{Kind: ChangeRemoved, ToolName: name, OldHash: prev.Hash})
			delete(r.tools, name)
		}
	}

	if len(changes) > 0 {
		logging.Tools("refresh found %d changes (%d tools registered)", len(changes), len(r.tools))
	}
	return changes, nil
}

// Execute validates params against the tool schema and runs the tool.
// The Result always carries the duration, even on failure.
func (r *Registry) Execute(ctx context.Context, name, input string) Result {
	start := time.Now()
	t, ok := r.Get(name)
	if !ok {
		return Result{ToolName: name, Err: fmt.Errorf("%w: %s", ErrToolNotFound, name), Duration: time.Since(start)}
	}
	if err := t.Definition.ValidateParams(input); err != nil {
		return Result{ToolName: name, Err: err, Duration: time.Since(start)}
	}

	out, err := t.Run(ctx, input)
	res := Result{ToolName: name, Output: out, Err: err, Duration: time.Since(start)}
	if err != nil {
		logging.Tools("tool %s failed in %s: %v", name, res.Duration.Round(time.Millisecond), err)
	} else {
		logging.ToolsDebug("tool %s ok in %s", name, res.Duration.Round(time.Millisecond))
	}
	return res
}
