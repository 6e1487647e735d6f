package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goalforge/internal/logging"
)

// Loader reads tool source files from a directory and turns them into
// executable Tools backed by the sandbox.
type Loader struct {
	dir     string
	sandbox *Sandbox
}

// NewLoader builds a loader over dir.
func NewLoader(dir string, sandbox *Sandbox) *Loader {
	return &Loader{dir: dir, sandbox: sandbox}
}

// Dir returns the tool directory.
func (l *Loader) Dir() string { return l.dir }

// LoadDir loads every .go file directly under the tool directory. The
// backups/ subdirectory holds pre-deployment copies and is never loaded.
// A file that fails to load is skipped with a log line; one broken tool
// must not take the rest down.
func (l *Loader) LoadDir() ([]*Tool, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tool directory %s: %w", l.dir, err)
	}

	var out []*Tool
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		tool, err := l.LoadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			logging.Tools("skipping %s: %v", entry.Name(), err)
			continue
		}
		out = append(out, tool)
	}
	return out, nil
}

// LoadFile loads a single tool source file.
func (l *Loader) LoadFile(path string) (*Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool source: %w", err)
	}
	return l.FromSource(path, string(data))
}

// FromSource builds a Tool from in-memory source, verifying the contract
// (Define + RunTool, whitelisted imports) up front.
func (l *Loader) FromSource(path, source string) (*Tool, error) {
	def, err := l.sandbox.Describe(source)
	if err != nil {
		return nil, err
	}

	t := &Tool{
		Definition: def,
		SourcePath: path,
		Source:     source,
		Hash:       HashSource(source),
	}
	t.Run = func(ctx context.Context, input string) (string, error) {
		return l.sandbox.Execute(ctx, t.Definition.Name, t.Source, input)
	}
	logging.ToolsDebug("loaded tool %s from %s (hash %.12s)", def.Name, filepath.Base(path), t.Hash)
	return t, nil
}

// HashSource returns the content hash used for pathway dependency tracking
// and version records.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
