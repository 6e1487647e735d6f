package tools

import "errors"

var (
	// ErrToolNotFound means the registry has no tool under that name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidParams means the input did not satisfy the tool schema.
	ErrInvalidParams = errors.New("invalid tool parameters")

	// ErrForbiddenImport means the tool source imports outside the whitelist.
	ErrForbiddenImport = errors.New("forbidden import in tool source")

	// ErrExecutionTimeout means the sandbox deadline elapsed before the tool
	// returned. Callers treat this as transient.
	ErrExecutionTimeout = errors.New("tool execution timed out")

	// ErrNoTools means discovery ran against an empty registry.
	ErrNoTools = errors.New("no tools registered")
)
