// Package llm provides narrow, mockable completion clients. The engine keeps
// all LLM calls behind this interface so deterministic rule tables and test
// doubles can stand in for the backend.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client is the completion interface consumed by the engine.
type Client interface {
	// Complete sends a prompt and returns the raw completion text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a system prompt and a user prompt.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Provider string // "genai" or "openai"
	APIKey   string
	Model    string
	BaseURL  string // OpenAI-compatible endpoints only
	Timeout  time.Duration
}

// NewClient creates a completion client for the configured provider.
func NewClient(cfg Config) (Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "genai":
		return NewGenAIClient(cfg.APIKey, cfg.Model)
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'genai' or 'openai')", cfg.Provider)
	}
}

// ExtractJSON pulls the first JSON object or array out of a completion.
// Models wrap JSON in prose or markdown fences more often than not.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Strip markdown fences.
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		} else {
			text = strings.TrimSpace(rest)
		}
	}

	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			opener = text[i]
			closer = '}'
			if opener == '[' {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", fmt.Errorf("no JSON found in completion")
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON in completion")
}

// ExtractCodeBlock pulls the first fenced Go code block out of a completion,
// falling back to the whole text when no fence is present.
func ExtractCodeBlock(text string) string {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line (```go).
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 10 && !strings.ContainsAny(firstLine, " \t{") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
