// Package config loads goalforge configuration from YAML with environment
// variable overrides. All tuning knobs for the execution and improvement
// control plane live here so tests and deployments can adjust them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all goalforge configuration.
type Config struct {
	// Workspace is the root directory for state (.goalforge/).
	Workspace string `yaml:"workspace"`

	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Store        StoreConfig        `yaml:"store"`
	Tools        ToolsConfig        `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Improvement  ImprovementConfig  `yaml:"improvement"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Loop         LoopConfig         `yaml:"loop"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // genai, openai
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"` // OpenAI-compatible endpoints only
	Timeout  time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, local
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	// Dimensions must stay constant across a deployment; stored pathways
	// embed with it.
	Dimensions int `yaml:"dimensions"`
}

// StoreConfig configures the SQLite execution log.
type StoreConfig struct {
	Path string `yaml:"path"` // Database file, ":memory:" for tests
}

// ToolsConfig configures tool discovery and sandboxing.
type ToolsConfig struct {
	Dir            string        `yaml:"dir"`             // Tool source directory
	ExecuteTimeout time.Duration `yaml:"execute_timeout"` // Hard per-invocation timeout
	TopK           int           `yaml:"top_k"`           // Discovery candidates per query
}

// OrchestratorConfig holds the pipeline thresholds.
type OrchestratorConfig struct {
	// CacheThreshold is the cosine similarity needed for a pathway hit.
	CacheThreshold float64 `yaml:"cache_threshold"`
	// CacheThresholdLoose admits near-match pathways when no exact-ish one exists.
	CacheThresholdLoose float64 `yaml:"cache_threshold_loose"`
	// PatternThreshold gates decomposition pattern reuse.
	PatternThreshold float64 `yaml:"pattern_threshold"`
}

// RecoveryConfig bounds the error-recovery state machine.
type RecoveryConfig struct {
	RetryCap    int           `yaml:"retry_cap"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryFactor float64       `yaml:"retry_factor"`
	FallbackCap int           `yaml:"fallback_cap"`
}

// LifecycleConfig tunes reconciliation alerts and archiving.
type LifecycleConfig struct {
	AlertSuccessRate float64       `yaml:"alert_success_rate"`
	AlertMinUses     int           `yaml:"alert_min_uses"`
	ArchiveAfter     time.Duration `yaml:"archive_after"`
	ArchiveMaxUses   int           `yaml:"archive_max_uses"`
}

// ImprovementConfig tunes opportunity detection and test gates.
type ImprovementConfig struct {
	Threshold     float64 `yaml:"threshold"`      // Success rate below which a tool is a candidate
	MinExecutions int     `yaml:"min_executions"` // Uses required before analysis
	ShadowGate    float64 `yaml:"shadow_gate"`    // Required result agreement
	ReplayGate    float64 `yaml:"replay_gate"`    // Required replay pass rate
	ReplayWindow  int     `yaml:"replay_window"`  // Recorded invocations replayed
	MaxPerCycle   int     `yaml:"max_per_cycle"`  // Opportunities processed per loop cycle
}

// MonitorConfig tunes post-deployment rollback policy.
type MonitorConfig struct {
	Window              time.Duration `yaml:"window"`               // Monitoring window
	BaselineWindow      time.Duration `yaml:"baseline_window"`      // Prior data for baseline
	ImmediateWindow     time.Duration `yaml:"immediate_window"`     // Immediate-tier duration
	FastWindow          time.Duration `yaml:"fast_window"`          // Fast-tier duration
	FastFailureDelta    float64       `yaml:"fast_failure_delta"`   // Absolute failure-rate excess
	RegressionThreshold float64       `yaml:"regression_threshold"` // Standard-tier success drop
	MinExecutions       int           `yaml:"min_executions"`       // Invocations before a verdict
}

// LoopConfig drives the autonomous background loop.
type LoopConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// LoggingConfig controls debug file logging.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Workspace: ".",
		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.0-flash",
			Timeout:  60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     384,
		},
		Store: StoreConfig{
			Path: filepath.Join(".goalforge", "goalforge.db"),
		},
		Tools: ToolsConfig{
			Dir:            filepath.Join(".goalforge", "tools"),
			ExecuteTimeout: 30 * time.Second,
			TopK:           5,
		},
		Orchestrator: OrchestratorConfig{
			CacheThreshold:      0.90,
			CacheThresholdLoose: 0.85,
			PatternThreshold:    0.80,
		},
		Recovery: RecoveryConfig{
			RetryCap:    3,
			RetryBase:   time.Second,
			RetryFactor: 2,
			FallbackCap: 2,
		},
		Lifecycle: LifecycleConfig{
			AlertSuccessRate: 0.85,
			AlertMinUses:     20,
			ArchiveAfter:     90 * 24 * time.Hour,
			ArchiveMaxUses:   10,
		},
		Improvement: ImprovementConfig{
			Threshold:     0.7,
			MinExecutions: 10,
			ShadowGate:    0.95,
			ReplayGate:    0.90,
			ReplayWindow:  20,
			MaxPerCycle:   3,
		},
		Monitor: MonitorConfig{
			Window:              24 * time.Hour,
			BaselineWindow:      7 * 24 * time.Hour,
			ImmediateWindow:     time.Minute,
			FastWindow:          time.Hour,
			FastFailureDelta:    0.30,
			RegressionThreshold: 0.15,
			MinExecutions:       10,
		},
		Loop: LoopConfig{
			CheckInterval:       5 * time.Minute,
			MaintenanceInterval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads config from path (if it exists), applies env overrides, and
// validates the result. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators override the file-based config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOALFORGE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("GOALFORGE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GOALFORGE_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("GOALFORGE_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("GOALFORGE_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("GOALFORGE_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("GOALFORGE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("GOALFORGE_TOOLS_DIR"); v != "" {
		c.Tools.Dir = v
	}
	if v := envFloat("GOALFORGE_CACHE_THRESHOLD"); v >= 0 {
		c.Orchestrator.CacheThreshold = v
	}
	if v := envFloat("GOALFORGE_PATTERN_THRESHOLD"); v >= 0 {
		c.Orchestrator.PatternThreshold = v
	}
	if v := envFloat("GOALFORGE_IMPROVEMENT_THRESHOLD"); v >= 0 {
		c.Improvement.Threshold = v
	}
	if v := envFloat("GOALFORGE_REGRESSION_THRESHOLD"); v >= 0 {
		c.Monitor.RegressionThreshold = v
	}
	if v := os.Getenv("GOALFORGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.Debug = true
	}
}

func envFloat(name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return -1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return -1
	}
	return f
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.CacheThreshold < 0 || c.Orchestrator.CacheThreshold > 1 {
		return fmt.Errorf("cache_threshold must be in [0,1], got %v", c.Orchestrator.CacheThreshold)
	}
	if c.Orchestrator.PatternThreshold < 0 || c.Orchestrator.PatternThreshold > 1 {
		return fmt.Errorf("pattern_threshold must be in [0,1], got %v", c.Orchestrator.PatternThreshold)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Recovery.RetryCap < 0 || c.Recovery.FallbackCap < 0 {
		return fmt.Errorf("recovery caps must be non-negative")
	}
	if c.Tools.ExecuteTimeout <= 0 {
		return fmt.Errorf("tool execute_timeout must be positive, got %v", c.Tools.ExecuteTimeout)
	}
	switch c.LLM.Provider {
	case "genai", "openai":
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "ollama", "genai", "local":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	return nil
}
