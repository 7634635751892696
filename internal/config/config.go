// Package config loads and validates the frozen configuration struct that
// every component receives a slice of at boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the assistant server.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Execution    ExecutionConfig    `yaml:"execution"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Hints        HintsConfig        `yaml:"hints"`
	Logging      LoggingConfig      `yaml:"logging"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
}

// ServerConfig configures the HTTP diagnostics/chat surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ExecutionConfig configures the tool execution plane.
type ExecutionConfig struct {
	ToolsEnabled       bool     `yaml:"tools_enabled"`
	ToolTimeoutMs      int      `yaml:"tool_timeout_ms"`
	ToolMaxOutputBytes int      `yaml:"tool_max_output_bytes"`
	ToolAllow          []string `yaml:"tool_allow"`
	GateShellExec      bool     `yaml:"gate_shell_exec"`
	GateFileWrite      bool     `yaml:"gate_file_write"`
	GateGitPush        bool     `yaml:"gate_git_push"`
	GateRestart        bool     `yaml:"gate_restart"`
}

// RateLimitConfig configures the token bucket admission control.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Capacity          float64 `yaml:"capacity"`
	RefillPerSecond   float64 `yaml:"refill_per_second"`
	CostPerRequest    float64 `yaml:"cost_per_request"`
	PerConversation   bool    `yaml:"per_conversation"`
}

// EventStoreConfig configures the append-only JSONL event log.
type EventStoreConfig struct {
	Dir            string `yaml:"dir"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
	RetentionDays  int    `yaml:"retention_days"`
}

// OrchestratorConfig configures the tool-loop, review, chunked, and
// combined orchestrators plus the mode heuristic thresholds.
type OrchestratorConfig struct {
	MaxToolLoopIterations int `yaml:"max_tool_loop_iterations"`

	ReviewEnabled          bool    `yaml:"review_enabled"`
	ReviewIterations       int     `yaml:"review_iterations"`
	ReviewThreshold        float64 `yaml:"review_threshold"`
	ReviewMaxRegenerations int     `yaml:"review_max_regenerations"`

	ChunkedEnabled        bool `yaml:"chunked_enabled"`
	ChunkedMaxChunks      int  `yaml:"chunked_max_chunks"`
	ChunkedTokensPerChunk int  `yaml:"chunked_tokens_per_chunk"`
	ChunkedOutlineRetries int  `yaml:"chunked_outline_retries"`

	CombinedStrategy string `yaml:"combined_strategy"` // per_chunk | final_only | both

	AutoReview           bool    `yaml:"auto_review"`
	AutoChunked          bool    `yaml:"auto_chunked"`
	ChunkedThreshold     float64 `yaml:"chunked_threshold"`
	ReviewModeThreshold  float64 `yaml:"review_mode_threshold"`
}

// ContinuationConfig bounds incomplete-output continuation attempts.
type ContinuationConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// HintsConfig configures the telemetry hint injector.
type HintsConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Minutes    int     `yaml:"minutes"`
	Threshold  float64 `yaml:"threshold"`
	MinSamples int     `yaml:"min_samples"`
}

// LoggingConfig configures the structured logger and redaction previews.
type LoggingConfig struct {
	Level                string `yaml:"level"`
	RedactMaxPreviewBytes int    `yaml:"redact_max_preview_bytes"`
	AggressiveRedaction  bool   `yaml:"aggressive_redaction"`
}

// UpstreamConfig configures the outbound OpenAI-compatible completion client.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the built-in defaults for every option.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Execution: ExecutionConfig{
			ToolsEnabled:       true,
			ToolTimeoutMs:      30000,
			ToolMaxOutputBytes: 1 << 20,
			ToolAllow:          nil, // nil means "full registry minus gated tools"
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Capacity:        100,
			RefillPerSecond: 10,
			CostPerRequest:  1,
		},
		EventStore: EventStoreConfig{
			Dir:             "./data/events",
			SegmentMaxBytes: 10 << 20,
			RetentionDays:   7,
		},
		Orchestrator: OrchestratorConfig{
			MaxToolLoopIterations:  8,
			ReviewEnabled:          true,
			ReviewIterations:       3,
			ReviewThreshold:        0.7,
			ReviewMaxRegenerations: 2,
			ChunkedEnabled:         true,
			ChunkedMaxChunks:       5,
			ChunkedTokensPerChunk:  1024,
			ChunkedOutlineRetries:  2,
			CombinedStrategy:       "final_only",
			AutoReview:             true,
			AutoChunked:            true,
			ChunkedThreshold:       0.5,
			ReviewModeThreshold:    0.5,
		},
		Continuation: ContinuationConfig{MaxAttempts: 2},
		Hints: HintsConfig{
			Enabled:    true,
			Minutes:    10,
			Threshold:  0.15,
			MinSamples: 5,
		},
		Logging: LoggingConfig{
			Level:                 "info",
			RedactMaxPreviewBytes: 4096,
			AggressiveRedaction:   false,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			RequestTimeout: 120 * time.Second,
		},
	}
}

// Load reads a YAML config file (if present), expanding $VARS in the
// file body, and layers environment variable overrides on top. The merge
// is flat: env vars win, file values win over defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// applyEnvOverrides layers a small set of well-known environment
// variables over the loaded config, covering the settings most often set
// outside a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASSISTANTD_UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("ASSISTANTD_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("ASSISTANTD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ASSISTANTD_EVENT_DIR"); v != "" {
		cfg.EventStore.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("ASSISTANTD_TOOL_ALLOW")); v != "" {
		cfg.Execution.ToolAllow = strings.Split(v, ",")
	}
}

// Validate rejects configurations with nonsensical values before boot.
func (c Config) Validate() error {
	if c.Execution.ToolTimeoutMs <= 0 {
		return fmt.Errorf("execution.tool_timeout_ms must be positive")
	}
	if c.RateLimit.Capacity < 0 || c.RateLimit.RefillPerSecond < 0 {
		return fmt.Errorf("rate_limit capacity/refill must be non-negative")
	}
	switch c.Orchestrator.CombinedStrategy {
	case "per_chunk", "final_only", "both":
	default:
		return fmt.Errorf("orchestrator.combined_strategy invalid: %q", c.Orchestrator.CombinedStrategy)
	}
	return nil
}
