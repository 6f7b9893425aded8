package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the top-level zorix-agent configuration.
type Config struct {
	Workspace WorkspaceConfig `koanf:"workspace"`
	Commands  CommandConfig   `koanf:"commands"`
	Execution ExecutionConfig `koanf:"execution"`
	Risk      RiskConfig      `koanf:"risk"`
	Logging   LoggingConfig   `koanf:"logging"`
	Server    ServerConfig    `koanf:"server"`
	LLM       LLMConfig       `koanf:"llm"`
}

// WorkspaceConfig controls the confinement boundary.
type WorkspaceConfig struct {
	// Root is the absolute directory all file and command operations are
	// confined to. Required.
	Root string `koanf:"root"`

	// DenyPatterns are regular expressions matched against workspace-relative
	// paths. Empty means the built-in denylist is used.
	DenyPatterns []string `koanf:"deny_patterns"`
}

// CommandConfig controls shell command execution.
type CommandConfig struct {
	// Allowlist contains command names permitted as the first token of a
	// command line. Empty means the built-in allowlist is used.
	Allowlist []string `koanf:"allowlist"`

	// Timeout bounds a single command invocation.
	Timeout time.Duration `koanf:"timeout"`

	// MaxOutputBytes truncates captured stdout/stderr.
	MaxOutputBytes int `koanf:"max_output_bytes"`
}

// ExecutionConfig controls the step runner and control loop.
type ExecutionConfig struct {
	// MaxRetries is the number of additional attempts per step.
	MaxRetries int `koanf:"max_retries"`

	// MaxIterations bounds the plan/execute/replan loop.
	MaxIterations int `koanf:"max_iterations"`

	// ContinueOnError keeps executing later steps after a terminal step failure.
	ContinueOnError bool `koanf:"continue_on_error"`

	// DisableRollback turns off rollback-point capture after successful
	// steps. Named negatively so the zero value keeps rollback on.
	DisableRollback bool `koanf:"disable_rollback"`

	// MaxPlanSteps caps the number of steps accepted from the planner.
	MaxPlanSteps int `koanf:"max_plan_steps"`
}

// RiskConfig overrides the risk estimator tables.
type RiskConfig struct {
	// ModeMultipliers scale the time estimate per planning mode.
	ModeMultipliers map[string]float64 `koanf:"mode_multipliers"`

	// FactorWeights map risk-factor names to score contributions.
	FactorWeights map[string]float64 `koanf:"factor_weights"`

	// ApprovalTimeout bounds how long execution waits for a decision.
	ApprovalTimeout time.Duration `koanf:"approval_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ServerConfig configures the zorixd HTTP server.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LLMConfig selects the reasoning source.
type LLMConfig struct {
	// Provider is the backend name: "openai" (default) or "ollama".
	Provider string `koanf:"provider"`

	// Model is the model identifier passed to the provider.
	Model string `koanf:"model"`

	// MaxTokens caps planner and reasoning completions.
	MaxTokens int `koanf:"max_tokens"`
}

// Validate checks invariants that loading cannot express.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if !filepath.IsAbs(c.Workspace.Root) {
		return fmt.Errorf("workspace.root must be absolute, got %q", c.Workspace.Root)
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must be >= 0, got %d", c.Execution.MaxRetries)
	}
	if c.Execution.MaxIterations < 1 {
		return fmt.Errorf("execution.max_iterations must be >= 1, got %d", c.Execution.MaxIterations)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json|console, got %q", c.Logging.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
