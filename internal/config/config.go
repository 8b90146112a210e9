// Package config provides configuration loading for overseer.
//
// Configuration is read from a YAML file and overridden by environment
// variables. See LoadWithFile for precedence and the env mapping rules.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds the complete overseer configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Engine        EngineConfig        `koanf:"engine"`
	Executor      ExecutorConfig      `koanf:"executor"`
	Notify        NotifyConfig        `koanf:"notify"`
	Events        EventsConfig        `koanf:"events"`
	Learning      LearningConfig      `koanf:"learning"`
	Usage         UsageConfig         `koanf:"usage"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	Observability ObservabilityConfig `koanf:"observability"`
	Goals         GoalDefaults        `koanf:"goals"`
	Plans         PlanDefaults        `koanf:"plans"`
}

// ServerConfig holds HTTP control surface configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds the location of the aggregate documents and logs.
type StorageConfig struct {
	Dir string `koanf:"dir"`
}

// EngineConfig bounds how many executions of each kind run at once.
type EngineConfig struct {
	MaxConcurrentGoals int      `koanf:"max_concurrent_goals"`
	MaxConcurrentPlans int      `koanf:"max_concurrent_plans"`
	IterationDelay     Duration `koanf:"iteration_delay"`
	RescanInterval     Duration `koanf:"rescan_interval"`
}

// ExecutorConfig configures the command-backed turn executor.
type ExecutorConfig struct {
	Command   string   `koanf:"command"`
	Args      []string `koanf:"args"`
	WorkDir   string   `koanf:"work_dir"`
	RateLimit float64  `koanf:"rate_limit"` // turns per second across all sessions
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
}

// NotifyConfig configures human notification delivery.
type NotifyConfig struct {
	WebhookURL Secret  `koanf:"webhook_url"`
	Channel    string  `koanf:"channel"`
	Recipient  string  `koanf:"recipient"`
	RateLimit  float64 `koanf:"rate_limit"`
	Burst      int     `koanf:"burst"`
}

// EventsConfig configures the automation event bus. An empty NATSURL
// disables publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LearningConfig configures the prior-experience store.
type LearningConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// UsageConfig points at the provider usage summary file.
type UsageConfig struct {
	SummaryPath string `koanf:"summary_path"`
}

// SecretsConfig controls redaction of agent output.
type SecretsConfig struct {
	Disabled      bool   `koanf:"disabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// ObservabilityConfig holds OpenTelemetry and logging configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // grpc or http
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// GoalDefaults are applied to goals created without explicit limits.
type GoalDefaults struct {
	MaxIterations           int      `koanf:"max_iterations"`
	MaxTokens               int64    `koanf:"max_tokens"`
	MaxDuration             Duration `koanf:"max_duration"`
	MaxProviderUsagePercent float64  `koanf:"max_provider_usage_percent"`
	EvalEvery               int      `koanf:"eval_every"`
	StallWindow             int      `koanf:"stall_window"`
	MinProgressDelta        int      `koanf:"min_progress_delta"`
	MaxConsecutiveErrors    int      `koanf:"max_consecutive_errors"`
	GateTimeout             Duration `koanf:"gate_timeout"`
	GateTimeoutAction       string   `koanf:"gate_timeout_action"`
}

// PlanDefaults are applied to plans created without explicit limits.
type PlanDefaults struct {
	MaxTurns                int      `koanf:"max_turns"`
	MaxTokens               int64    `koanf:"max_tokens"`
	MaxDuration             Duration `koanf:"max_duration"`
	MaxProviderUsagePercent float64  `koanf:"max_provider_usage_percent"`
	MaxConcurrency          int      `koanf:"max_concurrency"`
	MaxRetries              int      `koanf:"max_retries"`
	ReplanThreshold         float64  `koanf:"replan_threshold"`
	MaxReplans              int      `koanf:"max_replans"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Concurrency caps are not positive
//   - Service name is empty (when telemetry is enabled)
//   - Goal or plan defaults are out of range
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Storage.Dir == "" {
		return errors.New("storage dir is required")
	}

	if c.Engine.MaxConcurrentGoals < 1 {
		return fmt.Errorf("max_concurrent_goals must be >= 1, got %d", c.Engine.MaxConcurrentGoals)
	}
	if c.Engine.MaxConcurrentPlans < 1 {
		return fmt.Errorf("max_concurrent_plans must be >= 1, got %d", c.Engine.MaxConcurrentPlans)
	}

	if c.Executor.Command == "" {
		return errors.New("executor command is required")
	}
	if c.Executor.RateLimit < 0 {
		return fmt.Errorf("executor rate_limit must be >= 0, got %v", c.Executor.RateLimit)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Observability.OTLPProtocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("otlp_protocol must be 'grpc' or 'http', got %q", c.Observability.OTLPProtocol)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be 'json' or 'console', got %q", c.Observability.LogFormat)
	}

	if err := c.Goals.Validate(); err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	if err := c.Plans.Validate(); err != nil {
		return fmt.Errorf("plans: %w", err)
	}
	return nil
}

// Validate checks goal defaults.
func (g *GoalDefaults) Validate() error {
	if g.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", g.MaxIterations)
	}
	if g.EvalEvery < 1 {
		return fmt.Errorf("eval_every must be >= 1, got %d", g.EvalEvery)
	}
	if g.StallWindow < 2 {
		return fmt.Errorf("stall_window must be >= 2, got %d", g.StallWindow)
	}
	if g.MaxProviderUsagePercent < 0 || g.MaxProviderUsagePercent > 100 {
		return fmt.Errorf("max_provider_usage_percent must be within [0,100], got %v", g.MaxProviderUsagePercent)
	}
	switch strings.ToLower(g.GateTimeoutAction) {
	case "approve", "reject":
	default:
		return fmt.Errorf("gate_timeout_action must be 'approve' or 'reject', got %q", g.GateTimeoutAction)
	}
	return nil
}

// Validate checks plan defaults.
func (p *PlanDefaults) Validate() error {
	if p.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be >= 1, got %d", p.MaxTurns)
	}
	if p.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", p.MaxConcurrency)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", p.MaxRetries)
	}
	if p.ReplanThreshold <= 0 || p.ReplanThreshold > 1 {
		return fmt.Errorf("replan_threshold must be within (0,1], got %v", p.ReplanThreshold)
	}
	if p.MaxReplans < 0 {
		return fmt.Errorf("max_replans must be >= 0, got %d", p.MaxReplans)
	}
	return nil
}
