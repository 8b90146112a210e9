package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	appName           = "overseer"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, GOALS_MAX_ITERATIONS, etc.)
//  2. YAML config file (~/.config/overseer/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses default path.
//
// # Security Considerations
//
// The file must live in ~/.config/overseer/ or /etc/overseer/, have 0600 or
// 0400 permissions and be at most 1MB. The notify webhook URL is a Secret and
// is never printed.
//
// # Environment Variable Mapping
//
// Variables are lowercased and split on the first underscore only:
//
//	SERVER_HTTP_PORT -> server.http_port
//	ENGINE_MAX_CONCURRENT_GOALS -> engine.max_concurrent_goals
//	PLANS_REPLAN_THRESHOLD -> plans.replan_threshold
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file
// or environment input. Used by tests and by the CLI when no daemon config
// is present.
func Default() (*Config, error) {
	var cfg Config
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// ConfigDir returns ~/.config/overseer.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// EnsureConfigDir creates the overseer config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := ConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, filepath.Join("/etc", appName)} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appName, appName)
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) error {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9470
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Storage defaults
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "~/.config/overseer/state"
	}
	dir, err := ExpandPath(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	cfg.Storage.Dir = dir

	// Engine defaults
	if cfg.Engine.MaxConcurrentGoals == 0 {
		cfg.Engine.MaxConcurrentGoals = 4
	}
	if cfg.Engine.MaxConcurrentPlans == 0 {
		cfg.Engine.MaxConcurrentPlans = 2
	}
	if cfg.Engine.IterationDelay == 0 {
		cfg.Engine.IterationDelay = Duration(5 * time.Second)
	}
	if cfg.Engine.RescanInterval == 0 {
		cfg.Engine.RescanInterval = Duration(30 * time.Second)
	}

	// Executor defaults
	if cfg.Executor.Command == "" {
		cfg.Executor.Command = "claude"
	}
	if len(cfg.Executor.Args) == 0 {
		cfg.Executor.Args = []string{"-p", "--output-format", "json"}
	}
	if cfg.Executor.RateLimit == 0 {
		cfg.Executor.RateLimit = 1
	}
	if cfg.Executor.Burst == 0 {
		cfg.Executor.Burst = 2
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(30 * time.Minute)
	}

	// Notify defaults
	if cfg.Notify.RateLimit == 0 {
		cfg.Notify.RateLimit = 0.5
	}
	if cfg.Notify.Burst == 0 {
		cfg.Notify.Burst = 3
	}

	// Events defaults
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = appName
	}

	// Learning defaults
	if cfg.Learning.Path == "" {
		cfg.Learning.Path = "~/.config/overseer/learning"
	}
	learningPath, err := ExpandPath(cfg.Learning.Path)
	if err != nil {
		return err
	}
	cfg.Learning.Path = learningPath
	if cfg.Learning.Collection == "" {
		cfg.Learning.Collection = "outcomes"
	}

	if cfg.Secrets.AllowlistPath == "" {
		cfg.Secrets.AllowlistPath = "~/.config/overseer/allowlist.toml"
	}
	allowPath, err := ExpandPath(cfg.Secrets.AllowlistPath)
	if err != nil {
		return err
	}
	cfg.Secrets.AllowlistPath = allowPath

	if cfg.Usage.SummaryPath != "" {
		p, err := ExpandPath(cfg.Usage.SummaryPath)
		if err != nil {
			return err
		}
		cfg.Usage.SummaryPath = p
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = appName
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	// Goal defaults
	g := &cfg.Goals
	if g.MaxIterations == 0 {
		g.MaxIterations = 20
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 2_000_000
	}
	if g.MaxDuration == 0 {
		g.MaxDuration = Duration(4 * time.Hour)
	}
	if g.MaxProviderUsagePercent == 0 {
		g.MaxProviderUsagePercent = 90
	}
	if g.EvalEvery == 0 {
		g.EvalEvery = 3
	}
	if g.StallWindow == 0 {
		g.StallWindow = 3
	}
	if g.MinProgressDelta == 0 {
		g.MinProgressDelta = 5
	}
	if g.MaxConsecutiveErrors == 0 {
		g.MaxConsecutiveErrors = 3
	}
	if g.GateTimeout == 0 {
		g.GateTimeout = Duration(time.Hour)
	}
	if g.GateTimeoutAction == "" {
		g.GateTimeoutAction = "reject"
	}

	// Plan defaults
	p := &cfg.Plans
	if p.MaxTurns == 0 {
		p.MaxTurns = 60
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 3_000_000
	}
	if p.MaxDuration == 0 {
		p.MaxDuration = Duration(6 * time.Hour)
	}
	if p.MaxProviderUsagePercent == 0 {
		p.MaxProviderUsagePercent = 90
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = 3
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
	if p.ReplanThreshold == 0 {
		p.ReplanThreshold = 0.4
	}
	if p.MaxReplans == 0 {
		p.MaxReplans = 3
	}
	return nil
}
