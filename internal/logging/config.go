package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"go.uber.org/zap/zapcore"
)

// maxPatternLen bounds operator-supplied redaction regexps.
const maxPatternLen = 200

// Config controls the daemon logger. It is derived from the observability
// section of the daemon config rather than loaded on its own.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	Stdout bool
	OTEL   bool

	// Sampling thins entries below error level. A zero First disables it.
	Sampling Sampling

	StacktraceLevel zapcore.Level

	// Fields are attached to every entry.
	Fields map[string]string

	// RedactKeys are field keys whose values never reach an encoder.
	// RedactPatterns are matched against string values.
	RedactKeys     []string
	RedactPatterns []string
}

// Sampling mirrors zapcore.NewSamplerWithOptions.
type Sampling struct {
	Tick       time.Duration
	First      int
	Thereafter int
}

// Redacting reports whether any redaction rule is configured.
func (c *Config) Redacting() bool {
	return len(c.RedactKeys) > 0 || len(c.RedactPatterns) > 0
}

// NewDefaultConfig returns JSON to stdout at info with the overseer
// credential keys redacted.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          "json",
		Stdout:          true,
		Sampling:        Sampling{Tick: time.Second, First: 100, Thereafter: 10},
		StacktraceLevel: zapcore.ErrorLevel,
		Fields:          map[string]string{"service": "overseer"},
		RedactKeys: []string{
			"password", "secret", "token", "api_key",
			"authorization", "bearer", "credential", "webhook_url",
		},
		RedactPatterns: []string{
			`(?i)bearer\s+\S+`,
			`(?i)api[_-]?key[=:]\s*\S+`,
		},
	}
}

// FromObservability derives the logger config from the daemon's
// observability section. Log lines are bridged to OTEL when telemetry is on.
func FromObservability(obs config.ObservabilityConfig) (*Config, error) {
	level, err := LevelFromString(obs.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", obs.LogLevel, err)
	}

	cfg := NewDefaultConfig()
	cfg.Level = level
	cfg.OTEL = obs.EnableTelemetry
	if obs.LogFormat != "" {
		cfg.Format = obs.LogFormat
	}
	if obs.ServiceName != "" {
		cfg.Fields["service"] = obs.ServiceName
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if !c.Stdout && !c.OTEL {
		errs = append(errs, errors.New("at least one output must be enabled (stdout or otel)"))
	}
	if c.Sampling.First > 0 && c.Sampling.Tick <= 0 {
		errs = append(errs, errors.New("sampling tick must be positive"))
	}
	if _, err := compilePatterns(c.RedactPatterns); err != nil {
		errs = append(errs, err)
	}
	for k, v := range c.Fields {
		if k == "" {
			errs = append(errs, errors.New("field key cannot be empty"))
		} else if v == "" {
			errs = append(errs, fmt.Errorf("field %q has empty value", k))
		}
	}
	return errors.Join(errs...)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d chars: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
