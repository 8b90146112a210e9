package logging

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// buildCore tees the enabled outputs and applies sampling below error level.
func buildCore(cfg *Config, provider log.LoggerProvider, stdout zapcore.WriteSyncer) (zapcore.Core, error) {
	var outputs []zapcore.Core
	if cfg.Stdout {
		enc := newEncoder(cfg.Format)
		if cfg.Redacting() {
			r, err := newRedactor(cfg.RedactKeys, cfg.RedactPatterns)
			if err != nil {
				return nil, err
			}
			enc = r.wrap(enc)
		}
		outputs = append(outputs, zapcore.NewCore(enc, stdout, cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		bridge := otelzap.NewCore("github.com/fyrsmithlabs/overseer", otelzap.WithLoggerProvider(provider))
		outputs = append(outputs, levelRange{Core: bridge, min: cfg.Level, max: zapcore.FatalLevel})
	}
	if len(outputs) == 0 {
		return nil, errors.New("no log output available: stdout disabled and no otel provider")
	}

	core := zapcore.NewTee(outputs...)
	if cfg.Sampling.First <= 0 {
		return core, nil
	}
	sampled := zapcore.NewSamplerWithOptions(
		levelRange{Core: core, min: TraceLevel, max: zapcore.WarnLevel},
		cfg.Sampling.Tick, cfg.Sampling.First, cfg.Sampling.Thereafter,
	)
	return zapcore.NewTee(
		levelRange{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
		sampled,
	), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "console":
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	case "json":
		return zapcore.NewJSONEncoder(ec)
	}
	panic(fmt.Sprintf("logging: unvalidated format %q", format))
}

// levelRange passes only entries with min <= level <= max.
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (r levelRange) Enabled(lvl zapcore.Level) bool {
	return lvl >= r.min && lvl <= r.max && r.Core.Enabled(lvl)
}

func (r levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < r.min || e.Level > r.max {
		return ce
	}
	return r.Core.Check(e, ce)
}

func (r levelRange) With(fields []zapcore.Field) zapcore.Core {
	return levelRange{Core: r.Core.With(fields), min: r.min, max: r.max}
}
