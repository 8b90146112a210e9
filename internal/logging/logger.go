package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Prompts and raw turn output are logged here.
const TraceLevel = zapcore.Level(-2)

// LevelFromString accepts zap's level names plus "trace". Empty means info.
func LevelFromString(s string) (zapcore.Level, error) {
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		return TraceLevel, nil
	}
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}

// Logger is a zap logger whose methods take a context. Execution, task,
// session and trace identifiers found on the context become fields.
type Logger struct {
	z *zap.Logger
}

// NewLogger builds the daemon logger. A nil provider drops the OTEL output
// even when cfg asks for it.
func NewLogger(cfg *Config, provider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	core, err := buildCore(cfg, provider, zapcore.AddSync(os.Stdout))
	if err != nil {
		return nil, err
	}

	fields := make([]zap.Field, 0, len(cfg.Fields))
	for k, v := range cfg.Fields {
		fields = append(fields, zap.String(k, v))
	}
	// Skip write and the level method so the caller is the engine line.
	z := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(cfg.StacktraceLevel),
		zap.Fields(fields...),
	)
	return &Logger{z: z}, nil
}

// NewNop discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Wrap adapts a zap logger, typically one handed to a leaf component.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return NewNop()
	}
	return &Logger{z: z.WithOptions(zap.AddCallerSkip(2))}
}

func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	ce := l.z.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, msg, fields)
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

func (l *Logger) Enabled(lvl zapcore.Level) bool {
	return l.z.Core().Enabled(lvl)
}

// Underlying returns a zap logger with ordinary caller reporting, for
// components that take *zap.Logger.
func (l *Logger) Underlying() *zap.Logger {
	return l.z.WithOptions(zap.AddCallerSkip(-2))
}

// Sync flushes buffered entries. Terminals reject fsync; that is not an
// error worth reporting at shutdown.
func (l *Logger) Sync() error {
	err := l.z.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
