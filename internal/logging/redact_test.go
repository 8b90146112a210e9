package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func defaultRedactor(t *testing.T) *redactor {
	t.Helper()
	cfg := NewDefaultConfig()
	r, err := newRedactor(cfg.RedactKeys, cfg.RedactPatterns)
	require.NoError(t, err)
	return r
}

func encode(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "m"}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactor_Keys(t *testing.T) {
	enc := defaultRedactor(t).wrap(newEncoder("json"))

	out := encode(t, enc,
		zap.String("Token", "abc123"),
		zap.Strings("credential", []string{"a", "b"}),
		zap.String("objective", "ship it"),
	)
	assert.Contains(t, out, `"Token":"[REDACTED]"`)
	assert.Contains(t, out, `"credential":"[REDACTED]"`)
	assert.Contains(t, out, `"objective":"ship it"`)
	assert.NotContains(t, out, "abc123")
}

func TestRedactor_Patterns(t *testing.T) {
	enc := defaultRedactor(t).wrap(newEncoder("json"))

	out := encode(t, enc, zap.String("summary", "used Bearer sk-live-123 to call"))
	assert.Contains(t, out, redactedPattern)
	assert.NotContains(t, out, "sk-live-123")
}

func TestRedactor_ContextFields(t *testing.T) {
	clone := defaultRedactor(t).wrap(newEncoder("json")).Clone()
	clone.AddString("webhook_url", "https://hooks.example.com/x")
	clone.AddByteString("note", []byte("api_key=hunter2"))

	out := encode(t, clone)
	assert.Contains(t, out, `"webhook_url":"[REDACTED]"`)
	assert.NotContains(t, out, "hunter2")
}

func TestRedactor_RejectsLongPattern(t *testing.T) {
	_, err := newRedactor(nil, []string{string(bytes.Repeat([]byte("a"), maxPatternLen+1))})
	assert.ErrorContains(t, err, "longer than")
}

func TestBuildCore_RedactsStdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	core, err := buildCore(cfg, nil, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l := &Logger{z: zap.New(core)}
	l.Info(t.Context(), "webhook configured", zap.String("webhook_url", "https://hooks.example.com/abc"))
	l.Debug(t.Context(), "below level")

	out := buf.String()
	assert.Contains(t, out, `"msg":"webhook configured"`)
	assert.NotContains(t, out, "hooks.example.com")
	assert.NotContains(t, out, "below level")
}

func TestBuildCore_SamplingKeepsErrors(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Sampling = Sampling{Tick: time.Minute, First: 1, Thereafter: 1000}
	core, err := buildCore(cfg, nil, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l := &Logger{z: zap.New(core)}
	for i := 0; i < 5; i++ {
		l.Info(t.Context(), "iteration finished")
		l.Error(t.Context(), "turn failed")
	}

	out := buf.String()
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("iteration finished")))
	assert.Equal(t, 5, bytes.Count([]byte(out), []byte("turn failed")))
}

func TestSecretField(t *testing.T) {
	f := Secret("webhook", config.Secret("https://x"))
	assert.Equal(t, "[REDACTED:9]", f.String)
}
