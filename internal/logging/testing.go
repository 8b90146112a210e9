package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, trace level included, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: Wrap(zap.New(core)), logs: logs}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.logs.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.logs.FilterMessageSnippet(msg)
}

func (t *TestLogger) Reset() {
	t.logs.TakeAll()
}

// AssertLogged fails tb unless an entry at level mentions msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	n := t.logs.FilterLevelExact(level).FilterMessageSnippet(msg).Len()
	return assert.Positive(tb, n, "no %s entry containing %q in %v", level, msg, messages(t.logs.All()))
}

// AssertNotLogged fails tb if an entry at level mentions msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	n := t.logs.FilterLevelExact(level).FilterMessageSnippet(msg).Len()
	return assert.Zero(tb, n, "unexpected %s entry containing %q", level, msg)
}

// AssertField fails tb unless some entry mentioning msg carries key=want.
// Integers are recorded as int64.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) bool {
	tb.Helper()
	var seen []any
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		got, ok := e.ContextMap()[key]
		if !ok {
			continue
		}
		if assert.ObjectsAreEqual(want, got) {
			return true
		}
		seen = append(seen, got)
	}
	return assert.Fail(tb, "field not found", "%s=%v on %q; saw %v", key, want, msg, seen)
}

func messages(entries []observer.LoggedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Level.String() + ": " + e.Message
	}
	return out
}
