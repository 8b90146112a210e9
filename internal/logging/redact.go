package logging

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	redactedKey     = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs only the length of a config secret.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactor decides what a field may show. Keys match case-insensitively.
type redactor struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactor(keys, patterns []string) (*redactor, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	r := &redactor{keys: make(map[string]struct{}, len(keys)), patterns: compiled}
	for _, k := range keys {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	return r, nil
}

// replacement returns the text to log instead of val, or false when val
// may be logged as is.
func (r *redactor) replacement(key, val string) (string, bool) {
	if r.hidesKey(key) {
		return redactedKey, true
	}
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return redactedPattern, true
		}
	}
	return "", false
}

func (r *redactor) hidesKey(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

func (r *redactor) field(f zapcore.Field) zapcore.Field {
	if f.Type == zapcore.StringType {
		if repl, ok := r.replacement(f.Key, f.String); ok {
			return zap.String(f.Key, repl)
		}
		return f
	}
	if r.hidesKey(f.Key) {
		return zap.String(f.Key, redactedKey)
	}
	return f
}

func (r *redactor) wrap(enc zapcore.Encoder) zapcore.Encoder {
	return &redactingEncoder{Encoder: enc, r: r}
}

// redactingEncoder covers both paths a value can take: fields added with
// Logger.With go through the Add* methods, per-entry fields through
// EncodeEntry.
type redactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		clean[i] = e.r.field(f)
	}
	return e.Encoder.EncodeEntry(ent, clean)
}

func (e *redactingEncoder) AddString(key, val string) {
	if repl, ok := e.r.replacement(key, val); ok {
		val = repl
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	e.AddString(key, string(val))
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.r.hidesKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.r.hidesKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.hidesKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.hidesKey(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}
