package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind names an execution kind in the log layout.
type Kind string

const (
	KindGoal Kind = "goal"
	KindPlan Kind = "plan"
)

// LogName names one append-only log of an execution.
type LogName string

const (
	LogIterations  LogName = "iterations"
	LogEvaluations LogName = "evaluations"
	LogTasks       LogName = "tasks"
)

// IterationEntry records one goal iteration.
type IterationEntry struct {
	Iteration  int       `json:"iteration"`
	SessionKey string    `json:"session_key"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	Tokens     int64     `json:"tokens"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// EvaluationEntry records one evaluator call, parsed or not.
type EvaluationEntry struct {
	Iteration  int         `json:"iteration"`
	SessionKey string      `json:"session_key"`
	Verdict    *Evaluation `json:"verdict,omitempty"`
	Fallback   bool        `json:"fallback"`
	Error      string      `json:"error,omitempty"`
	RawOutput  string      `json:"raw_output,omitempty"`
	Tokens     int64       `json:"tokens"`
	DurationMs int64       `json:"duration_ms"`
	At         time.Time   `json:"at"`
}

// TaskEntry records a task transition or worker result.
type TaskEntry struct {
	TaskID     string    `json:"task_id,omitempty"`
	Revision   int       `json:"revision"`
	Event      string    `json:"event"`
	Retry      int       `json:"retry,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	Tokens     int64     `json:"tokens,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	At         time.Time `json:"at"`
}

// Logs appends to and reads the per-execution JSONL logs. Lines are only
// ever appended.
type Logs struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewLogs opens a log tree rooted at dir without the aggregate documents.
// The CLI uses this to follow logs of a daemon's store.
func NewLogs(dir string) *Logs {
	return &Logs{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Path returns the file backing a log.
func (l *Logs) Path(kind Kind, id string, name LogName) string {
	return filepath.Join(l.dir, string(kind), id, string(name)+".jsonl")
}

// Append writes v as one JSON line.
func (l *Logs) Append(kind Kind, id string, name LogName, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s entry: %w", name, err)
	}
	line = append(line, '\n')

	path := l.Path(kind, id, name)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// ReadTail returns the last n lines of a log, oldest first. A missing log
// yields no lines. n <= 0 returns every line.
func (l *Logs) ReadTail(kind Kind, id string, name LogName, n int) ([]json.RawMessage, error) {
	f, err := os.Open(l.Path(kind, id, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		lines = append(lines, append(json.RawMessage(nil), b...))
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s log: %w", name, err)
	}
	return lines, nil
}

// ReadIterations decodes the last n iteration entries of a goal.
func (l *Logs) ReadIterations(goalID string, n int) ([]IterationEntry, error) {
	return decodeTail[IterationEntry](l, KindGoal, goalID, LogIterations, n)
}

// ReadEvaluations decodes the last n evaluation entries of a goal.
func (l *Logs) ReadEvaluations(goalID string, n int) ([]EvaluationEntry, error) {
	return decodeTail[EvaluationEntry](l, KindGoal, goalID, LogEvaluations, n)
}

func decodeTail[T any](l *Logs, kind Kind, id string, name LogName, n int) ([]T, error) {
	raw, err := l.ReadTail(kind, id, name, n)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, line := range raw {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			// A torn final line from a crash is skipped, not fatal.
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Follow streams every line of a log to fn, then keeps streaming newly
// appended lines until ctx is done. The log does not need to exist yet.
func (l *Logs) Follow(ctx context.Context, kind Kind, id string, name LogName, fn func(json.RawMessage)) error {
	path := l.Path(kind, id, name)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creation of the log is seen too.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	t := &tailer{path: path}
	if err := t.drain(fn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := t.drain(fn); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}
}

// tailer remembers how far into a file it has read and holds back a
// partial trailing line until its newline arrives.
type tailer struct {
	path    string
	offset  int64
	partial []byte
}

func (t *tailer) drain(fn func(json.RawMessage)) error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		if len(line) > 0 {
			fn(append(json.RawMessage(nil), line...))
		}
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}
