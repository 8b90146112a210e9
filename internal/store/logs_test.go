package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogs_AppendAndReadTail(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 15; i++ {
		require.NoError(t, s.Logs.Append(KindGoal, "g1", LogIterations, IterationEntry{Iteration: i, Status: "ok"}))
	}

	entries, err := s.Logs.ReadIterations("g1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 10)
	assert.Equal(t, 6, entries[0].Iteration)
	assert.Equal(t, 15, entries[9].Iteration)

	all, err := s.Logs.ReadTail(KindGoal, "g1", LogIterations, 0)
	require.NoError(t, err)
	assert.Len(t, all, 15)
}

func TestLogs_MissingLogIsEmpty(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.Logs.ReadEvaluations("nope", 3)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogs_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Logs.Append(KindPlan, "p1", LogTasks, TaskEntry{TaskID: "a", Event: "dispatched"}))
	path := s.Logs.Path(KindPlan, "p1", LogTasks)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Logs.Append(KindPlan, "p1", LogTasks, TaskEntry{TaskID: "a", Event: "completed"}))
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, before, after[:len(before)])
}

func TestLogs_SkipsTornLine(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Logs.Append(KindGoal, "g1", LogEvaluations, EvaluationEntry{Iteration: 2}))

	f, err := os.OpenFile(s.Logs.Path(KindGoal, "g1", LogEvaluations), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"iteration": 4, "verd`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := s.Logs.ReadEvaluations("g1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Iteration)
}

func TestLogs_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Logs.Append(KindPlan, "p1", LogTasks, TaskEntry{TaskID: "t", Retry: i, Event: "completed"}))
		}(i)
	}
	wg.Wait()

	lines, err := s.Logs.ReadTail(KindPlan, "p1", LogTasks, 0)
	require.NoError(t, err)
	assert.Len(t, lines, 20)
	for _, l := range lines {
		var e TaskEntry
		assert.NoError(t, json.Unmarshal(l, &e))
	}
}

func TestLogs_Follow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Logs.Append(KindGoal, "g1", LogIterations, IterationEntry{Iteration: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int
	done := make(chan error, 1)
	go func() {
		done <- s.Logs.Follow(ctx, KindGoal, "g1", LogIterations, func(line json.RawMessage) {
			var e IterationEntry
			if json.Unmarshal(line, &e) == nil {
				mu.Lock()
				seen = append(seen, e.Iteration)
				mu.Unlock()
			}
		})
	}()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Logs.Append(KindGoal, "g1", LogIterations, IterationEntry{Iteration: 2}))
	require.NoError(t, s.Logs.Append(KindGoal, "g1", LogIterations, IterationEntry{Iteration: 3}))
	require.Eventually(t, func() bool { return count() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
}
