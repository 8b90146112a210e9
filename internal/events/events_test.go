package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/store"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSBus_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("overseer.goal.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	bus, err := Connect(server.ClientURL(), "overseer", nil)
	require.NoError(t, err)
	defer bus.Close()

	score := 97
	bus.Publish(context.Background(), Event{
		Type:        Completed,
		Kind:        store.KindGoal,
		ExecutionID: "g1",
		Objective:   "ship",
		Score:       &score,
	})

	select {
	case msg := <-msgs:
		assert.Equal(t, "overseer.goal.completed", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "g1", got.ExecutionID)
		require.NotNil(t, got.Score)
		assert.Equal(t, 97, *got.Score)
		assert.False(t, got.At.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSBus_NoSubscribersDoesNotBlock(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bus := NewNATSBus(nc, "", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(context.Background(), Event{Type: TaskCompleted, Kind: store.KindPlan, ExecutionID: "p"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.NoError(t, bus.Close(), "borrowed connection is left open")
	assert.False(t, nc.IsClosed())
}

func TestNATSBus_NilSafe(t *testing.T) {
	var b *NATSBus
	assert.NotPanics(t, func() { b.Publish(context.Background(), Event{}) })
	assert.NoError(t, b.Close())
}

func TestSubject(t *testing.T) {
	b := NewNATSBus(nil, "auto", nil)
	assert.Equal(t, "auto.plan.task_failed", b.Subject(Event{Kind: store.KindPlan, Type: TaskFailed}))
}

func TestTerminalType(t *testing.T) {
	assert.Equal(t, Completed, TerminalType("completed", store.StopCompleted))
	assert.Equal(t, Stalled, TerminalType("stopped", store.StopStall))
	assert.Equal(t, BudgetExceeded, TerminalType("budget_exceeded", store.StopTokens))
	assert.Equal(t, Stopped, TerminalType("stopped", store.StopOperator))
	assert.Equal(t, Failed, TerminalType("failed", store.StopTurns))
}
