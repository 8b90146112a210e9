// Package events publishes coarse execution lifecycle events for external
// automation.
//
// Consumers may be absent. Publish never blocks on a consumer and never
// returns an error to the engine; publish failures are logged.
//
// Events are published as JSON to subjects of the form:
//
//	{prefix}.{kind}.{type}
//
// for example overseer.goal.completed or overseer.plan.task_failed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type is the lifecycle event type.
type Type string

const (
	Started        Type = "started"
	Completed      Type = "completed"
	Failed         Type = "failed"
	Stalled        Type = "stalled"
	Stopped        Type = "stopped"
	BudgetExceeded Type = "budget_exceeded"
	TaskCompleted  Type = "task_completed"
	TaskFailed     Type = "task_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type        Type           `json:"type"`
	Kind        store.Kind     `json:"kind"`
	ExecutionID string         `json:"execution_id"`
	Objective   string         `json:"objective,omitempty"`
	Status      string         `json:"status,omitempty"`
	StopKind    store.StopKind `json:"stop_kind,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Score       *int           `json:"score,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	At          time.Time      `json:"at"`
}

// Bus receives lifecycle events.
type Bus interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Bus.
func (Nop) Publish(context.Context, Event) {}

// TerminalType maps a finished status to its event type.
func TerminalType(status string, kind store.StopKind) Type {
	switch {
	case status == string(store.GoalCompleted):
		return Completed
	case kind == store.StopStall:
		return Stalled
	case status == string(store.GoalBudgetExceeded):
		return BudgetExceeded
	case status == string(store.GoalStopped):
		return Stopped
	}
	return Failed
}

// NATSBus publishes events to NATS core subjects.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	owned  bool
}

// NewNATSBus publishes on an existing connection. The caller keeps
// ownership of nc.
func NewNATSBus(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "overseer"
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials url and returns a bus that closes the connection on Close.
func Connect(url, prefix string, logger *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("overseer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b := NewNATSBus(nc, prefix, logger)
	b.owned = true
	return b, nil
}

// Subject returns the subject an event is published on.
func (b *NATSBus) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, e.Kind, e.Type)
}

// Publish implements Bus. The NATS client buffers outgoing messages, so
// this returns without waiting for the server.
func (b *NATSBus) Publish(_ context.Context, e Event) {
	if b == nil || b.nc == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("marshaling event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	subject := b.Subject(e)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("publishing event",
			zap.String("subject", subject),
			zap.String("execution_id", e.ExecutionID),
			zap.Error(err),
		)
	}
}

// Close drains the connection if the bus opened it.
func (b *NATSBus) Close() error {
	if b == nil || b.nc == nil || !b.owned {
		return nil
	}
	return b.nc.Drain()
}
