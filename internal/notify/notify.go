// Package notify delivers human-facing notifications.
//
// Delivery is best-effort. Engines call Notifier.Notify, which never
// returns an error: failures are logged and counted, and a burst beyond
// the configured rate is dropped rather than queued. Notifier.Urgent skips
// the rate limit for messages a human must act on.
package notify

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/fyrsmithlabs/overseer/internal/metrics"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Channel delivers text to a recipient on a named channel.
type Channel interface {
	Deliver(ctx context.Context, channel, recipient, text string) error
}

// Multi delivers to every channel and joins their errors.
type Multi []Channel

// Deliver implements Channel.
func (m Multi) Deliver(ctx context.Context, channel, recipient, text string) error {
	var errs []error
	for _, c := range m {
		if err := c.Deliver(ctx, channel, recipient, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

// Deliver implements Channel.
func (Nop) Deliver(context.Context, string, string, string) error { return nil }

// LogChannel writes notifications to a logger.
type LogChannel struct {
	Logger *zap.Logger
}

// Deliver implements Channel.
func (l LogChannel) Deliver(_ context.Context, channel, recipient, text string) error {
	logger := l.Logger
	if logger == nil {
		return nil
	}
	logger.Info("notification",
		zap.String("channel", channel),
		zap.String("recipient", recipient),
		zap.String("text", text),
	)
	return nil
}

// Notifier routes notifications for executions to a Channel.
type Notifier struct {
	channel  Channel
	limiter  *rate.Limiter
	defaults store.NotifyTarget
	logger   *zap.Logger
}

// NewNotifier wraps channel with rate limiting and default routing.
func NewNotifier(channel Channel, cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	if channel == nil {
		channel = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		channel:  channel,
		limiter:  rate.NewLimiter(limit, burst),
		defaults: store.NotifyTarget{Channel: cfg.Channel, Recipient: cfg.Recipient},
		logger:   logger,
	}
}

// Notify delivers text. A nil target, or empty fields in it, fall back to
// the configured defaults.
func (n *Notifier) Notify(ctx context.Context, target *store.NotifyTarget, text string) {
	if n == nil {
		return
	}
	to := n.resolve(target)
	if !n.limiter.Allow() {
		metrics.RecordNotification(to.Channel, "dropped")
		n.logger.Warn("notification dropped by rate limit", zap.String("channel", to.Channel))
		return
	}
	n.deliver(ctx, to, text)
}

// Urgent delivers text without consuming or honouring the rate limit.
// Approval requests go this way; dropping one leaves a goal parked.
func (n *Notifier) Urgent(ctx context.Context, target *store.NotifyTarget, text string) {
	if n == nil {
		return
	}
	n.deliver(ctx, n.resolve(target), text)
}

func (n *Notifier) resolve(target *store.NotifyTarget) store.NotifyTarget {
	to := n.defaults
	if target != nil {
		if target.Channel != "" {
			to.Channel = target.Channel
		}
		if target.Recipient != "" {
			to.Recipient = target.Recipient
		}
	}
	return to
}

func (n *Notifier) deliver(ctx context.Context, to store.NotifyTarget, text string) {
	if err := n.channel.Deliver(ctx, to.Channel, to.Recipient, text); err != nil {
		metrics.RecordNotification(to.Channel, "error")
		n.logger.Warn("notification delivery failed", zap.String("channel", to.Channel), zap.Error(err))
		return
	}
	metrics.RecordNotification(to.Channel, "success")
}
