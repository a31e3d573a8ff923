// Package notify delivers notify actions to external sinks.
//
// Notifications are fire-and-forget: the orchestrator logs a failed
// delivery and carries on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/registry"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "formsync:notifications"

// Notification is one notify action fired by a sync run.
type Notification struct {
	Config   registry.NotificationConfig `json:"config"`
	SyncID   string                      `json:"sync_id"`
	FormID   string                      `json:"form_id"`
	RuleID   string                      `json:"rule_id"`
	TenantID string                      `json:"tenant_id"`
	UserID   string                      `json:"user_id"`
	Data     *record.Record              `json:"data"`
	At       time.Time                   `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at Info level.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification triggered",
		"sync_id", n.SyncID,
		"form_id", n.FormID,
		"rule_id", n.RuleID,
		"tenant_id", n.TenantID,
		"type", n.Config.Type,
		"recipient", n.Config.Recipient,
		"template", n.Config.Template,
		"timing", n.Config.Timing,
	)
	return nil
}

// Publisher publishes a payload on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PubSubNotifier publishes notifications as JSON messages.
type PubSubNotifier struct {
	pub     Publisher
	channel string
}

// NewPubSub returns a notifier publishing to channel. An empty channel
// uses DefaultChannel.
func NewPubSub(pub Publisher, channel string) *PubSubNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PubSubNotifier{pub: pub, channel: channel}
}

// Notify encodes n as JSON and publishes it.
func (p *PubSubNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.pub.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("publish notification to %s: %w", p.channel, err)
	}
	return nil
}

// Multi fans a notification out to every notifier. All notifiers are
// called; their errors are joined.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
