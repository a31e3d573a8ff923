package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/formsync/internal/changefeed"
)

// Channel is the NOTIFY channel the change trigger publishes on.
const Channel = "formsync_changes"

// Listener republishes Postgres change notifications to a hub.
type Listener struct {
	pool    *pgxpool.Pool
	hub     *changefeed.Hub
	logger  *slog.Logger
	channel string
	backoff time.Duration
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger. Default: slog.Default().
func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(ln *Listener) {
		ln.logger = l
	}
}

// WithChannel overrides Channel.
func WithChannel(name string) ListenerOption {
	return func(ln *Listener) {
		ln.channel = name
	}
}

// WithReconnectBackoff sets the wait before re-listening after a lost
// connection. Default: one second.
func WithReconnectBackoff(d time.Duration) ListenerOption {
	return func(ln *Listener) {
		ln.backoff = d
	}
}

// NewListener creates a Listener that publishes to hub.
func NewListener(pool *pgxpool.Pool, hub *changefeed.Hub, opts ...ListenerOption) *Listener {
	ln := &Listener{
		pool:    pool,
		hub:     hub,
		channel: Channel,
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(ln)
	}
	if ln.logger == nil {
		ln.logger = slog.Default()
	}
	return ln
}

// Run listens until ctx ends, reconnecting after connection failures.
// It returns ctx.Err() on shutdown.
func (ln *Listener) Run(ctx context.Context) error {
	for {
		err := ln.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ln.logger.Warn("change listener disconnected", "channel", ln.channel, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ln.backoff):
		}
	}
}

func (ln *Listener) listen(ctx context.Context) error {
	conn, err := ln.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ln.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ln.channel, err)
	}
	ln.logger.Info("change listener started", "channel", ln.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := DecodeNotification([]byte(n.Payload))
		if err != nil {
			ln.logger.Warn("bad change notification", "channel", ln.channel, "error", err)
			continue
		}
		delivered := ln.hub.Publish(c)
		ln.logger.Debug("change notification", "table", c.Table, "type", c.Type, "tenant_id", c.TenantID, "delivered", delivered)
	}
}

// DecodeNotification parses a trigger payload into a Change.
func DecodeNotification(payload []byte) (changefeed.Change, error) {
	var c changefeed.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return changefeed.Change{}, fmt.Errorf("decode change: %w", err)
	}
	c.Type = changefeed.Type(strings.ToUpper(string(c.Type)))
	switch {
	case c.Table == "":
		return changefeed.Change{}, errors.New("decode change: missing table")
	case c.Type != changefeed.Insert && c.Type != changefeed.Update && c.Type != changefeed.Delete:
		return changefeed.Change{}, fmt.Errorf("decode change: unknown type %q", c.Type)
	case c.Row() == nil:
		return changefeed.Change{}, errors.New("decode change: no row image")
	}
	return c, nil
}

// TriggerSQL returns the statements that install the notify trigger on
// tables. Payloads larger than the NOTIFY limit (8000 bytes) fail the
// write, so wide rows need a narrower trigger.
func TriggerSQL(tables ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE OR REPLACE FUNCTION formsync_notify() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('%s', jsonb_build_object(
    'table', TG_TABLE_NAME,
    'type', TG_OP,
    'tenant_id', CASE WHEN TG_OP = 'DELETE' THEN OLD.tenant_id ELSE NEW.tenant_id END,
    'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END,
    'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
    'at', now(),
    'origin', NULLIF(current_setting('%s', true), '')
  )::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`, Channel, originSetting)

	for _, table := range tables {
		t := quote(table)
		fmt.Fprintf(&b, `
DROP TRIGGER IF EXISTS formsync_notify ON %s;
CREATE TRIGGER formsync_notify AFTER INSERT OR UPDATE OR DELETE ON %s
  FOR EACH ROW EXECUTE FUNCTION formsync_notify();
`, t, t)
	}
	return b.String()
}

// InstallTriggers runs TriggerSQL for tables.
func (s *Store) InstallTriggers(ctx context.Context, tables ...string) error {
	if _, err := s.pool.Exec(ctx, TriggerSQL(tables...)); err != nil {
		return fmt.Errorf("install triggers: %w", err)
	}
	return nil
}
