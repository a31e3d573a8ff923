// Package rediscache keeps saved prefill data in Redis and publishes
// notifications over Redis pub/sub.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/formsync/internal/record"
)

// DefaultPrefix namespaces every key the cache writes.
const DefaultPrefix = "formsync:"

// Cache implements prefill.SnapshotStore and notify.Publisher.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(c *Cache) {
		c.prefix = p
	}
}

// New wraps client.
func New(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects to the Redis server at url (redis://[user:pass@]host:port/db)
// and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Cache, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, opts...), nil
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SaveSnapshot stores data under key for ttl.
func (c *Cache) SaveSnapshot(ctx context.Context, key string, data *record.Record, ttl time.Duration) error {
	encoded, err := data.MarshalJSON()
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot stored under key, if it has not
// expired.
func (c *Cache) LoadSnapshot(ctx context.Context, key string) (*record.Record, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}

	data, err := record.ParseJSON(raw)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return data, true, nil
}

// Publish sends payload on channel. The channel is not prefixed.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}
