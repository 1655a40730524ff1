package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for NewRedisLedger.
const (
	DefaultRedisPrefix = "questpipe:notice:"
	DefaultRedisTTL    = 7 * 24 * time.Hour
)

// RedisLedger stores notice flags in Redis so they survive restarts and can be
// shared. Entries expire after the TTL.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

// OpenRedisLedger connects to a redis:// URL and verifies the connection.
func OpenRedisLedger(ctx context.Context, url string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLedger(client, DefaultRedisPrefix, DefaultRedisTTL), nil
}

func (l *RedisLedger) key(questID int64, kind Kind) string {
	return fmt.Sprintf("%s%d:%s", l.prefix, questID, kind)
}

func (l *RedisLedger) WasSent(ctx context.Context, questID int64, kind Kind) (bool, error) {
	_, err := l.client.Get(ctx, l.key(questID, kind)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("notice ledger get error: %w", err)
	}
	return true, nil
}

func (l *RedisLedger) MarkSent(ctx context.Context, questID int64, kind Kind) error {
	if err := l.client.Set(ctx, l.key(questID, kind), time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("notice ledger set error: %w", err)
	}
	return nil
}

func (l *RedisLedger) Forget(ctx context.Context, questID int64) error {
	if err := l.client.Del(ctx, l.key(questID, KindHourLeft), l.key(questID, KindOverdue)).Err(); err != nil {
		return fmt.Errorf("notice ledger delete error: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
