package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure an alert of one kind is dispatched at most
// once per interval, across all router instances sharing the backend.
type AlertDeduplicator interface {
	// ShouldAlert reports whether the caller won the right to send the
	// alert. It returns false while an earlier alert of the same kind is
	// still inside its interval.
	ShouldAlert(ctx context.Context, kind string) bool

	// ClearAlert releases the kind so the next ShouldAlert succeeds, for
	// example after a failed dispatch.
	ClearAlert(ctx context.Context, kind string)
}

type InMemoryDeduplicator struct {
	mu       sync.Mutex
	interval time.Duration
	sentAt   map[string]time.Time
	now      func() time.Time
}

func NewInMemoryDeduplicator(interval time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		interval: interval,
		sentAt:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, kind string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.sentAt[kind]; ok && now.Sub(last) < d.interval {
		return false
	}

	d.sentAt[kind] = now
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sentAt, kind)
}

const alertKeyPrefix = "modelrouter:alert:"

// RedisDeduplicator uses SETNX with a TTL of one interval, so only one
// instance wins each interval.
type RedisDeduplicator struct {
	client   *redis.Client
	interval time.Duration
}

func NewRedisDeduplicator(redisURL string, interval time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, interval), nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, interval time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:   client,
		interval: interval,
	}
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, kind string) bool {
	acquired, err := d.client.SetNX(ctx, alertKeyPrefix+kind, time.Now().Unix(), d.interval).Result()
	if err != nil {
		// On Redis error, allow the alert (fail open)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, kind string) {
	d.client.Del(ctx, alertKeyPrefix+kind)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
