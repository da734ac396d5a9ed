package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	d := NewInMemoryDeduplicator(5 * time.Minute)
	d.now = clock.Now

	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("same kind should be deduplicated")
	}
	if !d.ShouldAlert(ctx, KindUpstreamError) {
		t.Error("different kind should be allowed")
	}

	clock.Advance(5 * time.Minute)
	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("alert should be allowed after the interval")
	}
}

func TestInMemoryDeduplicator_ClearAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator(time.Hour)

	d.ShouldAlert(ctx, KindCacheMiss)
	d.ClearAlert(ctx, KindCacheMiss)

	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("after clear, should be able to alert again")
	}
}

func newRedisDeduplicator(t *testing.T, interval time.Duration) (*RedisDeduplicator, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisDeduplicatorWithClient(client, interval), mr
}

func TestRedisDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d, mr := newRedisDeduplicator(t, 5*time.Minute)

	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("same kind should be deduplicated")
	}
	if ttl := mr.TTL(alertKeyPrefix + KindCacheMiss); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	mr.FastForward(5 * time.Minute)
	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("alert should be allowed after the key expired")
	}
}

func TestRedisDeduplicator_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	newInstance := func() *RedisDeduplicator {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisDeduplicatorWithClient(client, time.Minute)
	}
	a, b := newInstance(), newInstance()

	if !a.ShouldAlert(ctx, KindUpstreamError) {
		t.Fatal("first instance should win")
	}
	if b.ShouldAlert(ctx, KindUpstreamError) {
		t.Error("second instance should be deduplicated")
	}

	a.ClearAlert(ctx, KindUpstreamError)
	if !b.ShouldAlert(ctx, KindUpstreamError) {
		t.Error("second instance should win after clear")
	}
}

func TestRedisDeduplicator_FailsOpen(t *testing.T) {
	ctx := context.Background()
	d, mr := newRedisDeduplicator(t, time.Minute)
	mr.Close()

	if !d.ShouldAlert(ctx, KindCacheMiss) {
		t.Error("redis errors should allow the alert")
	}
}
