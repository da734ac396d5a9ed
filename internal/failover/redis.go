package failover

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic failover transitions.
// Times are passed as unix milliseconds computed by the caller so that every
// instance compares against the same values it stores.

// activateScript moves an alias to failed_over unless a live activation exists.
// Keys: [state_key]
// Args: [now_ms, deadline_ms, loss_usd]
// Returns: [activated, prev_status, prev_activated_at, prev_deadline, trigger_count, prev_loss]
var activateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status') or 'active'
local prevActivated = redis.call('HGET', KEYS[1], 'activated_at') or ''
local prevDeadline = redis.call('HGET', KEYS[1], 'recovery_deadline') or ''
local prevLoss = redis.call('HGET', KEYS[1], 'last_loss') or '0'
local count = tonumber(redis.call('HGET', KEYS[1], 'trigger_count') or '0')

if status == 'failed_over' and prevDeadline ~= '' then
    if tonumber(ARGV[1]) < tonumber(prevDeadline) then
        return {0, status, prevActivated, prevDeadline, count, prevLoss}
    end
end

redis.call('HSET', KEYS[1], 'status', 'failed_over')
redis.call('HSET', KEYS[1], 'activated_at', ARGV[1])
redis.call('HSET', KEYS[1], 'recovery_deadline', ARGV[2])
redis.call('HSET', KEYS[1], 'last_loss', ARGV[3])
count = redis.call('HINCRBY', KEYS[1], 'trigger_count', 1)

return {1, status, prevActivated, prevDeadline, count, prevLoss}
`)

// recoverScript moves an alias back to active.
// Keys: [state_key]
// Args: [expected_activated_at (empty skips the check), now_ms, force]
// Returns: 1 if recovered, 0 otherwise
var recoverScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status') or 'active'
if status ~= 'failed_over' then
    return 0
end

local activated = redis.call('HGET', KEYS[1], 'activated_at') or ''
if ARGV[1] ~= '' and activated ~= ARGV[1] then
    return 0
end

if ARGV[3] ~= '1' then
    local deadline = tonumber(redis.call('HGET', KEYS[1], 'recovery_deadline') or '0')
    if tonumber(ARGV[2]) < deadline then
        return 0
    end
end

redis.call('HSET', KEYS[1], 'status', 'active')
redis.call('HDEL', KEYS[1], 'activated_at', 'recovery_deadline')
return 1
`)

// RedisStore keeps failover state in Redis so every gateway instance routes
// an alias the same way.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient shares an existing connection pool.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "modelrouter:failover:",
	}
}

func (s *RedisStore) key(alias string) string {
	return s.keyPrefix + alias
}

func (s *RedisStore) Init(ctx context.Context, alias string) error {
	if err := s.client.HSetNX(ctx, s.key(alias), "status", StatusActive.String()).Err(); err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, alias string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(alias)).Result()
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}

	st := State{
		Alias:            alias,
		Status:           ParseStatus(fields["status"]),
		ActivatedAt:      parseMillis(fields["activated_at"]),
		RecoveryDeadline: parseMillis(fields["recovery_deadline"]),
	}
	st.TriggerCount, _ = strconv.Atoi(fields["trigger_count"])
	st.LastLossUSD, _ = strconv.ParseFloat(fields["last_loss"], 64)

	return st, nil
}

func (s *RedisStore) Activate(ctx context.Context, alias string, now, deadline time.Time, lossUSD float64) (State, State, bool, error) {
	args := []interface{}{
		formatMillis(now),
		formatMillis(deadline),
		strconv.FormatFloat(lossUSD, 'f', -1, 64),
	}

	result, err := activateScript.Run(ctx, s.client, []string{s.key(alias)}, args...).Slice()
	if err != nil {
		return State{}, State{}, false, fmt.Errorf("run activate script: %w", err)
	}
	if len(result) != 6 {
		return State{}, State{}, false, fmt.Errorf("activate script returned %d values", len(result))
	}

	activated := toInt(result[0]) == 1
	count := toInt(result[4])

	prev := State{
		Alias:            alias,
		Status:           ParseStatus(toString(result[1])),
		ActivatedAt:      parseMillis(toString(result[2])),
		RecoveryDeadline: parseMillis(toString(result[3])),
		TriggerCount:     count,
	}
	prev.LastLossUSD, _ = strconv.ParseFloat(toString(result[5]), 64)

	if !activated {
		return prev, prev, false, nil
	}

	prev.TriggerCount = count - 1
	next := State{
		Alias:            alias,
		Status:           StatusFailedOver,
		ActivatedAt:      now,
		RecoveryDeadline: deadline,
		TriggerCount:     count,
		LastLossUSD:      lossUSD,
	}

	return prev, next, true, nil
}

func (s *RedisStore) Recover(ctx context.Context, alias string, activatedAt, now time.Time, force bool) (State, bool, error) {
	expected := ""
	if !activatedAt.IsZero() {
		expected = formatMillis(activatedAt)
	}
	forceArg := "0"
	if force {
		forceArg = "1"
	}

	n, err := recoverScript.Run(ctx, s.client, []string{s.key(alias)}, expected, formatMillis(now), forceArg).Int()
	if err != nil {
		return State{}, false, fmt.Errorf("run recover script: %w", err)
	}

	st, err := s.Get(ctx, alias)
	if err != nil {
		return State{}, false, err
	}

	return st, n == 1, nil
}

// Reset deletes the alias state. Useful for tests and manual intervention.
func (s *RedisStore) Reset(ctx context.Context, alias string) error {
	return s.client.Del(ctx, s.key(alias)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
