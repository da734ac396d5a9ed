package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/redis/go-redis/v9"
)

// HealthChecker is a dependency probed by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RedisHealthChecker pings the Redis instance shared by the failover store,
// rate limiter and alert deduplicator.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker pings the failover event journal database.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// FailoverStoreChecker reads every alias state, which exercises the Redis
// store when failover is distributed.
type FailoverStoreChecker struct {
	fm *failover.Manager
}

func NewFailoverStoreChecker(fm *failover.Manager) *FailoverStoreChecker {
	return &FailoverStoreChecker{fm: fm}
}

func (c *FailoverStoreChecker) Name() string {
	return "failover_store"
}

func (c *FailoverStoreChecker) Check(ctx context.Context) error {
	_, err := c.fm.States(ctx)
	return err
}

// runHealthChecks runs the checks concurrently; each shares the deadline
// of ctx.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{Status: "ok", DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		resp := HealthStatus{Status: "ready", Checks: results, Version: version}
		code := http.StatusOK
		for name, res := range results {
			if res.Status != "ok" {
				slog.Warn("readiness check failed", "check", name, "error", res.Error)
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, code, resp)
	}
}
