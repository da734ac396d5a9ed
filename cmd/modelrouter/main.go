package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/felipepmaragno/model-router/internal/alerting"
	"github.com/felipepmaragno/model-router/internal/api"
	"github.com/felipepmaragno/model-router/internal/auth"
	"github.com/felipepmaragno/model-router/internal/config"
	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/crypto"
	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/felipepmaragno/model-router/internal/gateway"
	"github.com/felipepmaragno/model-router/internal/httputil"
	"github.com/felipepmaragno/model-router/internal/metrics"
	"github.com/felipepmaragno/model-router/internal/notifications"
	"github.com/felipepmaragno/model-router/internal/provider"
	"github.com/felipepmaragno/model-router/internal/queue"
	"github.com/felipepmaragno/model-router/internal/ratelimit"
	"github.com/felipepmaragno/model-router/internal/repository"
	"github.com/felipepmaragno/model-router/internal/router"
	"github.com/felipepmaragno/model-router/internal/secrets"
	"github.com/felipepmaragno/model-router/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const serviceName = "model-router"

func main() {
	if len(os.Args) > 1 {
		os.Exit(runCommand(os.Args[1], os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("model router stopped with error", "error", err)
		os.Exit(1)
	}
}

// runCommand handles the operator helpers that do not start the server.
func runCommand(name string, args []string) int {
	switch name {
	case "seal":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: modelrouter seal <value>  (reads ENCRYPTION_KEY)")
			return 2
		}
		enc, err := crypto.NewEncryptor(os.Getenv("ENCRYPTION_KEY"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "seal:", err)
			return 1
		}
		sealed, err := enc.Seal(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "seal:", err)
			return 1
		}
		fmt.Println(sealed)
		return 0

	case "hash-admin-token":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: modelrouter hash-admin-token <token>")
			return 2
		}
		hash, err := auth.HashToken(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash-admin-token:", err)
			return 1
		}
		fmt.Println(hash)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (commands: seal, hash-admin-token)\n", name)
		return 2
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting model router",
		"addr", cfg.Addr,
		"version", cfg.Version,
		"pod", cfg.PodName,
		"bindings", cfg.BindingsFile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.InitInstanceMetrics(cfg.PodName, cfg.Version)

	shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     cfg.Version,
		Instance:    cfg.PodName,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTracer(context.Background())

	bindings, err := config.LoadBindings(cfg.BindingsFile)
	if err != nil {
		return err
	}

	var checkers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("connected to redis")
	}

	var journal repository.EventJournal
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		pj := repository.NewPostgresEventJournal(db)
		if err := pj.Migrate(ctx); err != nil {
			return err
		}
		journal = pj
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres failover journal")
	} else {
		journal = repository.NewInMemoryEventJournal(1000)
		slog.Info("using in-memory failover journal")
	}

	var store failover.Store
	if cfg.UseDistributedFailover {
		if redisClient == nil {
			return errors.New("USE_DISTRIBUTED_FAILOVER requires REDIS_URL")
		}
		store = failover.NewRedisStoreWithClient(redisClient)
		slog.Info("using redis failover store")
	} else {
		store = failover.NewInMemoryStore()
		slog.Info("using in-memory failover store")
	}

	fm := failover.NewManager(cfg.Failover(), store, failover.WithEventBuffer(cfg.FailoverEventBuffer))
	defer fm.Close()

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	fm.OnTransition(func(ev failover.Event) {
		switch ev.Type {
		case failover.EventActivated, failover.EventRecovered:
			metrics.RecordFailoverTransition(ev.Alias, ev.State.Status.String(), ev.State.FailedOver())
		}

		hookCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := journal.Append(hookCtx, ev); err != nil {
			slog.Error("failed to record failover event", "alias", ev.Alias, "type", ev.Type, "error", err)
		}
		if err := notifier.Send(hookCtx, notifications.FromEvent(ev)); err != nil {
			slog.Error("failed to send failover notification", "alias", ev.Alias, "type", ev.Type, "error", err)
		}
	})

	resolver, err := newResolver(ctx, cfg, bindings)
	if err != nil {
		return err
	}

	httpClient := httputil.WithTimeout(cfg.UpstreamTimeout)
	registry := provider.NewRegistry(resolver, cost.NewTable(cfg.DefaultPricing()), httpClient, cfg.AWSRegion)

	routes, err := registry.Routes(ctx, bindings)
	if err != nil {
		return err
	}

	r := router.New(fm)
	for _, route := range routes {
		if err := r.AddRoute(ctx, route); err != nil {
			return err
		}
		st, err := fm.Snapshot(ctx, route.Alias)
		if err == nil {
			metrics.SetFailoverState(route.Alias, st.FailedOver())
		}
		slog.Info("registered alias",
			"alias", route.Alias,
			"primary", route.Primary.Name,
			"has_failover", route.Failover != nil,
		)
	}

	gwOpts := []gateway.Option{}

	var dedup alerting.AlertDeduplicator
	if redisClient != nil {
		dedup = alerting.NewRedisDeduplicatorWithClient(redisClient, cfg.AlertInterval)
	} else {
		dedup = alerting.NewInMemoryDeduplicator(cfg.AlertInterval)
	}
	detector := alerting.NewDetector(cfg.Alerting(), notifier, dedup)
	gwOpts = append(gwOpts, gateway.WithDetector(detector))

	if cfg.SQSCacheMissQueueURL != "" {
		publisher, err := queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSCacheMissQueueURL)
		if err != nil {
			return err
		}
		gwOpts = append(gwOpts, gateway.WithPublisher(publisher))
		slog.Info("publishing cache miss events to sqs", "queue_url", cfg.SQSCacheMissQueueURL)
	}

	gw := gateway.New(cfg.Gateway(), r, fm, cost.NewEstimator(cfg.CostCacheSizeFloor), gwOpts...)

	guard, err := auth.NewGuard(cfg.AdminTokenHash)
	if err != nil {
		return fmt.Errorf("admin guard: %w", err)
	}
	if !guard.Enabled() {
		slog.Warn("ADMIN_TOKEN_HASH not set, admin endpoints are unauthenticated")
	}

	var limiter ratelimit.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisRateLimiterWithClient(redisClient)
		slog.Info("using redis rate limiter", "rpm", cfg.RateLimitRPM)
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter", "rpm", cfg.RateLimitRPM)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:      gw,
		Failover:     fm,
		RateLimiter:  limiter,
		RateLimitRPM: cfg.RateLimitRPM,
		Journal:      journal,
		AdminGuard:   guard,
		Checkers:     checkers,
		Version:      cfg.Version,
	})

	go fm.RunProber(ctx, fm.Config().ProbeInterval, r.ProbePrimary)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Streams stay open for the length of a generation.
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down server...", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	gw.Close()
	detector.Wait()

	slog.Info("server stopped")
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func newNotifier(ctx context.Context, cfg *config.Config) (notifications.Notifier, error) {
	if cfg.SNSTopicARN == "" {
		slog.Info("SNS_TOPIC_ARN not set, notifications are kept in memory")
		return notifications.NewInMemoryNotifier(), nil
	}

	n, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
	if err != nil {
		return nil, err
	}
	slog.Info("sending notifications to sns", "topic_arn", cfg.SNSTopicARN)
	return n, nil
}

// newResolver wires AWS Secrets Manager only when a binding references it.
func newResolver(ctx context.Context, cfg *config.Config, b *config.Bindings) (*secrets.Resolver, error) {
	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		var err error
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}

	var store secrets.SecretStore
	for _, u := range b.Upstreams {
		if strings.HasPrefix(u.APIKey, secrets.PrefixSecret) {
			sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
			if err != nil {
				return nil, err
			}
			store = sm
			slog.Info("resolving upstream credentials from aws secrets manager", "region", cfg.AWSRegion)
			break
		}
	}

	return secrets.NewResolver(store, enc), nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}).WithAttrs([]slog.Attr{slog.String("service", serviceName)})
	slog.SetDefault(slog.New(handler))
}
