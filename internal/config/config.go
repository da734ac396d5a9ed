// Package config loads the router configuration from the environment (and
// an optional .env file) and the alias bindings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/felipepmaragno/model-router/internal/alerting"
	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/felipepmaragno/model-router/internal/gateway"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Config struct {
	Addr           string `validate:"required"`
	LogLevel       string `validate:"oneof=debug info warn error"`
	BindingsFile   string `validate:"required"`
	RedisURL       string
	DatabaseURL    string
	OTLPEndpoint   string
	AWSRegion      string
	EncryptionKey  string
	AdminTokenHash string
	PodName        string
	Version        string

	FailoverEnabled        bool
	FailoverLossThreshold  float64       `validate:"gte=0"`
	FailoverCooldown       time.Duration `validate:"gt=0"`
	FailoverProbeInterval  time.Duration `validate:"gte=0"`
	FailoverEventBuffer    int           `validate:"gte=1"`
	UseDistributedFailover bool

	CostCacheSizeFloor       int     `validate:"gte=0"`
	CostDefaultInputPerMTok  float64 `validate:"gte=0"`
	CostDefaultCacheReadMTok float64 `validate:"gte=0"`

	UpstreamTimeout  time.Duration `validate:"gt=0"`
	StreamBufferSize int           `validate:"gte=1"`
	RateLimitRPM     int           `validate:"gte=0"`

	SNSTopicARN          string
	SQSCacheMissQueueURL string

	AlertingEnabled             bool
	CacheMissAlertThreshold     int           `validate:"gte=1"`
	UpstreamErrorAlertThreshold int           `validate:"gte=1"`
	CacheMissAlertWindow        time.Duration `validate:"gt=0"`
	AlertInterval               time.Duration `validate:"gt=0"`

	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Load reads ENV_FILE (default .env) when it exists, then the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	fo := failover.DefaultConfig()
	al := alerting.DefaultConfig()
	gw := gateway.DefaultConfig()

	cfg := &Config{
		Addr:           getEnv("ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		BindingsFile:   getEnv("BINDINGS_FILE", "bindings.yaml"),
		RedisURL:       getEnv("REDIS_URL", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
		PodName:        getEnv("POD_NAME", hostname()),
		Version:        getEnv("VERSION", "dev"),

		FailoverEnabled:        getBoolEnv("FAILOVER_ENABLED", fo.Enabled),
		FailoverLossThreshold:  getFloatEnv("FAILOVER_LOSS_THRESHOLD_USD", fo.Threshold),
		FailoverCooldown:       getDurationEnv("FAILOVER_COOLDOWN", fo.Cooldown),
		FailoverProbeInterval:  getDurationEnv("FAILOVER_PROBE_INTERVAL", 0),
		FailoverEventBuffer:    getIntEnv("FAILOVER_EVENT_BUFFER", failover.DefaultEventBuffer),
		UseDistributedFailover: getBoolEnv("USE_DISTRIBUTED_FAILOVER", false),

		CostCacheSizeFloor:       getIntEnv("COST_CACHE_SIZE_FLOOR", cost.DefaultSizeFloor),
		CostDefaultInputPerMTok:  getFloatEnv("COST_DEFAULT_INPUT_PER_MTOK", 15.00),
		CostDefaultCacheReadMTok: getFloatEnv("COST_DEFAULT_CACHE_READ_PER_MTOK", 0.50),

		UpstreamTimeout:  getDurationEnv("UPSTREAM_TIMEOUT", gw.UpstreamTimeout),
		StreamBufferSize: getIntEnv("STREAM_BUFFER_SIZE", gw.StreamBufferSize),
		RateLimitRPM:     getIntEnv("RATE_LIMIT_RPM", 300),

		SNSTopicARN:          getEnv("SNS_TOPIC_ARN", ""),
		SQSCacheMissQueueURL: getEnv("SQS_CACHE_MISS_QUEUE_URL", ""),

		AlertingEnabled:             getBoolEnv("ALERTING_ENABLED", al.Enabled),
		CacheMissAlertThreshold:     getIntEnv("CACHE_MISS_ALERT_THRESHOLD", al.CacheMissThreshold),
		UpstreamErrorAlertThreshold: getIntEnv("UPSTREAM_ERROR_ALERT_THRESHOLD", al.ErrorThreshold),
		CacheMissAlertWindow:        getDurationEnv("CACHE_MISS_ALERT_WINDOW", al.Window),
		AlertInterval:               getDurationEnv("ALERT_INTERVAL", al.Interval),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Failover() failover.Config {
	return failover.Config{
		Enabled:       c.FailoverEnabled,
		Threshold:     c.FailoverLossThreshold,
		Cooldown:      c.FailoverCooldown,
		ProbeInterval: c.FailoverProbeInterval,
	}
}

func (c *Config) Alerting() alerting.Config {
	return alerting.Config{
		Enabled:            c.AlertingEnabled,
		CacheMissThreshold: c.CacheMissAlertThreshold,
		ErrorThreshold:     c.UpstreamErrorAlertThreshold,
		Window:             c.CacheMissAlertWindow,
		Interval:           c.AlertInterval,
	}
}

func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		UpstreamTimeout:  c.UpstreamTimeout,
		StreamBufferSize: c.StreamBufferSize,
	}
}

// DefaultPricing is applied to models missing from the built-in price table.
func (c *Config) DefaultPricing() cost.Pricing {
	return cost.Pricing{
		InputPerMTok:     c.CostDefaultInputPerMTok,
		CacheReadPerMTok: c.CostDefaultCacheReadMTok,
		CacheAware:       true,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv reads a whole number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
