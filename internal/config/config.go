// Package config loads process configuration from .env files, the
// environment (prefix LLMSTREAM_) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"llmstream/internal/stream"
)

// EnvPrefix prefixes every environment variable, e.g. LLMSTREAM_ENDPOINT.
const EnvPrefix = "LLMSTREAM"

// Configuration keys. Dots become underscores in environment variables.
const (
	KeyEndpoint        = "endpoint"
	KeyAPIKey          = "api_key"
	KeyHTTPTimeout     = "http_timeout"
	KeyRateLimit       = "rate_limit"
	KeyTelemetryWindow = "telemetry_window"

	KeyPoolMaxSize        = "pool.max_size"
	KeyPoolReuseThreshold = "pool.reuse_threshold"
	KeyPoolMaxReuse       = "pool.max_reuse"
	KeyPoolMaxAge         = "pool.max_age"
	KeyPoolIdleTimeout    = "pool.idle_timeout"
	KeyPoolHealthInterval = "pool.health_interval"
	KeyPoolGCInterval     = "pool.gc_interval"

	KeyBatchMaxSize       = "batch.max_size"
	KeyBatchMinFlush      = "batch.min_flush"
	KeyBatchFlushInterval = "batch.flush_interval"
	KeyBatchBufferSize    = "batch.buffer_size"
	KeyBatchKeywords      = "batch.keywords"

	KeyBufferPoolMax     = "buffer.pool_max"
	KeyBufferMaxSize     = "buffer.max_size"
	KeyBufferGrowth      = "buffer.growth"
	KeyBufferIdleTimeout = "buffer.idle_timeout"
	KeyBufferGCInterval  = "buffer.gc_interval"

	KeyRetryMax       = "retry.max"
	KeyRetryBaseDelay = "retry.base_delay"
	KeyRetryMaxDelay  = "retry.max_delay"
	KeyRetryJitter    = "retry.jitter"

	KeyDBDriver = "db.driver"
	KeyDBDSN    = "db.dsn"
	KeyAddr     = "addr"
	KeyLogLevel = "log.level"
	KeyAppEnv   = "app_env"
)

// Database drivers accepted by db.driver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is everything the commands need.
type Config struct {
	Addr     string
	DBDriver string
	DBDSN    string
	LogLevel string
	AppEnv   string
	Stream   stream.Config
}

// New returns a viper instance with every default set and the environment
// bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	sc := stream.DefaultConfig()
	v.SetDefault(KeyEndpoint, "")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyHTTPTimeout, sc.HTTPTimeout)
	v.SetDefault(KeyRateLimit, sc.RequestsPerSecond)
	v.SetDefault(KeyTelemetryWindow, sc.TelemetryWindow)

	v.SetDefault(KeyPoolMaxSize, sc.Pool.MaxPoolSize)
	v.SetDefault(KeyPoolReuseThreshold, sc.Pool.ReuseThreshold)
	v.SetDefault(KeyPoolMaxReuse, sc.Pool.MaxReuse)
	v.SetDefault(KeyPoolMaxAge, sc.Pool.MaxAge)
	v.SetDefault(KeyPoolIdleTimeout, sc.Pool.IdleTimeout)
	v.SetDefault(KeyPoolHealthInterval, sc.Pool.HealthInterval)
	v.SetDefault(KeyPoolGCInterval, sc.Pool.GCInterval)

	v.SetDefault(KeyBatchMaxSize, sc.Batch.MaxBatchSize)
	v.SetDefault(KeyBatchMinFlush, sc.Batch.MinFlushSize)
	v.SetDefault(KeyBatchFlushInterval, sc.Batch.FlushInterval)
	v.SetDefault(KeyBatchBufferSize, sc.Batch.BufferSize)
	v.SetDefault(KeyBatchKeywords, strings.Join(sc.Batch.PriorityKeywords, ","))

	v.SetDefault(KeyBufferPoolMax, sc.Buffers.MaxPoolSize)
	v.SetDefault(KeyBufferMaxSize, sc.Buffers.MaxBufferSize)
	v.SetDefault(KeyBufferGrowth, sc.Buffers.GrowthFactor)
	v.SetDefault(KeyBufferIdleTimeout, sc.Buffers.IdleTimeout)
	v.SetDefault(KeyBufferGCInterval, sc.Buffers.GCInterval)

	v.SetDefault(KeyRetryMax, sc.Retry.MaxRetries)
	v.SetDefault(KeyRetryBaseDelay, sc.Retry.BaseDelay)
	v.SetDefault(KeyRetryMaxDelay, sc.Retry.MaxDelay)
	v.SetDefault(KeyRetryJitter, sc.Retry.Jitter)

	v.SetDefault(KeyDBDriver, DriverSQLite)
	v.SetDefault(KeyDBDSN, "llmstream.db")
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyAppEnv, "development")
	return v
}

// LoadDotEnv loads the given .env files, or ./.env when none are given.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads v into a Config. The stream endpoint is not required here;
// stream.NewManager rejects a missing one.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:     v.GetString(KeyAddr),
		DBDriver: strings.ToLower(strings.TrimSpace(v.GetString(KeyDBDriver))),
		DBDSN:    v.GetString(KeyDBDSN),
		LogLevel: v.GetString(KeyLogLevel),
		AppEnv:   v.GetString(KeyAppEnv),
	}

	switch cfg.DBDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return Config{}, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return Config{}, errors.New("db dsn is required")
	}

	sc := stream.Config{
		Endpoint:          strings.TrimSpace(v.GetString(KeyEndpoint)),
		APIKey:            v.GetString(KeyAPIKey),
		HTTPTimeout:       v.GetDuration(KeyHTTPTimeout),
		RequestsPerSecond: v.GetFloat64(KeyRateLimit),
		TelemetryWindow:   v.GetInt(KeyTelemetryWindow),
	}
	sc.Pool = stream.PoolConfig{
		MaxPoolSize:    v.GetInt(KeyPoolMaxSize),
		ReuseThreshold: v.GetFloat64(KeyPoolReuseThreshold),
		MaxReuse:       v.GetInt(KeyPoolMaxReuse),
		MaxAge:         v.GetDuration(KeyPoolMaxAge),
		IdleTimeout:    v.GetDuration(KeyPoolIdleTimeout),
		HealthInterval: v.GetDuration(KeyPoolHealthInterval),
		GCInterval:     v.GetDuration(KeyPoolGCInterval),
	}
	sc.Batch = stream.BatchConfig{
		MaxBatchSize:     v.GetInt(KeyBatchMaxSize),
		MinFlushSize:     v.GetInt(KeyBatchMinFlush),
		FlushInterval:    v.GetDuration(KeyBatchFlushInterval),
		BufferSize:       v.GetInt(KeyBatchBufferSize),
		PriorityKeywords: splitList(v.GetString(KeyBatchKeywords)),
	}
	sc.Buffers = stream.BufferPoolConfig{
		MaxPoolSize:   v.GetInt(KeyBufferPoolMax),
		MaxBufferSize: v.GetInt(KeyBufferMaxSize),
		GrowthFactor:  v.GetFloat64(KeyBufferGrowth),
		IdleTimeout:   v.GetDuration(KeyBufferIdleTimeout),
		GCInterval:    v.GetDuration(KeyBufferGCInterval),
	}
	sc.Retry.MaxRetries = v.GetInt(KeyRetryMax)
	sc.Retry.BaseDelay = v.GetDuration(KeyRetryBaseDelay)
	sc.Retry.MaxDelay = v.GetDuration(KeyRetryMaxDelay)
	sc.Retry.Jitter = v.GetDuration(KeyRetryJitter)

	sc.Pool.Validate()
	sc.Batch.Validate()
	sc.Buffers.Validate()
	sc.Retry.Validate()
	cfg.Stream = sc
	return cfg, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
