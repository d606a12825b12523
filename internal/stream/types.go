// Package stream implements the streaming connection and token-delivery
// manager for a token-streamed LLM API reached through an SSE proxy endpoint.
//
// Key Features:
// - Bounded connection pool of cancellable request slots with reuse and eviction
// - Incremental SSE line decoding into typed protocol frames
// - Token batching with priority, size, capacity and timer flush policies
// - Tracked memory buffer pool with idle and pressure garbage collection
// - Retry with exponential backoff that never retries a cancellation
//
// Usage Example:
//
//	cfg := stream.DefaultConfig()
//	cfg.Endpoint = "https://proxy.example.com/functions/v1/llm"
//	cfg.APIKey = os.Getenv("LLMSTREAM_API_KEY")
//
//	mgr, err := stream.NewManager(cfg, stream.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	mgr.Start()
//	defer mgr.Shutdown(context.Background())
//
//	result, err := mgr.GenerateStreamingResponse(ctx, stream.Request{
//	    FunctionName: "chat",
//	    Parameters:   map[string]any{"prompt": "Hello"},
//	}, stream.ChunkSinkFunc(func(c stream.Chunk) {
//	    fmt.Print(c.Text)
//	}))
package stream

import (
	"errors"
	"strings"
	"time"

	"llmstream/internal/retry"
)

// Request is the caller-facing payload for one streamed generation.
type Request struct {
	// StreamID identifies the stream across retry attempts.
	// A random id is generated when empty.
	StreamID string

	// FunctionName selects the server-side function behind the proxy.
	FunctionName string

	// Parameters are forwarded verbatim as the function parameters.
	Parameters map[string]any

	// SessionContext is optional conversation/session state.
	SessionContext map[string]any
}

// Validate checks that the request can be sent.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.FunctionName) == "" {
		return errors.New("function name is required")
	}
	return nil
}

// Config is the complete configuration of a Manager.
// All fields except Endpoint are optional and have sensible defaults.
type Config struct {
	// Endpoint is the URL of the SSE proxy function. Required.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// HTTPTimeout bounds a whole attempt including the body read.
	//
	// Default: 0 (no timeout, the request context governs)
	HTTPTimeout time.Duration

	// RequestsPerSecond limits outbound attempts.
	//
	// Default: 0 (unlimited)
	RequestsPerSecond float64

	// TelemetryWindow is the number of samples kept by the rolling telemetry.
	//
	// Default: 100
	TelemetryWindow int

	Pool    PoolConfig
	Batch   BatchConfig
	Buffers BufferPoolConfig
	Retry   retry.Policy
}

// DefaultConfig returns the default manager configuration without an endpoint.
func DefaultConfig() Config {
	return Config{
		TelemetryWindow: 100,
		Pool:            DefaultPoolConfig(),
		Batch:           DefaultBatchConfig(),
		Buffers:         DefaultBufferPoolConfig(),
		Retry:           retry.DefaultPolicy(),
	}
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if c.HTTPTimeout < 0 {
		c.HTTPTimeout = 0
	}
	if c.RequestsPerSecond < 0 {
		c.RequestsPerSecond = 0
	}
	if c.TelemetryWindow <= 0 {
		c.TelemetryWindow = 100
	}
	c.Pool.Validate()
	c.Batch.Validate()
	c.Buffers.Validate()
	c.Retry.Validate()
	return nil
}

// PoolConfig defines the connection pool limits and sweep cadence.
type PoolConfig struct {
	// MaxPoolSize is the maximum number of live slots.
	//
	// Default: 15
	MaxPoolSize int

	// ReuseThreshold is the utilization (0.0-1.0) at which new streams
	// share an existing healthy slot instead of creating one.
	//
	// Default: 0.8
	ReuseThreshold float64

	// MaxReuse is how many requests one slot may serve before it stops
	// being a reuse candidate.
	//
	// Default: 5
	MaxReuse int

	// MaxAge marks a slot unhealthy once exceeded.
	//
	// Default: 5m
	MaxAge time.Duration

	// IdleTimeout collects slots not used for this long.
	//
	// Default: 2m
	IdleTimeout time.Duration

	// HealthInterval is the health sweep period.
	//
	// Default: 30s
	HealthInterval time.Duration

	// GCInterval is the garbage collection sweep period.
	//
	// Default: 10s
	GCInterval time.Duration
}

// DefaultPoolConfig returns the default connection pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize:    15,
		ReuseThreshold: 0.8,
		MaxReuse:       5,
		MaxAge:         5 * time.Minute,
		IdleTimeout:    2 * time.Minute,
		HealthInterval: 30 * time.Second,
		GCInterval:     10 * time.Second,
	}
}

// Validate applies defaults for zero or out-of-range values.
func (c *PoolConfig) Validate() {
	d := DefaultPoolConfig()
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.ReuseThreshold <= 0 || c.ReuseThreshold > 1 {
		c.ReuseThreshold = d.ReuseThreshold
	}
	if c.MaxReuse <= 0 {
		c.MaxReuse = d.MaxReuse
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
}

// DefaultPriorityKeywords force an immediate flush when a token contains one.
var DefaultPriorityKeywords = []string{
	"[done]",
	"complete",
	"error",
	"urgent",
	"critical",
	"warning",
}

// BatchConfig defines the token batching policy.
type BatchConfig struct {
	// MaxBatchSize flushes once this many tokens are pending.
	//
	// Default: 10
	MaxBatchSize int

	// MinFlushSize is the smallest batch a non-forced take returns.
	//
	// Default: 3
	MinFlushSize int

	// FlushInterval bounds how long tokens may wait before delivery.
	//
	// Default: 50ms
	//
	// Tradeoffs:
	//   - Smaller: smoother output, more callbacks
	//   - Larger: fewer UI updates, visible stalls on slow streams
	FlushInterval time.Duration

	// BufferSize is the buffer capacity requested for each new batch.
	//
	// Default: 1024
	BufferSize int

	// CapacityRatio flushes once pending bytes exceed this share of the
	// batch buffer capacity.
	//
	// Default: 0.8
	CapacityRatio float64

	// PriorityKeywords are matched case-insensitively as substrings.
	//
	// Default: DefaultPriorityKeywords
	PriorityKeywords []string
}

// DefaultBatchConfig returns the default batching configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:     10,
		MinFlushSize:     3,
		FlushInterval:    50 * time.Millisecond,
		BufferSize:       1024,
		CapacityRatio:    0.8,
		PriorityKeywords: append([]string(nil), DefaultPriorityKeywords...),
	}
}

// Validate applies defaults for zero or out-of-range values.
func (c *BatchConfig) Validate() {
	d := DefaultBatchConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MinFlushSize <= 0 {
		c.MinFlushSize = d.MinFlushSize
	}
	if c.MinFlushSize > c.MaxBatchSize {
		c.MinFlushSize = c.MaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.CapacityRatio <= 0 || c.CapacityRatio > 1 {
		c.CapacityRatio = d.CapacityRatio
	}
	if c.PriorityKeywords == nil {
		c.PriorityKeywords = d.PriorityKeywords
	}
}

// BufferPoolConfig defines the tracked memory buffer pool.
type BufferPoolConfig struct {
	// MaxPoolSize is the maximum number of tracked buffers.
	//
	// Default: 50
	MaxPoolSize int

	// MaxBufferSize caps the capacity of a newly created buffer.
	//
	// Default: 64KB
	MaxBufferSize int

	// GrowthFactor bounds reuse: a free buffer is reused only when its
	// capacity is within [requested, requested*GrowthFactor].
	//
	// Default: 2.0
	GrowthFactor float64

	// IdleTimeout collects free buffers unused for this long.
	//
	// Default: 5m
	IdleTimeout time.Duration

	// GCInterval is the scheduled collection period.
	//
	// Default: 1m
	GCInterval time.Duration
}

// DefaultBufferPoolConfig returns the default buffer pool configuration.
func DefaultBufferPoolConfig() BufferPoolConfig {
	return BufferPoolConfig{
		MaxPoolSize:   50,
		MaxBufferSize: 64 * 1024,
		GrowthFactor:  2.0,
		IdleTimeout:   5 * time.Minute,
		GCInterval:    time.Minute,
	}
}

// Validate applies defaults for zero or out-of-range values.
func (c *BufferPoolConfig) Validate() {
	d := DefaultBufferPoolConfig()
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.GrowthFactor < 1.0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
}
