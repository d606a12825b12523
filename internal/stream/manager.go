package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"llmstream/internal/retry"
	"llmstream/internal/telemetry"
)

// Health is the diagnostic view of a Manager.
type Health struct {
	Status    string             `json:"status"`
	Pool      PoolStats          `json:"pool"`
	Buffers   BufferPoolStats    `json:"buffers"`
	Batches   BatcherStats       `json:"batches"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
}

// Manager owns the pools, the batcher and the scheduled sweeps shared by
// every stream it runs. Instances are independent of each other.
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
	dispatcher CallbackDispatcher
	registry   *prometheus.Registry

	pool      *ConnectionPool
	buffers   *BufferPool
	batcher   *Batcher
	telemetry *telemetry.Recorder
	retryer   *retry.Retryer
	limiter   *rate.Limiter

	mu       sync.Mutex
	started  bool
	closed   bool
	inflight sync.WaitGroup
	stop     context.CancelFunc
	group    *errgroup.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client used for upstream requests.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithDispatcher sets where client callbacks are forwarded.
func WithDispatcher(d CallbackDispatcher) Option {
	return func(m *Manager) {
		if d != nil {
			m.dispatcher = d
		}
	}
}

// WithRegistry registers the manager's collectors on reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// NewManager validates cfg and builds a Manager. Call Start to run the
// background sweeps.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	if m.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConnsPerHost = cfg.Pool.MaxPoolSize
		m.httpClient = &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: transport,
		}
	}
	if m.dispatcher == nil {
		m.dispatcher = logDispatcher{logger: m.logger}
	}

	m.buffers = NewBufferPool(cfg.Buffers, m.logger)
	m.batcher = NewBatcher(cfg.Batch, m.buffers, m.logger)
	m.pool = NewConnectionPool(cfg.Pool, m.logger)
	m.telemetry = telemetry.NewRecorder(cfg.TelemetryWindow, m.registry)
	m.retryer = retry.New(cfg.Retry,
		retry.WithLogger(m.logger),
		retry.WithClassifier(IsRetryable),
		retry.WithOnRetry(func(int, error, time.Duration) {
			m.telemetry.RecordRetry()
		}),
	)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return m, nil
}

// Start launches the pool health sweep, the pool garbage collection sweep
// and the buffer garbage collection sweep. It is a no-op when already
// started or shut down.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m.stop = cancel
	m.group = g

	m.schedule(ctx, g, "pool_health", m.cfg.Pool.HealthInterval, func() {
		if n := m.pool.HealthSweep(); n > 0 {
			m.logger.Debug("marked slots unhealthy", zap.Int("count", n))
		}
	})
	m.schedule(ctx, g, "pool_gc", m.cfg.Pool.GCInterval, func() {
		m.pool.CollectGarbage()
		m.observe()
	})
	m.schedule(ctx, g, "buffer_gc", m.cfg.Buffers.GCInterval, func() {
		m.buffers.Collect(false)
	})

	m.logger.Info("stream manager started",
		zap.String("endpoint", m.cfg.Endpoint),
		zap.Int("max_pool_size", m.cfg.Pool.MaxPoolSize),
	)
}

func (m *Manager) schedule(ctx context.Context, g *errgroup.Group, name string, every time.Duration, fn func()) {
	g.Go(func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("scheduled task stopped", zap.String("task", name))
				return nil
			case <-ticker.C:
				fn()
			}
		}
	})
}

// Shutdown stops the sweeps, aborts every in-flight stream and waits for
// their terminal chunks until ctx ends. Later calls return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop, group := m.stop, m.group
	m.mu.Unlock()

	if stop != nil {
		stop()
		_ = group.Wait()
	}

	m.pool.Close()

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("shutdown deadline reached with streams still running", zap.Error(err))
	}

	m.batcher.Close()
	m.buffers.Close()
	m.logger.Info("stream manager shut down")
	return err
}

func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

// GenerateStreamingResponse runs one generation with retries. Batched text
// is delivered to sink as it arrives, and sink receives exactly one chunk
// with IsComplete set on every exit path. Cancelling ctx aborts the stream
// and returns an error matching ErrCancelled.
func (m *Manager) GenerateStreamingResponse(ctx context.Context, req Request, sink ChunkSink) (*Result, error) {
	ts := newTerminalSink(sink)

	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		ts.terminal(Chunk{Metadata: ChunkMetadata{StreamID: req.StreamID, Error: err.Error()}})
		return nil, err
	}
	if !m.enter() {
		ts.terminal(Chunk{Metadata: ChunkMetadata{StreamID: req.StreamID, Error: ErrManagerClosed.Error()}})
		return nil, ErrManagerClosed
	}
	defer m.inflight.Done()

	started := time.Now()
	p := &progress{}
	result, err := retry.Do(ctx, m.retryer, func(ctx context.Context, attempt int) (*Result, error) {
		return m.runAttempt(ctx, req, attempt+1, ts, p)
	})

	sample := telemetry.Sample{
		At:       time.Now(),
		Latency:  time.Since(started),
		Bytes:    p.bytes.Load(),
		Attempts: p.attempts,
	}
	if !p.firstToken.IsZero() {
		sample.FirstToken = p.firstToken.Sub(started)
	}
	meta := ChunkMetadata{StreamID: req.StreamID, Attempt: p.attempts}

	switch {
	case err == nil:
		result.Metadata.Attempts = p.attempts
		result.Metadata.Duration = sample.Latency
		meta.TokenCount = result.Metadata.TokenCount
		meta.FullContent = result.Content
		meta.Response = &result.Metadata
		ts.terminal(Chunk{Text: result.tail, Metadata: meta})
		sample.Outcome = telemetry.OutcomeSuccess

	case IsCancellation(err):
		if !errors.Is(err, ErrCancelled) {
			err = ErrCancelled
		}
		meta.Aborted = true
		meta.AbortCause = AbortReason(err)
		meta.Error = err.Error()
		ts.terminal(Chunk{Metadata: meta})
		sample.Outcome = telemetry.OutcomeCancelled
		m.logger.Info("stream cancelled",
			zap.String("stream_id", req.StreamID),
			zap.String("abort_cause", meta.AbortCause),
			zap.Error(err),
		)

	default:
		meta.Error = err.Error()
		ts.terminal(Chunk{Metadata: meta})
		sample.Outcome = telemetry.OutcomeError
		m.logger.Warn("stream failed",
			zap.String("stream_id", req.StreamID),
			zap.Int("attempts", p.attempts),
			zap.Error(err),
		)
	}

	m.telemetry.RecordRequest(sample)
	m.observe()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) dispatchCallback(ctx context.Context, streamID string, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback dispatcher panicked",
				zap.String("stream_id", streamID),
				zap.String("callback_type", cb.Type),
				zap.Any("panic", r),
			)
		}
	}()
	if err := m.dispatcher.Dispatch(ctx, streamID, cb); err != nil {
		m.logger.Warn("callback dispatch failed",
			zap.String("stream_id", streamID),
			zap.String("callback_type", cb.Type),
			zap.String("target", cb.Target),
			zap.Error(err),
		)
	}
}

func (m *Manager) observe() {
	ps := m.pool.Stats()
	bs := m.buffers.Stats()
	m.telemetry.ObservePools(ps.Utilization, bs.Utilization, ps.ActiveStreams)
}

// Health returns pool, buffer, batch and telemetry statistics.
func (m *Manager) Health() Health {
	m.observe()
	pool := m.pool.Stats()
	return Health{
		Status:    pool.Status,
		Pool:      pool,
		Buffers:   m.buffers.Stats(),
		Batches:   m.batcher.Stats(),
		Telemetry: m.telemetry.Snapshot(),
	}
}

// Pool returns the connection pool.
func (m *Manager) Pool() *ConnectionPool { return m.pool }

// Buffers returns the memory buffer pool.
func (m *Manager) Buffers() *BufferPool { return m.buffers }

// Batcher returns the token batcher.
func (m *Manager) Batcher() *Batcher { return m.batcher }

// Telemetry returns the rolling telemetry recorder.
func (m *Manager) Telemetry() *telemetry.Recorder { return m.telemetry }

// Registry returns the prometheus registry holding the manager's collectors.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Config returns the validated configuration.
func (m *Manager) Config() Config { return m.cfg }

// logDispatcher is used when no dispatcher is configured.
type logDispatcher struct {
	logger *zap.Logger
}

func (d logDispatcher) Dispatch(_ context.Context, streamID string, cb Callback) error {
	d.logger.Debug("client callback",
		zap.String("stream_id", streamID),
		zap.String("callback_type", cb.Type),
		zap.String("target", cb.Target),
	)
	return nil
}
