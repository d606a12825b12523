package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Buffer is a reusable byte buffer checked out from a BufferPool.
// While checked out it belongs to exactly one owner; the pool only touches
// its bookkeeping fields.
type Buffer struct {
	// ID identifies the buffer for Release.
	ID string

	// Capacity is the accounted size of the buffer.
	Capacity int

	// Pooled is false for one-off buffers handed out when the pool is full.
	Pooled bool

	CreatedAt time.Time

	data       []byte
	inUse      bool
	lastUsedAt time.Time
	useCount   int
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteString appends s to the buffer. It never fails.
func (b *Buffer) WriteString(s string) (int, error) {
	b.data = append(b.data, s...)
	return len(s), nil
}

// Bytes returns the written bytes. Valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of written bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

func (b *Buffer) reset() {
	if cap(b.data) != b.Capacity {
		b.data = make([]byte, 0, b.Capacity)
		return
	}
	b.data = b.data[:0]
}

// BufferPoolStats is a point-in-time view of a BufferPool.
type BufferPoolStats struct {
	Total         int     `json:"total"`
	InUse         int     `json:"inUse"`
	Free          int     `json:"free"`
	CapacityBytes int     `json:"capacityBytes"`
	Utilization   float64 `json:"utilization"`
	Allocations   int64   `json:"allocations"`
	Reuses        int64   `json:"reuses"`
	Unpooled      int64   `json:"unpooled"`
	Collected     int64   `json:"collected"`
}

// BufferPool tracks a bounded set of reusable buffers.
//
// Invariants:
//   - len(buffers) <= MaxPoolSize
//   - a buffer is either free or in use, never both
//   - an in-use buffer is never collected
type BufferPool struct {
	mu      sync.Mutex
	cfg     BufferPoolConfig
	buffers map[string]*Buffer
	logger  *zap.Logger
	now     func() time.Time
	closed  bool

	allocations int64
	reuses      int64
	unpooled    int64
	collected   int64
}

// NewBufferPool creates a tracked buffer pool.
func NewBufferPool(cfg BufferPoolConfig, logger *zap.Logger) *BufferPool {
	cfg.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferPool{
		cfg:     cfg,
		buffers: make(map[string]*Buffer, cfg.MaxPoolSize),
		logger:  logger.With(zap.String("component", "buffer_pool")),
		now:     time.Now,
	}
}

// Allocate checks out a buffer for at least requestedSize bytes.
//
// A free buffer is reused when its capacity lies within
// [requestedSize, requestedSize*GrowthFactor]. Otherwise a new buffer of
// min(requestedSize, MaxBufferSize) is created. When the pool is full a
// pressure collection runs first; if that frees nothing an untracked
// buffer is returned.
func (p *BufferPool) Allocate(requestedSize int) *Buffer {
	if requestedSize <= 0 {
		requestedSize = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.allocations++

	if buf := p.findFreeLocked(requestedSize); buf != nil {
		buf.inUse = true
		buf.lastUsedAt = now
		buf.useCount++
		p.reuses++
		return buf
	}

	if len(p.buffers) >= p.cfg.MaxPoolSize && !p.closed {
		p.collectLocked(true, now)
	}

	size := requestedSize
	if size > p.cfg.MaxBufferSize {
		size = p.cfg.MaxBufferSize
	}

	if p.closed || len(p.buffers) >= p.cfg.MaxPoolSize {
		p.unpooled++
		p.logger.Warn("buffer pool at capacity, using unpooled buffer",
			zap.Int("requested", requestedSize),
			zap.Int("pool_size", len(p.buffers)),
			zap.Error(ErrPoolExhausted),
		)
		return &Buffer{
			ID:        uuid.NewString(),
			Capacity:  size,
			CreatedAt: now,
			data:      make([]byte, 0, size),
			inUse:     true,
			useCount:  1,
		}
	}

	buf := &Buffer{
		ID:         uuid.NewString(),
		Capacity:   size,
		Pooled:     true,
		CreatedAt:  now,
		data:       make([]byte, 0, size),
		inUse:      true,
		lastUsedAt: now,
		useCount:   1,
	}
	p.buffers[buf.ID] = buf
	return buf
}

func (p *BufferPool) findFreeLocked(requestedSize int) *Buffer {
	upper := int(float64(requestedSize) * p.cfg.GrowthFactor)
	var best *Buffer
	for _, buf := range p.buffers {
		if buf.inUse || buf.Capacity < requestedSize || buf.Capacity > upper {
			continue
		}
		if best == nil || buf.Capacity < best.Capacity {
			best = buf
		}
	}
	return best
}

// Release returns a buffer to the free list. It reports false for unknown,
// unpooled or already free buffers.
func (p *BufferPool) Release(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.buffers[id]
	if !ok || !buf.inUse {
		return false
	}
	buf.reset()
	buf.inUse = false
	buf.lastUsedAt = p.now()
	return true
}

// Collect removes free buffers idle past IdleTimeout, or every free buffer
// when pressure is true. It returns the number removed.
func (p *BufferPool) Collect(pressure bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked(pressure, p.now())
}

func (p *BufferPool) collectLocked(pressure bool, now time.Time) int {
	removed := 0
	for id, buf := range p.buffers {
		if buf.inUse {
			continue
		}
		if pressure || now.Sub(buf.lastUsedAt) > p.cfg.IdleTimeout {
			delete(p.buffers, id)
			removed++
		}
	}
	if removed > 0 {
		p.collected += int64(removed)
		p.logger.Debug("collected buffers",
			zap.Int("removed", removed),
			zap.Bool("pressure", pressure),
			zap.Int("remaining", len(p.buffers)),
		)
	}
	return removed
}

// Stats returns pool statistics.
func (p *BufferPool) Stats() BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := BufferPoolStats{
		Total:       len(p.buffers),
		Allocations: p.allocations,
		Reuses:      p.reuses,
		Unpooled:    p.unpooled,
		Collected:   p.collected,
	}
	for _, buf := range p.buffers {
		if buf.inUse {
			s.InUse++
		} else {
			s.Free++
		}
		s.CapacityBytes += buf.Capacity
	}
	s.Utilization = float64(s.Total) / float64(p.cfg.MaxPoolSize)
	return s
}

// Close drops every tracked buffer. Later allocations are unpooled.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	clear(p.buffers)
}
