package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pool health states reported by ConnectionPool.Status.
const (
	StatusHealthy    = "healthy"
	StatusDegraded   = "degraded"
	StatusOverloaded = "overloaded"
)

// Abort causes attached to lease contexts.
var (
	errLeaseReleased  = errors.New("connection released")
	errLeaseReplaced  = errors.New("connection replaced by a newer stream with the same id")
	errSlotEvicted    = errors.New("connection evicted to make room")
	errSlotCollected  = errors.New("connection collected as unhealthy or idle")
	errPoolShuttingDn = errors.New("connection pool shut down")
)

// Lease is one stream's claim on a pool slot. Its context is cancelled when
// the lease is released, the slot is aborted, or the caller's context ends.
type Lease struct {
	ID       string
	StreamID string
	SlotID   string
	Reused   bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool
}

// Context returns the context the stream's HTTP request must run under.
func (l *Lease) Context() context.Context {
	return l.ctx
}

func (l *Lease) abort(cause error) {
	l.stop()
	l.cancel(cause)
}

type slot struct {
	id           string
	ctx          context.Context
	cancel       context.CancelCauseFunc
	createdAt    time.Time
	lastUsedAt   time.Time
	requestCount int
	healthy      bool
	leases       map[string]*Lease
}

// PoolStats is a point-in-time view of a ConnectionPool.
type PoolStats struct {
	Slots         int     `json:"slots"`
	ActiveStreams int     `json:"activeStreams"`
	MaxPoolSize   int     `json:"maxPoolSize"`
	Utilization   float64 `json:"utilization"`
	Healthy       int     `json:"healthy"`
	Unhealthy     int     `json:"unhealthy"`
	Created       int64   `json:"created"`
	Reused        int64   `json:"reused"`
	Evicted       int64   `json:"evicted"`
	Collected     int64   `json:"collected"`
	Status        string  `json:"status"`
}

// ConnectionPool bounds the number of in-flight request slots.
//
// Invariants:
//   - len(slots) <= MaxPoolSize after every call
//   - a stream id maps to at most one lease
type ConnectionPool struct {
	mu     sync.Mutex
	cfg    PoolConfig
	slots  map[string]*slot
	leases map[string]*Lease
	logger *zap.Logger
	now    func() time.Time
	closed bool

	created   int64
	reused    int64
	evicted   int64
	collected int64
}

// NewConnectionPool creates an empty pool.
func NewConnectionPool(cfg PoolConfig, logger *zap.Logger) *ConnectionPool {
	cfg.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionPool{
		cfg:    cfg,
		slots:  make(map[string]*slot, cfg.MaxPoolSize),
		leases: make(map[string]*Lease),
		logger: logger.With(zap.String("component", "connection_pool")),
		now:    time.Now,
	}
}

// Acquire leases a slot for streamID. parent's cancellation propagates to
// the lease. A live lease with the same id is aborted first.
//
// At or above the reuse threshold the least recently used healthy slot
// below MaxReuse is shared. Otherwise a new slot is created, evicting the
// oldest slot when the pool is full.
func (p *ConnectionPool) Acquire(parent context.Context, streamID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrManagerClosed
	}

	if old, ok := p.leases[streamID]; ok {
		p.logger.Debug("replacing live stream", zap.String("stream_id", streamID))
		p.releaseLocked(old, errLeaseReplaced)
	}

	now := p.now()
	var s *slot
	reused := false
	if p.utilizationLocked() >= p.cfg.ReuseThreshold {
		s = p.reuseCandidateLocked()
		reused = s != nil
	}
	if s == nil {
		if len(p.slots) >= p.cfg.MaxPoolSize {
			p.evictOldestLocked()
		}
		ctx, cancel := context.WithCancelCause(context.Background())
		s = &slot{
			id:        uuid.NewString(),
			ctx:       ctx,
			cancel:    cancel,
			createdAt: now,
			healthy:   true,
			leases:    make(map[string]*Lease, 1),
		}
		p.slots[s.id] = s
		p.created++
	} else {
		p.reused++
	}

	s.requestCount++
	s.lastUsedAt = now

	ctx, cancel := context.WithCancelCause(s.ctx)
	lease := &Lease{
		ID:       uuid.NewString(),
		StreamID: streamID,
		SlotID:   s.id,
		Reused:   reused,
		ctx:      ctx,
		cancel:   cancel,
	}
	lease.stop = context.AfterFunc(parent, func() {
		cancel(context.Cause(parent))
	})
	s.leases[streamID] = lease
	p.leases[streamID] = lease
	return lease, nil
}

func (p *ConnectionPool) utilizationLocked() float64 {
	return float64(len(p.slots)) / float64(p.cfg.MaxPoolSize)
}

func (p *ConnectionPool) reuseCandidateLocked() *slot {
	var best *slot
	for _, s := range p.slots {
		if !s.healthy || s.requestCount >= p.cfg.MaxReuse || s.ctx.Err() != nil {
			continue
		}
		if best == nil || s.lastUsedAt.Before(best.lastUsedAt) {
			best = s
		}
	}
	return best
}

func (p *ConnectionPool) evictOldestLocked() {
	var oldest *slot
	for _, s := range p.slots {
		if oldest == nil || s.createdAt.Before(oldest.createdAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return
	}
	p.logger.Warn("connection pool full, evicting oldest slot",
		zap.String("slot_id", oldest.id),
		zap.Int("streams", len(oldest.leases)),
		zap.Error(ErrPoolExhausted),
	)
	p.abortSlotLocked(oldest, errSlotEvicted)
	p.evicted++
}

func (p *ConnectionPool) abortSlotLocked(s *slot, cause error) {
	for id, lease := range s.leases {
		lease.abort(cause)
		delete(p.leases, id)
	}
	s.cancel(cause)
	delete(p.slots, s.id)
}

func (p *ConnectionPool) releaseLocked(lease *Lease, cause error) {
	lease.abort(cause)
	delete(p.leases, lease.StreamID)
	s, ok := p.slots[lease.SlotID]
	if !ok {
		return
	}
	delete(s.leases, lease.StreamID)
	if len(s.leases) == 0 {
		s.cancel(cause)
		delete(p.slots, s.id)
	}
}

// Release aborts the stream's lease. The slot is removed once no stream
// holds it. Releasing an unknown id is a no-op returning false.
func (p *ConnectionPool) Release(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.leases[streamID]
	if !ok {
		return false
	}
	p.releaseLocked(lease, errLeaseReleased)
	return true
}

// Return releases lease only if it still owns its stream id, so a stream
// replaced by a newer one cannot release its successor.
func (p *ConnectionPool) Return(lease *Lease) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.leases[lease.StreamID]; !ok || current != lease {
		return false
	}
	p.releaseLocked(lease, errLeaseReleased)
	return true
}

// Touch marks the stream's slot as used now.
func (p *ConnectionPool) Touch(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lease, ok := p.leases[streamID]; ok {
		if s, ok := p.slots[lease.SlotID]; ok {
			s.lastUsedAt = p.now()
		}
	}
}

// ReleaseAll aborts and removes every slot.
func (p *ConnectionPool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseAllLocked(errLeaseReleased)
}

func (p *ConnectionPool) releaseAllLocked(cause error) {
	for _, s := range p.slots {
		p.abortSlotLocked(s, cause)
	}
}

// HealthSweep marks slots older than MaxAge unhealthy and returns how many
// were newly marked.
func (p *ConnectionPool) HealthSweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	marked := 0
	for _, s := range p.slots {
		if s.healthy && now.Sub(s.createdAt) > p.cfg.MaxAge {
			s.healthy = false
			marked++
		}
	}
	return marked
}

// CollectGarbage aborts and removes unhealthy or idle slots and returns
// how many were removed.
func (p *ConnectionPool) CollectGarbage() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for _, s := range p.slots {
		if s.healthy && now.Sub(s.lastUsedAt) <= p.cfg.IdleTimeout {
			continue
		}
		p.logger.Debug("collecting slot",
			zap.String("slot_id", s.id),
			zap.Bool("healthy", s.healthy),
			zap.Duration("idle", now.Sub(s.lastUsedAt)),
		)
		p.abortSlotLocked(s, errSlotCollected)
		removed++
	}
	p.collected += int64(removed)
	return removed
}

// Size returns the number of live slots.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Stats returns pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Slots:         len(p.slots),
		ActiveStreams: len(p.leases),
		MaxPoolSize:   p.cfg.MaxPoolSize,
		Utilization:   p.utilizationLocked(),
		Created:       p.created,
		Reused:        p.reused,
		Evicted:       p.evicted,
		Collected:     p.collected,
	}
	for _, sl := range p.slots {
		if sl.healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
	}
	s.Status = p.statusLocked(s.Unhealthy)
	return s
}

// Status returns the pool health state.
func (p *ConnectionPool) Status() string {
	return p.Stats().Status
}

func (p *ConnectionPool) statusLocked(unhealthy int) string {
	switch {
	case p.utilizationLocked() >= p.cfg.ReuseThreshold:
		return StatusOverloaded
	case unhealthy > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Close aborts every slot and rejects later acquisitions.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.releaseAllLocked(errPoolShuttingDn)
}
