package stream

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flush reasons reported in BatcherStats.
const (
	FlushPriority = "priority"
	FlushSize     = "size"
	FlushCapacity = "capacity"
	FlushInterval = "interval"
	FlushTaken    = "taken"
	FlushForced   = "forced"
)

// TokenMetadata travels with each token through the batcher.
type TokenMetadata struct {
	TokenCount  int       `json:"tokenCount"`
	FullContent string    `json:"fullContent,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Batch is a flushed group of tokens for one stream.
// Tokens and Metadata are aligned 1:1 in arrival order.
type Batch struct {
	StreamID     string
	Tokens       []string
	Metadata     []TokenMetadata
	FirstTokenAt time.Time
	LastTokenAt  time.Time
	TotalLength  int
	Reason       string

	text string
}

// Text returns the tokens joined in order.
func (b *Batch) Text() string {
	return b.text
}

// Latest returns the metadata of the last token.
func (b *Batch) Latest() TokenMetadata {
	if len(b.Metadata) == 0 {
		return TokenMetadata{}
	}
	return b.Metadata[len(b.Metadata)-1]
}

type pendingBatch struct {
	tokens      []string
	metadata    []TokenMetadata
	first       time.Time
	last        time.Time
	totalLength int
	buffer      *Buffer
	timer       *time.Timer
	generation  uint64
}

// BatcherStats is a point-in-time view of a Batcher.
type BatcherStats struct {
	ActiveBatches int              `json:"activeBatches"`
	PendingTokens int              `json:"pendingTokens"`
	Flushes       map[string]int64 `json:"flushes"`
	Dropped       int64            `json:"dropped"`
}

// Batcher accumulates tokens per stream and decides when to flush them.
//
// Flush policy on every AddToken, first match wins:
//  1. the token contains a priority keyword
//  2. the batch holds MaxBatchSize tokens
//  3. pending bytes exceed CapacityRatio of the batch buffer
//  4. the batch holds MinFlushSize tokens and is older than FlushInterval
//  5. otherwise the stream's flush timer is restarted
//
// An expired timer does not flush by itself: it signals Due(streamID) and
// the stream's owner takes the batch, which keeps delivery on one goroutine.
type Batcher struct {
	mu       sync.Mutex
	cfg      BatchConfig
	keywords []string
	buffers  *BufferPool
	batches  map[string]*pendingBatch
	due      map[string]chan struct{}
	flushes  map[string]int64
	dropped  int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewBatcher creates a Batcher. buffers may be nil, in which case batches
// carry no buffer and the capacity rule never fires.
func NewBatcher(cfg BatchConfig, buffers *BufferPool, logger *zap.Logger) *Batcher {
	cfg.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	keywords := make([]string, 0, len(cfg.PriorityKeywords))
	for _, k := range cfg.PriorityKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Batcher{
		cfg:      cfg,
		keywords: keywords,
		buffers:  buffers,
		batches:  make(map[string]*pendingBatch),
		due:      make(map[string]chan struct{}),
		flushes:  make(map[string]int64),
		logger:   logger.With(zap.String("component", "batcher")),
		now:      time.Now,
	}
}

// AddToken appends a token to the stream's batch. It returns the flushed
// batch when a flush condition fired, nil otherwise.
func (b *Batcher) AddToken(streamID, token string, meta TokenMetadata) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = now
	}

	pb, ok := b.batches[streamID]
	if !ok {
		pb = &pendingBatch{first: now}
		if b.buffers != nil {
			pb.buffer = b.buffers.Allocate(b.cfg.BufferSize)
		}
		b.batches[streamID] = pb
	}

	pb.tokens = append(pb.tokens, token)
	pb.metadata = append(pb.metadata, meta)
	pb.totalLength += len(token)
	pb.last = now
	if pb.buffer != nil {
		_, _ = pb.buffer.WriteString(token)
	}

	switch {
	case b.hasPriorityKeyword(token):
		return b.flushLocked(streamID, pb, FlushPriority)
	case len(pb.tokens) >= b.cfg.MaxBatchSize:
		return b.flushLocked(streamID, pb, FlushSize)
	case pb.buffer != nil && float64(pb.totalLength) > b.cfg.CapacityRatio*float64(pb.buffer.Capacity):
		return b.flushLocked(streamID, pb, FlushCapacity)
	case len(pb.tokens) >= b.cfg.MinFlushSize && now.Sub(pb.first) > b.cfg.FlushInterval:
		return b.flushLocked(streamID, pb, FlushInterval)
	}

	b.armTimerLocked(streamID, pb)
	return nil
}

func (b *Batcher) hasPriorityKeyword(token string) bool {
	if len(b.keywords) == 0 {
		return false
	}
	lower := strings.ToLower(token)
	for _, k := range b.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (b *Batcher) armTimerLocked(streamID string, pb *pendingBatch) {
	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.generation++
	gen := pb.generation
	ch := b.dueLocked(streamID)
	drain(ch)
	pb.timer = time.AfterFunc(b.cfg.FlushInterval, func() {
		b.mu.Lock()
		current, ok := b.batches[streamID]
		live := ok && current == pb && current.generation == gen
		b.mu.Unlock()
		if !live {
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
}

// drain clears a signal left by a timer that has since been superseded.
func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func (b *Batcher) dueLocked(streamID string) chan struct{} {
	ch, ok := b.due[streamID]
	if !ok {
		ch = make(chan struct{}, 1)
		b.due[streamID] = ch
	}
	return ch
}

// Due returns a channel that receives when the stream's flush timer expires.
func (b *Batcher) Due(streamID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dueLocked(streamID)
}

// TakeBatch flushes the stream's batch. Without force an under-threshold
// batch (fewer than MinFlushSize tokens) is left in place and nil returned.
func (b *Batcher) TakeBatch(streamID string, force bool) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb, ok := b.batches[streamID]
	if !ok {
		return nil
	}
	if !force && len(pb.tokens) < b.cfg.MinFlushSize {
		return nil
	}
	reason := FlushTaken
	if force {
		reason = FlushForced
	}
	return b.flushLocked(streamID, pb, reason)
}

func (b *Batcher) flushLocked(streamID string, pb *pendingBatch, reason string) *Batch {
	if pb.timer != nil {
		pb.timer.Stop()
		pb.timer = nil
	}
	delete(b.batches, streamID)
	if ch, ok := b.due[streamID]; ok {
		drain(ch)
	}

	batch := &Batch{
		StreamID:     streamID,
		Tokens:       pb.tokens,
		Metadata:     pb.metadata,
		FirstTokenAt: pb.first,
		LastTokenAt:  pb.last,
		TotalLength:  pb.totalLength,
		Reason:       reason,
	}
	if pb.buffer != nil && pb.buffer.Len() == pb.totalLength {
		batch.text = string(pb.buffer.Bytes())
	} else {
		batch.text = strings.Join(pb.tokens, "")
	}
	b.releaseBufferLocked(pb)
	b.flushes[reason]++
	return batch
}

func (b *Batcher) releaseBufferLocked(pb *pendingBatch) {
	if pb.buffer == nil {
		return
	}
	if pb.buffer.Pooled && b.buffers != nil {
		b.buffers.Release(pb.buffer.ID)
	}
	pb.buffer = nil
}

// Pending returns the number of tokens waiting in the stream's batch.
func (b *Batcher) Pending(streamID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.batches[streamID]; ok {
		return len(pb.tokens)
	}
	return 0
}

// Drop throws away the stream's pending tokens without flushing them and
// returns how many were dropped. Unlike Discard the Due channel stays valid.
func (b *Batcher) Drop(streamID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb, ok := b.batches[streamID]
	if !ok {
		return 0
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}
	b.releaseBufferLocked(pb)
	delete(b.batches, streamID)
	if ch, ok := b.due[streamID]; ok {
		drain(ch)
	}
	b.dropped += int64(len(pb.tokens))
	return len(pb.tokens)
}

// Discard drops the stream's batch and releases its buffer and timer.
func (b *Batcher) Discard(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pb, ok := b.batches[streamID]; ok {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		b.releaseBufferLocked(pb)
		delete(b.batches, streamID)
	}
	delete(b.due, streamID)
}

// Stats returns batcher statistics.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BatcherStats{
		ActiveBatches: len(b.batches),
		Flushes:       make(map[string]int64, len(b.flushes)),
		Dropped:       b.dropped,
	}
	for _, pb := range b.batches {
		s.PendingTokens += len(pb.tokens)
	}
	for k, v := range b.flushes {
		s.Flushes[k] = v
	}
	return s
}

// Close stops every timer and releases every batch buffer.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, pb := range b.batches {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		b.releaseBufferLocked(pb)
		delete(b.batches, id)
	}
	clear(b.due)
}
