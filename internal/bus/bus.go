// Package bus is the process-wide message bus that carries server-requested
// client callbacks to UI collaborators. Delivery is fire-and-forget: a slow
// subscriber loses messages rather than stalling the stream that published.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"llmstream/internal/stream"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one callback broadcast to subscribers.
type Message struct {
	CallbackType string          `json:"callbackType"`
	Target       string          `json:"target"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	StreamID     string          `json:"streamId"`
	At           time.Time       `json:"at"`
}

// Bus broadcasts messages to every subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Message
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

// Interface compliance check.
var _ stream.CallbackDispatcher = (*Bus)(nil)

// New creates a bus whose subscribers each buffer up to buffer messages.
func New(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]chan Message),
		buffer: buffer,
		logger: logger.With(zap.String("component", "callback_bus")),
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers msg to every subscriber with room and returns how many
// received it.
func (b *Bus) Publish(msg Message) (int, error) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber full, dropping callback",
				zap.String("callback_type", msg.CallbackType),
				zap.String("target", msg.Target),
			)
		}
	}
	return delivered, nil
}

// Dispatch implements stream.CallbackDispatcher.
func (b *Bus) Dispatch(ctx context.Context, streamID string, cb stream.Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.Publish(Message{
		CallbackType: cb.Type,
		Target:       cb.Target,
		Payload:      cb.Payload,
		StreamID:     streamID,
	})
	return err
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
