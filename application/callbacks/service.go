package callbacks

import (
	"context"

	"llmstream/internal/bus"
	"llmstream/middleware"
)

// Service relays client callbacks from the bus to HTTP subscribers.
type Service struct {
	bus *bus.Bus
}

// NewService creates a new Service
func NewService(b *bus.Bus) *Service {
	return &Service{bus: b}
}

// Watch emits a "callback" event for every message published while ctx is
// live. A non-empty streamID keeps only that stream's callbacks.
func (s *Service) Watch(ctx context.Context, streamID string) <-chan middleware.StreamEvent {
	msgs, unsubscribe := s.bus.Subscribe()
	events := make(chan middleware.StreamEvent)

	go func() {
		defer close(events)
		defer unsubscribe()

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if streamID != "" && msg.StreamID != streamID {
					continue
				}
				select {
				case events <- middleware.StreamEvent{Event: "callback", Data: msg}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}
