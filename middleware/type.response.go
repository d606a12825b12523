package middleware

import (
	"sync"
	"time"
)

type Response struct {
	Data    any
	Message string
	Code    int
	Error   error
}

type ResponseAPIDebug struct {
	Version   string    `json:"version"`
	Error     *string   `json:"error"`
	StartTime time.Time `json:"startTime"` // ISO8601 format, e.g., "2025-01-09T15:04:05Z07:00"
	EndTime   time.Time `json:"endTime"`
	RuntimeMs int64     `json:"runtimeMs"`
}

type ResponseAPI struct {
	RequestID string            `json:"requestId"`
	Data      any               `json:"data"`
	Message   string            `json:"message"`
	Debug     *ResponseAPIDebug `json:"debug,omitempty"`
}

// StreamEvent is one server-sent event. Data is JSON encoded into the
// event's data line.
type StreamEvent struct {
	Event string
	Data  any
	Error error // Error ends the stream with an "error" event
}

// StreamResponse represents a server-sent event stream
type StreamResponse struct {
	Events <-chan StreamEvent // Closed by the producer when the stream ends
	Error  error              // Error to return if streaming fails before starting
	Code   int                // HTTP status code (default 200)
}

var eventBufferPool = sync.Pool{
	New: func() interface{} {
		// Pre-allocate 4KB buffer (enough for a batch of tokens)
		buf := make([]byte, 0, 4096)
		return &buf
	},
}
