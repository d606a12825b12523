package stream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when the caller or the pool aborts a stream.
	// It wraps context.Canceled so retry never repeats it.
	ErrCancelled = fmt.Errorf("stream cancelled: %w", context.Canceled)

	// ErrPoolExhausted is logged when a pool is at capacity. It is resolved
	// internally by eviction, collection or unpooled fallback.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrIncompleteStream is returned when the body ends before a complete frame.
	ErrIncompleteStream = errors.New("stream ended before completion")

	// ErrManagerClosed is returned by a Manager after Shutdown.
	ErrManagerClosed = errors.New("manager is shut down")
)

// TransientError is a connection or HTTP level failure. It is retried.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolError describes one SSE line that could not be decoded.
// The line is skipped and the stream continues.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UpstreamError is reported by the server, either as an error frame or as a
// rejected request. It is terminal and never retried.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return "upstream error: " + e.Message
}

// IsCancellation reports whether err is a cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a failed attempt may be repeated.
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return false
	}
	if errors.Is(err, ErrManagerClosed) {
		return false
	}
	return true
}

// Abort causes reported in ChunkMetadata.AbortCause.
const (
	AbortCaller    = "caller"
	AbortReleased  = "released"
	AbortReplaced  = "replaced"
	AbortEvicted   = "evicted"
	AbortCollected = "collected"
	AbortShutdown  = "shutdown"
)

// AbortReason names who aborted a cancelled stream. Anything not raised by
// the pool is the caller's own cancellation.
func AbortReason(err error) string {
	switch {
	case errors.Is(err, errSlotEvicted):
		return AbortEvicted
	case errors.Is(err, errSlotCollected):
		return AbortCollected
	case errors.Is(err, errPoolShuttingDn):
		return AbortShutdown
	case errors.Is(err, errLeaseReplaced):
		return AbortReplaced
	case errors.Is(err, errLeaseReleased):
		return AbortReleased
	default:
		return AbortCaller
	}
}
