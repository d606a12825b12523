package stream

import (
	"sync"
	"time"

	json "github.com/json-iterator/go"
)

// ResponseMetadata accumulates what the server reported about a response.
type ResponseMetadata struct {
	StreamID    string            `json:"streamId"`
	Model       string            `json:"model,omitempty"`
	Usage       map[string]any    `json:"usage,omitempty"`
	TokenCount  int               `json:"tokenCount"`
	ToolUses    []json.RawMessage `json:"toolUses,omitempty"`
	ToolResults []json.RawMessage `json:"toolResults,omitempty"`
	ToolErrors  []string          `json:"toolErrors,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	NonStreamed bool              `json:"nonStreamed,omitempty"`
	Attempts    int               `json:"attempts"`
	Duration    time.Duration     `json:"duration"`
}

// Result is the final value of a successful generation.
type Result struct {
	Success  bool             `json:"success"`
	Content  string           `json:"content"`
	Metadata ResponseMetadata `json:"metadata"`

	// tail is text not yet delivered through the sink; it rides on the
	// terminal chunk.
	tail string
}

// ChunkMetadata describes one delivered chunk.
type ChunkMetadata struct {
	StreamID    string            `json:"streamId"`
	Attempt     int               `json:"attempt"`
	TokenCount  int               `json:"tokenCount"`
	FullContent string            `json:"fullContent,omitempty"`
	FlushReason string            `json:"flushReason,omitempty"`
	Aborted     bool              `json:"aborted,omitempty"`
	AbortCause  string            `json:"abortCause,omitempty"`
	Restart     bool              `json:"restart,omitempty"`
	Error       string            `json:"error,omitempty"`
	Response    *ResponseMetadata `json:"response,omitempty"`
}

// Chunk is one progress notification. Exactly one chunk per generation has
// IsComplete set.
type Chunk struct {
	Text       string        `json:"text"`
	IsComplete bool          `json:"isComplete"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ChunkSink receives progress notifications. Calls for one generation never
// overlap and arrive in order.
//
// A chunk with Metadata.Restart set carries no text: a retry began and
// everything delivered before it is void. The text delivered after the
// last restart, plus the terminal chunk's text, is the final content.
type ChunkSink interface {
	OnChunk(Chunk)
}

// ChunkSinkFunc adapts a function to ChunkSink.
type ChunkSinkFunc func(Chunk)

// OnChunk implements ChunkSink.
func (f ChunkSinkFunc) OnChunk(c Chunk) {
	f(c)
}

// terminalSink forwards chunks until the terminal one, then drops everything.
type terminalSink struct {
	sink ChunkSink
	mu   sync.Mutex
	done bool

	// dirty is set once text was delivered since the last restart.
	dirty bool
}

func newTerminalSink(sink ChunkSink) *terminalSink {
	if sink == nil {
		sink = ChunkSinkFunc(func(Chunk) {})
	}
	return &terminalSink{sink: sink}
}

func (t *terminalSink) chunk(c Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	c.IsComplete = false
	c.Metadata.Restart = false
	t.dirty = true
	t.sink.OnChunk(c)
}

// restart voids the text delivered so far. It reports false, sending
// nothing, when no text was delivered.
func (t *terminalSink) restart(c Chunk) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || !t.dirty {
		return false
	}
	t.dirty = false
	c.Text = ""
	c.IsComplete = false
	c.Metadata.Restart = true
	t.sink.OnChunk(c)
	return true
}

func (t *terminalSink) terminal(c Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	c.IsComplete = true
	t.sink.OnChunk(c)
}
