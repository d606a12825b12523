package stream

import (
	"errors"
	"fmt"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
)

// Frame type tags on the wire.
const (
	FrameStart           = "start"
	FrameContentDelta    = "content_delta"
	FrameToolUse         = "tool_use"
	FrameUsageUpdate     = "usage_update"
	FrameComplete        = "complete"
	FrameClientCallbacks = "client_callbacks"
	FrameToolResult      = "tool_result"
	FrameToolError       = "tool_error"
	FrameFreshResponse   = "fresh_response"
	FrameError           = "error"
)

// Callback types carried by client_callbacks frames.
const (
	CallbackUIRefresh    = "ui_refresh"
	CallbackStateUpdate  = "state_update"
	CallbackNotification = "notification"
)

// Frame is one decoded protocol event. The set of implementations is closed.
type Frame interface {
	Type() string
	frame()
}

// StartFrame opens a stream.
type StartFrame struct {
	Model null.String    `json:"model"`
	Usage map[string]any `json:"usage"`
}

// ContentDeltaFrame carries incremental text.
type ContentDeltaFrame struct {
	Delta       string   `json:"delta"`
	FullContent string   `json:"full_content"`
	TokenCount  null.Int `json:"token_count"`
}

// ToolUseFrame announces a tool invocation. The payload is opaque.
type ToolUseFrame struct {
	ToolUse json.RawMessage `json:"tool_use"`
}

// UsageUpdateFrame replaces the accumulated usage.
type UsageUpdateFrame struct {
	Usage map[string]any `json:"usage"`
}

// CompleteFrame terminates a successful stream.
type CompleteFrame struct {
	FullContent string            `json:"full_content"`
	TokenCount  null.Int          `json:"token_count"`
	ToolResults []json.RawMessage `json:"tool_results"`
}

// Callback is one client-side side effect requested by the server.
type Callback struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// ClientCallbacksFrame asks the client to run callbacks immediately.
type ClientCallbacksFrame struct {
	Callbacks []Callback `json:"callbacks"`
}

// ToolResultFrame is an opaque tool result.
type ToolResultFrame struct {
	Raw json.RawMessage `json:"-"`
}

// ToolErrorFrame reports a failed tool.
type ToolErrorFrame struct {
	Error string `json:"-"`
}

// FreshResponseFrame replaces everything accumulated so far.
type FreshResponseFrame struct {
	Content     string            `json:"content"`
	TokenCount  null.Int          `json:"token_count"`
	ToolResults []json.RawMessage `json:"tool_results"`
}

// ErrorFrame is a server-side failure.
type ErrorFrame struct {
	Message string `json:"-"`
}

// UnknownFrame is any frame with an unrecognized tag. It is logged and ignored.
type UnknownFrame struct {
	Tag string
	Raw json.RawMessage
}

func (StartFrame) Type() string           { return FrameStart }
func (ContentDeltaFrame) Type() string    { return FrameContentDelta }
func (ToolUseFrame) Type() string         { return FrameToolUse }
func (UsageUpdateFrame) Type() string     { return FrameUsageUpdate }
func (CompleteFrame) Type() string        { return FrameComplete }
func (ClientCallbacksFrame) Type() string { return FrameClientCallbacks }
func (ToolResultFrame) Type() string      { return FrameToolResult }
func (ToolErrorFrame) Type() string       { return FrameToolError }
func (FreshResponseFrame) Type() string   { return FrameFreshResponse }
func (ErrorFrame) Type() string           { return FrameError }
func (f UnknownFrame) Type() string       { return f.Tag }

func (StartFrame) frame()           {}
func (ContentDeltaFrame) frame()    {}
func (ToolUseFrame) frame()         {}
func (UsageUpdateFrame) frame()     {}
func (CompleteFrame) frame()        {}
func (ClientCallbacksFrame) frame() {}
func (ToolResultFrame) frame()      {}
func (ToolErrorFrame) frame()       {}
func (FreshResponseFrame) frame()   {}
func (ErrorFrame) frame()           {}
func (UnknownFrame) frame()         {}

// Interface compliance checks.
var (
	_ Frame = StartFrame{}
	_ Frame = ContentDeltaFrame{}
	_ Frame = ToolUseFrame{}
	_ Frame = UsageUpdateFrame{}
	_ Frame = CompleteFrame{}
	_ Frame = ClientCallbacksFrame{}
	_ Frame = ToolResultFrame{}
	_ Frame = ToolErrorFrame{}
	_ Frame = FreshResponseFrame{}
	_ Frame = ErrorFrame{}
	_ Frame = UnknownFrame{}
)

var errMissingType = errors.New("frame has no type")

// DecodeFrame decodes one JSON payload taken from a data line.
func DecodeFrame(data []byte) (Frame, error) {
	var envelope struct {
		Type  string          `json:"type"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Type == "" {
		return nil, errMissingType
	}

	var (
		f   Frame
		err error
	)
	switch envelope.Type {
	case FrameStart:
		var v StartFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameContentDelta:
		var v ContentDeltaFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameToolUse:
		var v ToolUseFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameUsageUpdate:
		var v UsageUpdateFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameComplete:
		var v CompleteFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameClientCallbacks:
		var v ClientCallbacksFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameToolResult:
		f = ToolResultFrame{Raw: append(json.RawMessage(nil), data...)}
	case FrameToolError:
		f = ToolErrorFrame{Error: errorMessage(envelope.Error)}
	case FrameFreshResponse:
		var v FreshResponseFrame
		err = json.Unmarshal(data, &v)
		f = v
	case FrameError:
		f = ErrorFrame{Message: errorMessage(envelope.Error)}
	default:
		f = UnknownFrame{Tag: envelope.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", envelope.Type, err)
	}
	return f, nil
}

// errorMessage accepts both `"error": "text"` and `"error": {"message": "text"}`.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
