package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// errorBodyLimit caps how much of a rejected response is read for its message.
const errorBodyLimit = 4 * 1024

// CallbackDispatcher forwards server-requested client callbacks to UI
// collaborators. Errors are logged by the caller and never fail a stream.
type CallbackDispatcher interface {
	Dispatch(ctx context.Context, streamID string, cb Callback) error
}

type wireRequest struct {
	FunctionName   string         `json:"functionName"`
	Parameters     map[string]any `json:"parameters"`
	Stream         bool           `json:"stream"`
	SessionContext map[string]any `json:"sessionContext,omitempty"`
}

type oneShotResponse struct {
	Success  bool            `json:"success"`
	Data     string          `json:"data"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
	Metadata map[string]any  `json:"metadata"`
}

// progress is shared by every attempt of one invocation.
type progress struct {
	attempts   int
	firstToken time.Time
	bytes      atomic.Int64
}

// attempt is one HTTP round trip of an invocation. Partial state is thrown
// away when it fails.
type attempt struct {
	m        *Manager
	req      Request
	number   int
	sink     *terminalSink
	progress *progress
	logger   *zap.Logger

	// key scopes the batch to this attempt's lease.
	key     string
	content string
	meta    ResponseMetadata
}

func (m *Manager) runAttempt(ctx context.Context, req Request, number int, sink *terminalSink, p *progress) (*Result, error) {
	p.attempts = number
	a := &attempt{
		m:        m,
		req:      req,
		number:   number,
		sink:     sink,
		progress: p,
		logger:   m.logger.With(zap.String("stream_id", req.StreamID), zap.Int("attempt", number)),
		meta:     ResponseMetadata{StreamID: req.StreamID},
	}

	if number > 1 && sink.restart(Chunk{Metadata: ChunkMetadata{StreamID: req.StreamID, Attempt: number}}) {
		a.logger.Debug("discarding text delivered by the failed attempt")
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, abortError(ctx)
			}
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	lease, err := m.pool.Acquire(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	a.key = lease.ID
	defer m.pool.Return(lease)
	defer m.batcher.Discard(a.key)

	return a.run(lease.Context())
}

func (a *attempt) run(ctx context.Context) (*Result, error) {
	body, err := json.Marshal(wireRequest{
		FunctionName:   a.req.FunctionName,
		Parameters:     a.req.Parameters,
		Stream:         true,
		SessionContext: a.req.SessionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if a.m.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.m.cfg.APIKey)
	}

	resp, err := a.m.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, a.rejected(resp)
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		return a.readOneShot(ctx, resp)
	}
	return a.readStream(ctx, resp.Body)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func (a *attempt) rejected(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	message := strings.TrimSpace(string(raw))
	var decoded oneShotResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		switch {
		case len(decoded.Error) > 0:
			message = errorMessage(decoded.Error)
		case decoded.Message != "":
			message = decoded.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return &TransientError{StatusCode: resp.StatusCode, Err: errors.New(message)}
	default:
		return &UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}
}

// readOneShot handles a server that answered with a single JSON object.
// The whole answer is delivered with the terminal chunk.
func (a *attempt) readOneShot(ctx context.Context, resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(resp.Body)
	a.progress.bytes.Add(int64(len(raw)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		return nil, &TransientError{Err: err}
	}

	var decoded oneShotResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response body: %v", err)}
	}
	if !decoded.Success {
		message := decoded.Message
		if len(decoded.Error) > 0 {
			message = errorMessage(decoded.Error)
		}
		if message == "" {
			message = "request was not successful"
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}

	if a.progress.firstToken.IsZero() {
		a.progress.firstToken = time.Now()
	}
	a.meta.NonStreamed = true
	a.meta.Extra = decoded.Metadata
	return &Result{
		Success:  true,
		Content:  decoded.Data,
		Metadata: a.meta,
		tail:     decoded.Data,
	}, nil
}

// readStream decodes the SSE body. A reader goroutine turns bytes into
// lines; this goroutine owns frame dispatch, batching and delivery so the
// sink sees chunks in order.
func (a *attempt) readStream(ctx context.Context, body io.Reader) (*Result, error) {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		readErr <- a.pump(body, lines, done)
	}()

	due := a.m.batcher.Due(a.key)
	for {
		select {
		case <-ctx.Done():
			return nil, abortError(ctx)

		case <-due:
			a.deliver(a.m.batcher.TakeBatch(a.key, true))

		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if ctx.Err() != nil {
					return nil, abortError(ctx)
				}
				if err != nil {
					return nil, &TransientError{Err: err}
				}
				return nil, &TransientError{Err: ErrIncompleteStream}
			}

			payload, ok := ParseDataLine(line)
			if !ok {
				continue
			}
			frame, err := DecodeFrame(payload)
			if err != nil {
				a.logger.Warn("skipping malformed frame", zap.Error(&ProtocolError{Line: line, Err: err}))
				continue
			}
			a.m.pool.Touch(a.req.StreamID)

			result, err := a.handle(ctx, frame)
			if err != nil || result != nil {
				return result, err
			}
		}
	}
}

func (a *attempt) pump(body io.Reader, lines chan<- string, done <-chan struct{}) error {
	defer close(lines)

	buf := sharedReadBuffers.Get()
	defer sharedReadBuffers.Put(buf)

	send := func(line string) bool {
		select {
		case lines <- line:
			return true
		case <-done:
			return false
		}
	}

	var dec LineDecoder
	for {
		n, err := body.Read(*buf)
		if n > 0 {
			a.progress.bytes.Add(int64(n))
			for _, line := range dec.Feed((*buf)[:n]) {
				if !send(line) {
					return nil
				}
			}
		}
		if err != nil {
			if line, ok := dec.Flush(); ok && !send(line) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// handle applies one frame. A non-nil result ends the attempt successfully.
func (a *attempt) handle(ctx context.Context, frame Frame) (*Result, error) {
	switch f := frame.(type) {
	case StartFrame:
		a.meta.Model = f.Model.ValueOrZero()
		if f.Usage != nil {
			a.meta.Usage = f.Usage
		}

	case ContentDeltaFrame:
		if a.progress.firstToken.IsZero() {
			a.progress.firstToken = time.Now()
		}
		if f.FullContent != "" {
			a.content = f.FullContent
		} else {
			a.content += f.Delta
		}
		if f.TokenCount.Valid {
			a.meta.TokenCount = int(f.TokenCount.Int64)
		} else {
			a.meta.TokenCount++
		}
		if f.Delta != "" {
			a.deliver(a.m.batcher.AddToken(a.key, f.Delta, TokenMetadata{
				TokenCount:  a.meta.TokenCount,
				FullContent: a.content,
			}))
		}

	case ToolUseFrame:
		a.meta.ToolUses = append(a.meta.ToolUses, f.ToolUse)

	case UsageUpdateFrame:
		a.meta.Usage = f.Usage

	case ToolResultFrame:
		a.meta.ToolResults = append(a.meta.ToolResults, f.Raw)

	case ToolErrorFrame:
		a.logger.Warn("tool reported an error", zap.String("error", f.Error))
		a.meta.ToolErrors = append(a.meta.ToolErrors, f.Error)

	case FreshResponseFrame:
		// Pending tokens belong to the text being replaced.
		if n := a.m.batcher.Drop(a.key); n > 0 {
			a.logger.Debug("dropped pending tokens for fresh response", zap.Int("tokens", n))
		}
		a.content = f.Content
		if f.TokenCount.Valid {
			a.meta.TokenCount = int(f.TokenCount.Int64)
		}
		if f.ToolResults != nil {
			a.meta.ToolResults = f.ToolResults
		}

	case ClientCallbacksFrame:
		for _, cb := range f.Callbacks {
			a.m.dispatchCallback(ctx, a.req.StreamID, cb)
		}

	case CompleteFrame:
		a.deliver(a.m.batcher.TakeBatch(a.key, true))
		if f.FullContent != "" {
			a.content = f.FullContent
		}
		if f.TokenCount.Valid {
			a.meta.TokenCount = int(f.TokenCount.Int64)
		}
		if len(f.ToolResults) > 0 {
			a.meta.ToolResults = append(a.meta.ToolResults, f.ToolResults...)
		}
		return &Result{Success: true, Content: a.content, Metadata: a.meta}, nil

	case ErrorFrame:
		return nil, &UpstreamError{Message: f.Message}

	case UnknownFrame:
		a.logger.Debug("ignoring unknown frame", zap.String("type", f.Tag))
	}
	return nil, nil
}

func (a *attempt) deliver(batch *Batch) {
	if batch == nil {
		return
	}
	latest := batch.Latest()
	a.sink.chunk(Chunk{
		Text: batch.Text(),
		Metadata: ChunkMetadata{
			StreamID:    a.req.StreamID,
			Attempt:     a.number,
			TokenCount:  latest.TokenCount,
			FullContent: latest.FullContent,
			FlushReason: batch.Reason,
		},
	})
}

// abortError maps a done lease context to the error an attempt returns.
// Deadlines stay deadlines; every other abort is a cancellation.
func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return cause
	case cause == nil, errors.Is(cause, context.Canceled):
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
}
