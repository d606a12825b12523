package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmstream/internal/retry"
)

// recordingSink collects every chunk it receives.
type recordingSink struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (s *recordingSink) OnChunk(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

func (s *recordingSink) all() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chunk(nil), s.chunks...)
}

func (s *recordingSink) terminals() []Chunk {
	var out []Chunk
	for _, c := range s.all() {
		if c.IsComplete {
			out = append(out, c)
		}
	}
	return out
}

// streamedText is the non-terminal text delivered since the last restart.
func (s *recordingSink) streamedText() string {
	var b strings.Builder
	for _, c := range s.all() {
		switch {
		case c.Metadata.Restart:
			b.Reset()
		case !c.IsComplete:
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func (s *recordingSink) restarts() int {
	n := 0
	for _, c := range s.all() {
		if c.Metadata.Restart {
			n++
		}
	}
	return n
}

type recordingDispatcher struct {
	mu        sync.Mutex
	callbacks []Callback
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, cb Callback) error {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, cb)
	d.mu.Unlock()

	switch cb.Target {
	case "broken":
		return errors.New("no listener")
	case "panics":
		panic("listener blew up")
	}
	return nil
}

func newUpstream(t *testing.T, handler gin.HandlerFunc) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/functions/v1/llm", handler)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeSSE(c *gin.Context, frames ...string) {
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	for _, f := range frames {
		fmt.Fprintf(c.Writer, "data: %s\n\n", f)
		c.Writer.Flush()
	}
}

func newTestManager(t *testing.T, srv *httptest.Server, opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/functions/v1/llm"
	cfg.APIKey = "test-key"
	cfg.Retry = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func chatRequest() Request {
	return Request{
		FunctionName: "chat",
		Parameters:   map[string]any{"prompt": "say hello"},
	}
}

func TestNewManager_RequiresEndpoint(t *testing.T) {
	_, err := NewManager(DefaultConfig())
	assert.Error(t, err)
}

func TestGenerateStreamingResponse_HelloWorld(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		assert.Equal(t, "text/event-stream", c.GetHeader("Accept"))
		assert.Equal(t, "no-cache", c.GetHeader("Cache-Control"))
		assert.Equal(t, "Bearer test-key", c.GetHeader("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(c.Request.Body).Decode(&body))
		assert.Equal(t, "chat", body["functionName"])
		assert.Equal(t, true, body["stream"])

		writeSSE(c,
			`{"type":"start","model":"test-model","usage":{"input_tokens":4}}`,
			`{"type":"content_delta","delta":"Hello","full_content":"Hello","token_count":1}`,
			`{"type":"content_delta","delta":" wor","full_content":"Hello wor","token_count":2}`,
			`{"type":"content_delta","delta":"ld","full_content":"Hello world","token_count":3}`,
			`{"type":"complete","full_content":"Hello world","token_count":3}`,
		)
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, "test-model", result.Metadata.Model)
	assert.Equal(t, 3, result.Metadata.TokenCount)
	assert.Equal(t, 1, result.Metadata.Attempts)

	assert.Equal(t, "Hello world", sink.streamedText())
	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, "Hello world", terminals[0].Metadata.FullContent)
	assert.True(t, sink.all()[len(sink.all())-1].IsComplete, "terminal chunk comes last")

	assert.Zero(t, m.Pool().Size())
	assert.Zero(t, m.Batcher().Stats().ActiveBatches)
	assert.Zero(t, m.Buffers().Stats().InUse)
	assert.Equal(t, 1, m.Health().Telemetry.Requests)
}

func TestGenerateStreamingResponse_OneShotJSON(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"data":     "cached answer",
			"metadata": gin.H{"source": "cache"},
		})
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	assert.Equal(t, "cached answer", result.Content)
	assert.True(t, result.Metadata.NonStreamed)
	assert.Equal(t, "cache", result.Metadata.Extra["source"])

	chunks := sink.all()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsComplete)
	assert.Equal(t, "cached answer", chunks[0].Text)
}

func TestGenerateStreamingResponse_UpstreamErrorFrame(t *testing.T) {
	var calls atomic.Int32
	srv := newUpstream(t, func(c *gin.Context) {
		calls.Add(1)
		writeSSE(c,
			`{"type":"start"}`,
			`{"type":"error","error":{"message":"model overloaded"}}`,
		)
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)

	assert.Nil(t, result)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "model overloaded", upstream.Message)
	assert.Equal(t, int32(1), calls.Load(), "upstream errors are not retried")

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Contains(t, terminals[0].Metadata.Error, "model overloaded")
	assert.Equal(t, 1, m.Health().Telemetry.Errors)
}

func TestGenerateStreamingResponse_SkipsMalformedLines(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		fmt.Fprint(c.Writer, ": keep-alive\n")
		fmt.Fprint(c.Writer, "data: not json\n\n")
		fmt.Fprint(c.Writer, `data: {"delta":"no type"}`+"\n\n")
		fmt.Fprint(c.Writer, `data: {"type":"heartbeat"}`+"\n\n")
		fmt.Fprint(c.Writer, `data: {"type":"content_delta","delta":"ok"}`+"\n\n")
		fmt.Fprint(c.Writer, `data: {"type":"complete"}`+"\n\n")
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 1, result.Metadata.TokenCount)
	assert.Len(t, sink.terminals(), 1)
}

func TestGenerateStreamingResponse_RetriesDroppedStream(t *testing.T) {
	var calls atomic.Int32
	srv := newUpstream(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			writeSSE(c, `{"type":"content_delta","delta":"partial"}`)
			return
		}
		writeSSE(c,
			`{"type":"content_delta","delta":"fresh","full_content":"fresh"}`,
			`{"type":"complete","full_content":"fresh"}`,
		)
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	assert.Equal(t, "fresh", result.Content)
	assert.Equal(t, 2, result.Metadata.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), m.Telemetry().Snapshot().Retries)

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, 2, terminals[0].Metadata.Attempt)
	assert.Zero(t, sink.restarts(), "nothing was delivered before the drop")
}

func TestGenerateStreamingResponse_RetryVoidsDeliveredText(t *testing.T) {
	var calls atomic.Int32
	srv := newUpstream(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			frames := make([]string, 10)
			for i := range frames {
				frames[i] = `{"type":"content_delta","delta":"x"}`
			}
			writeSSE(c, frames...)
			return
		}
		writeSSE(c,
			`{"type":"content_delta","delta":"fresh"}`,
			`{"type":"complete","full_content":"fresh"}`,
		)
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	chunks := sink.all()
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, "xxxxxxxxxx", chunks[0].Text, "a full batch went out before the drop")
	assert.Equal(t, 1, chunks[0].Metadata.Attempt)

	assert.True(t, chunks[1].Metadata.Restart)
	assert.Empty(t, chunks[1].Text)
	assert.False(t, chunks[1].IsComplete)
	assert.Equal(t, 2, chunks[1].Metadata.Attempt)

	assert.Equal(t, 1, sink.restarts())
	assert.Equal(t, "fresh", result.Content)
	assert.Equal(t, result.Content, sink.streamedText()+sink.terminals()[0].Text)
}

func TestGenerateStreamingResponse_HTTPStatus(t *testing.T) {
	t.Run("server errors are retried until exhausted", func(t *testing.T) {
		var calls atomic.Int32
		srv := newUpstream(t, func(c *gin.Context) {
			calls.Add(1)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try later"})
		})
		m := newTestManager(t, srv)
		sink := &recordingSink{}

		_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)

		var transient *TransientError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
		assert.Contains(t, err.Error(), "try later")
		assert.Equal(t, int32(3), calls.Load())
		assert.Len(t, sink.terminals(), 1)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := newUpstream(t, func(c *gin.Context) {
			calls.Add(1)
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "unknown function"}})
		})
		m := newTestManager(t, srv)

		_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), nil)

		var upstream *UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
		assert.Equal(t, "unknown function", upstream.Message)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unsuccessful one-shot answer", func(t *testing.T) {
		srv := newUpstream(t, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": "quota exceeded"})
		})
		m := newTestManager(t, srv)

		_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), nil)

		var upstream *UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, "quota exceeded", upstream.Message)
	})
}

func TestGenerateStreamingResponse_Cancellation(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	srv := newUpstream(t, func(c *gin.Context) {
		calls.Add(1)
		writeSSE(c, `{"type":"start"}`, `{"type":"content_delta","delta":"Hel"}`)
		close(started)
		<-c.Request.Context().Done()
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := m.GenerateStreamingResponse(ctx, chatRequest(), sink)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "cancellation is never retried")

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.True(t, terminals[0].Metadata.Aborted)
	assert.Equal(t, AbortCaller, terminals[0].Metadata.AbortCause)

	assert.Zero(t, m.Pool().Size())
	assert.Zero(t, m.Batcher().Stats().ActiveBatches)
	assert.Zero(t, m.Buffers().Stats().InUse)
	assert.Equal(t, 1, m.Telemetry().Snapshot().Cancelled)
}

func TestGenerateStreamingResponse_TimerFlushesSlowStream(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		writeSSE(c, `{"type":"content_delta","delta":"Hi"}`)
		time.Sleep(200 * time.Millisecond)
		writeSSE(c, `{"type":"complete","full_content":"Hi"}`)
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
	require.NoError(t, err)

	chunks := sink.all()
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi", chunks[0].Text)
	assert.False(t, chunks[0].IsComplete)
	assert.Equal(t, FlushForced, chunks[0].Metadata.FlushReason)
	assert.True(t, chunks[1].IsComplete)
}

func TestGenerateStreamingResponse_ClientCallbacks(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		writeSSE(c,
			`{"type":"client_callbacks","callbacks":[`+
				`{"type":"ui_refresh","target":"sidebar"},`+
				`{"type":"notification","target":"broken"},`+
				`{"type":"state_update","target":"panics"},`+
				`{"type":"notification","target":"toast","payload":{"text":"saved"}}]}`,
			`{"type":"tool_use","tool_use":{"name":"save"}}`,
			`{"type":"tool_result","name":"save","output":"ok"}`,
			`{"type":"tool_error","error":"slow disk"}`,
			`{"type":"usage_update","usage":{"output_tokens":9}}`,
			`{"type":"complete","full_content":"saved"}`,
		)
	})
	dispatcher := &recordingDispatcher{}
	m := newTestManager(t, srv, WithDispatcher(dispatcher))

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), nil)
	require.NoError(t, err)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.callbacks, 4, "failing callbacks do not stop later ones")
	assert.Equal(t, "toast", dispatcher.callbacks[3].Target)
	assert.JSONEq(t, `{"text":"saved"}`, string(dispatcher.callbacks[3].Payload))

	assert.Equal(t, "saved", result.Content)
	assert.Len(t, result.Metadata.ToolUses, 1)
	assert.Len(t, result.Metadata.ToolResults, 1)
	assert.Equal(t, []string{"slow disk"}, result.Metadata.ToolErrors)
	assert.EqualValues(t, 9, result.Metadata.Usage["output_tokens"])
}

func TestGenerateStreamingResponse_FreshResponseReplacesText(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		writeSSE(c,
			`{"type":"content_delta","delta":"draft"}`,
			`{"type":"fresh_response","content":"final answer","token_count":2}`,
			`{"type":"complete"}`,
		)
	})
	m := newTestManager(t, srv)

	result, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Content)
	assert.Equal(t, 2, result.Metadata.TokenCount)
}

func TestGenerateStreamingResponse_InvalidRequest(t *testing.T) {
	srv := newUpstream(t, func(c *gin.Context) {
		t.Error("upstream must not be called")
	})
	m := newTestManager(t, srv)
	sink := &recordingSink{}

	_, err := m.GenerateStreamingResponse(context.Background(), Request{}, sink)

	assert.Error(t, err)
	assert.Len(t, sink.terminals(), 1)
}

func TestManager_Shutdown(t *testing.T) {
	t.Run("aborts in-flight streams", func(t *testing.T) {
		started := make(chan struct{})
		srv := newUpstream(t, func(c *gin.Context) {
			writeSSE(c, `{"type":"start"}`)
			close(started)
			<-c.Request.Context().Done()
		})
		m := newTestManager(t, srv)
		sink := &recordingSink{}

		go func() {
			<-started
			_ = m.Shutdown(context.Background())
		}()

		_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, AbortShutdown, AbortReason(err))

		terminals := sink.terminals()
		require.Len(t, terminals, 1)
		assert.True(t, terminals[0].Metadata.Aborted)
		assert.Equal(t, AbortShutdown, terminals[0].Metadata.AbortCause)
	})

	t.Run("rejects work afterwards", func(t *testing.T) {
		srv := newUpstream(t, func(c *gin.Context) {})
		m := newTestManager(t, srv)

		require.NoError(t, m.Shutdown(context.Background()))
		require.NoError(t, m.Shutdown(context.Background()))

		sink := &recordingSink{}
		_, err := m.GenerateStreamingResponse(context.Background(), chatRequest(), sink)
		assert.ErrorIs(t, err, ErrManagerClosed)
		assert.Len(t, sink.terminals(), 1)
	})
}

func TestGenerateStreamingResponse_EvictionIsReportedAsPoolAbort(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	srv := newUpstream(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			writeSSE(c, `{"type":"start"}`)
			close(started)
			<-c.Request.Context().Done()
			return
		}
		writeSSE(c, `{"type":"complete","full_content":"ok"}`)
	})

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/functions/v1/llm"
	cfg.Pool = PoolConfig{MaxPoolSize: 1, ReuseThreshold: 1, MaxReuse: 1}
	cfg.Retry = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	sink := &recordingSink{}
	evictedErr := make(chan error, 1)
	go func() {
		_, err := m.GenerateStreamingResponse(context.Background(), Request{StreamID: "old", FunctionName: "chat"}, sink)
		evictedErr <- err
	}()
	<-started

	_, err = m.GenerateStreamingResponse(context.Background(), Request{StreamID: "new", FunctionName: "chat"}, nil)
	require.NoError(t, err)

	select {
	case err := <-evictedErr:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, AbortEvicted, AbortReason(err))
	case <-time.After(time.Second):
		t.Fatal("evicted stream never returned")
	}
	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.True(t, terminals[0].Metadata.Aborted)
	assert.Equal(t, AbortEvicted, terminals[0].Metadata.AbortCause)
	assert.Equal(t, int32(2), calls.Load(), "a pool abort is not retried")
}

func TestAbortReason(t *testing.T) {
	assert.Equal(t, AbortCaller, AbortReason(ErrCancelled))
	assert.Equal(t, AbortCaller, AbortReason(context.Canceled))
	assert.Equal(t, AbortCollected, AbortReason(fmt.Errorf("%w: %w", ErrCancelled, errSlotCollected)))
	assert.Equal(t, AbortReplaced, AbortReason(fmt.Errorf("%w: %w", ErrCancelled, errLeaseReplaced)))
	assert.Equal(t, AbortReleased, AbortReason(fmt.Errorf("%w: %w", ErrCancelled, errLeaseReleased)))
}
