package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llmstream/internal/config"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("LLMSTREAM_ENDPOINT", "")

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"start\",\"model\":\"demo\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_delta\",\"delta\":\"Hello\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_delta\",\"delta\":\" world\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\",\"full_content\":\"Hello world\",\"token_count\":2}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestAskStreamsAnswer(t *testing.T) {
	upstream := newUpstream(t)

	stdout, _, err := executeCLI(t, "ask", "--endpoint", upstream.URL, "--log-level", "error", "say", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\n", stdout)
}

func TestAskPrintsMetadata(t *testing.T) {
	upstream := newUpstream(t)

	stdout, _, err := executeCLI(t, "ask", "--endpoint", upstream.URL, "--log-level", "error", "--metadata", "hi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "Hello world\n"))
	assert.Contains(t, stdout, `"model": "demo"`)
}

func TestAskMarksDiscardedPartialAnswer(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			for i := 0; i < 10; i++ {
				fmt.Fprint(w, "data: {\"type\":\"content_delta\",\"delta\":\"x\"}\n\n")
			}
			return
		}
		fmt.Fprint(w, "data: {\"type\":\"content_delta\",\"delta\":\"fresh\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\",\"full_content\":\"fresh\"}\n\n")
	}))
	defer upstream.Close()
	t.Setenv("LLMSTREAM_RETRY_BASE_DELAY", "1ms")
	t.Setenv("LLMSTREAM_RETRY_MAX_DELAY", "5ms")
	t.Setenv("LLMSTREAM_RETRY_JITTER", "0s")

	stdout, stderr, err := executeCLI(t, "ask", "--endpoint", upstream.URL, "--log-level", "error", "hi")
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxxxx\nfresh\n", stdout)
	assert.Contains(t, stderr, "retrying (attempt 2)")
}

func TestAskEndpointFromEnv(t *testing.T) {
	upstream := newUpstream(t)

	root := newRootCmd()
	t.Setenv("LLMSTREAM_ENDPOINT", upstream.URL)
	t.Setenv("LLMSTREAM_LOG_LEVEL", "error")
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"ask", "hi"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "Hello world\n", stdout.String())
}

func TestAskRequiresEndpoint(t *testing.T) {
	_, _, err := executeCLI(t, "ask", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestServeRejectsUnknownDriver(t *testing.T) {
	_, _, err := executeCLI(t, "serve", "--endpoint", "http://localhost:1", "--db-driver", "postgres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported db driver")
}

func TestServerRoutes(t *testing.T) {
	upstream := newUpstream(t)

	cfg, err := config.Load(config.New())
	require.NoError(t, err)
	cfg.AppEnv = "test"
	cfg.Stream.Endpoint = upstream.URL

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := newServer(cfg, db, zap.NewNop())
	require.NoError(t, err)
	s.mgr.Start()
	defer func() { _ = s.shutdown(t.Context()) }()
	defer gin.SetMode(gin.TestMode)

	t.Run("generate", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := strings.NewReader(`{"functionName":"chat","parameters":{"prompt":"hi"}}`)
		s.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/generate?stream=false", body))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"content":"Hello world"`)
	})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"database":"ok"`)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "llmstream_")
	})
}
