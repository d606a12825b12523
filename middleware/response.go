package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// maxPooledEventBuffer keeps one oversized event from pinning memory in the pool.
const maxPooledEventBuffer = 64 * 1024

func setResponseDefaults(r *Response) {
	if r.Message == "" {
		r.Message = "Success"
	}
	if r.Code == 0 {
		r.Code = http.StatusOK
	}
}

func logResponseError(c *gin.Context, logger *zap.Logger, r Response) {
	if r.Error == nil {
		return
	}
	logger.Warn("request failed",
		zap.String("request_id", c.GetString("requestId")),
		zap.String("path", c.Request.URL.Path),
		zap.Int("code", r.Code),
		zap.Error(r.Error),
	)
}

func getStartTime(c *gin.Context) time.Time {
	if value, exists := c.Get("start-time"); exists {
		if t, ok := value.(time.Time); ok {
			return t
		}
	}
	return time.Now()
}

func buildDebugInfo(c *gin.Context, r Response) *ResponseAPIDebug {
	startTime := getStartTime(c)
	endTime := time.Now()

	debug := &ResponseAPIDebug{
		Version:   c.GetString("version"),
		StartTime: startTime,
		EndTime:   endTime,
		RuntimeMs: endTime.Sub(startTime).Milliseconds(),
	}
	if r.Error != nil {
		msg := r.Error.Error()
		debug.Error = &msg
	}
	return debug
}

func buildResponseAPI(c *gin.Context, r Response, shouldDebug bool) ResponseAPI {
	response := ResponseAPI{
		RequestID: c.GetString("requestId"),
		Message:   r.Message,
		Data:      r.Data,
	}

	if shouldDebug {
		response.Debug = buildDebugInfo(c, r)
	}

	return response
}

func send(c *gin.Context, logger *zap.Logger, shouldDebug bool) func(r Response) {
	return func(r Response) {
		setResponseDefaults(&r)
		logResponseError(c, logger, r)
		response := buildResponseAPI(c, r, shouldDebug)

		c.Abort()
		c.JSON(r.Code, response)
	}
}

func RequestInit() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		version := c.Request.Header.Get("version")
		if version == "" {
			version = "1.0.0"
		}
		c.Set("version", version)
		c.Set("start-time", time.Now())
		c.Next()
	}
}

// appendEvent encodes one SSE record into buf.
func appendEvent(buf []byte, ev StreamEvent) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return buf, err
	}
	if ev.Event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, ev.Event...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}

// sendStream relays events as text/event-stream until the producer closes
// the channel or the client goes away.
// Follows the same pattern as send() for consistency
func sendStream(c *gin.Context, logger *zap.Logger, shouldDebug bool) func(r StreamResponse) {
	return func(r StreamResponse) {
		if r.Code == 0 {
			r.Code = http.StatusOK
		}

		if r.Error != nil {
			send(c, logger, shouldDebug)(Response{
				Code:    r.Code,
				Message: "Stream failed",
				Error:   r.Error,
			})
			return
		}

		requestID := c.GetString("requestId")
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(r.Code)

		writer := c.Writer
		flusher, _ := writer.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}

		events := 0
		for ev := range r.Events {
			select {
			case <-c.Request.Context().Done():
				logger.Debug("client went away",
					zap.String("request_id", requestID),
					zap.Error(c.Request.Context().Err()),
				)
				return
			default:
			}

			if ev.Error != nil {
				logger.Warn("stream error", zap.String("request_id", requestID), zap.Error(ev.Error))
				ev = StreamEvent{Event: "error", Data: map[string]string{"message": ev.Error.Error()}}
			}

			buf := eventBufferPool.Get().(*[]byte)
			out, err := appendEvent((*buf)[:0], ev)
			if err != nil {
				logger.Error("encode event", zap.String("request_id", requestID), zap.String("event", ev.Event), zap.Error(err))
			} else if _, err := writer.Write(out); err != nil {
				logger.Debug("write event", zap.String("request_id", requestID), zap.Error(err))
			}
			if cap(out) <= maxPooledEventBuffer {
				*buf = out[:0]
				eventBufferPool.Put(buf)
			}
			events++

			if flusher != nil {
				flusher.Flush()
			}
		}

		if shouldDebug {
			logger.Debug("stream completed",
				zap.String("request_id", requestID),
				zap.Int64("runtime_ms", time.Since(getStartTime(c)).Milliseconds()),
				zap.Int("events", events),
			)
		}

		c.Abort()
	}
}

func ResponseInit(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		shouldDebug := gin.Mode() == gin.DebugMode
		c.Set("send", send(c, logger, shouldDebug))
		c.Set("sendStream", sendStream(c, logger, shouldDebug))
		c.Next()
	}
}
