package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/guregu/null/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"llmstream/common"
	"llmstream/internal/stream"
	"llmstream/middleware"
)

// UnavailableMessage is returned when the upstream failed and nothing is cached.
const UnavailableMessage = "The assistant is temporarily unavailable. Please try again shortly."

// Generator runs one streamed generation.
type Generator interface {
	GenerateStreamingResponse(ctx context.Context, req stream.Request, sink stream.ChunkSink) (*stream.Result, error)
}

// Request is the body of POST /v1/generate.
type Request struct {
	StreamID       string         `json:"streamId"`
	FunctionName   string         `json:"functionName" binding:"required"`
	Parameters     map[string]any `json:"parameters"`
	SessionContext map[string]any `json:"sessionContext"`
}

// ChunkEvent is the data of a "chunk" event.
type ChunkEvent struct {
	StreamID    string `json:"streamId"`
	Text        string `json:"text"`
	TokenCount  int    `json:"tokenCount"`
	FlushReason string `json:"flushReason"`
	Attempt     int    `json:"attempt"`
}

// ResetEvent is the data of a "reset" event: a retry began and every chunk
// relayed before it must be dropped.
type ResetEvent struct {
	StreamID string `json:"streamId"`
	Attempt  int    `json:"attempt"`
}

// Answer is the data of a "complete" event and the body of a non-streamed call.
type Answer struct {
	StreamID string                   `json:"streamId"`
	Content  string                   `json:"content"`
	Fallback bool                     `json:"fallback"`
	Cached   bool                     `json:"cached"`
	Error    string                   `json:"error,omitempty"`
	Metadata *stream.ResponseMetadata `json:"metadata,omitempty"`
}

// Service relays generations and falls back to cached answers.
type Service struct {
	gen    Generator
	repo   *Repository
	logger *zap.Logger
}

// NewService creates a new Service
func NewService(gen Generator, repo *Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gen:    gen,
		repo:   repo,
		logger: logger.With(zap.String("component", "generate")),
	}
}

// CacheKey identifies a function call independent of parameter order.
func CacheKey(functionName string, params map[string]any) (string, error) {
	encoded, err := json.ConfigCompatibleWithStandardLibrary.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	sum := sha256.New()
	sum.Write([]byte(functionName))
	sum.Write([]byte{0})
	sum.Write(encoded)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func (r *Request) toStream() stream.Request {
	return stream.Request{
		StreamID:       r.StreamID,
		FunctionName:   strings.TrimSpace(r.FunctionName),
		Parameters:     r.Parameters,
		SessionContext: r.SessionContext,
	}
}

// Stream runs the generation in the background and relays its chunks as
// events. A "reset" event voids the chunks before it. The last event is
// "complete", preceded by "error" when the answer is a fallback.
func (s *Service) Stream(ctx context.Context, req *Request) middleware.StreamResponse {
	key, err := CacheKey(req.FunctionName, req.Parameters)
	if err != nil {
		return middleware.StreamResponse{Code: http.StatusBadRequest, Error: err}
	}

	events := make(chan middleware.StreamEvent, 16)
	go func() {
		defer close(events)

		emit := func(ev middleware.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sink := stream.ChunkSinkFunc(func(c stream.Chunk) {
			if c.Metadata.Restart {
				emit(middleware.StreamEvent{Event: "reset", Data: ResetEvent{
					StreamID: c.Metadata.StreamID,
					Attempt:  c.Metadata.Attempt,
				}})
				return
			}
			if c.IsComplete || c.Text == "" {
				return
			}
			emit(middleware.StreamEvent{Event: "chunk", Data: ChunkEvent{
				StreamID:    c.Metadata.StreamID,
				Text:        c.Text,
				TokenCount:  c.Metadata.TokenCount,
				FlushReason: c.Metadata.FlushReason,
				Attempt:     c.Metadata.Attempt,
			}})
		})

		answer, err := s.run(ctx, req, key, sink)
		if err != nil {
			if stream.IsCancellation(err) {
				return
			}
			if !emit(middleware.StreamEvent{Error: err}) {
				return
			}
		}
		emit(middleware.StreamEvent{Event: "complete", Data: answer})
	}()

	return middleware.StreamResponse{Events: events}
}

// Generate runs the generation to completion and returns the whole answer.
// The error is non-nil only for cancellation; other failures come back as a
// fallback answer with Error set.
func (s *Service) Generate(ctx context.Context, req *Request) (*Answer, error) {
	key, err := CacheKey(req.FunctionName, req.Parameters)
	if err != nil {
		return nil, err
	}
	answer, err := s.run(ctx, req, key, nil)
	if err != nil && stream.IsCancellation(err) {
		return nil, err
	}
	return answer, nil
}

// run returns the answer, or a fallback answer together with the failure.
func (s *Service) run(ctx context.Context, req *Request, key string, sink stream.ChunkSink) (*Answer, error) {
	result, err := s.gen.GenerateStreamingResponse(ctx, req.toStream(), sink)
	if err != nil {
		if stream.IsCancellation(err) {
			return nil, err
		}
		s.logger.Warn("generation failed, serving fallback",
			zap.String("function", req.FunctionName),
			zap.Error(err),
		)
		answer := s.Fallback(ctx, key)
		answer.StreamID = req.StreamID
		answer.Error = err.Error()
		return answer, err
	}

	s.remember(ctx, req, key, result)
	return &Answer{
		StreamID: result.Metadata.StreamID,
		Content:  result.Content,
		Metadata: &result.Metadata,
	}, nil
}

func (s *Service) remember(ctx context.Context, req *Request, key string, result *stream.Result) {
	if s.repo == nil || result.Content == "" {
		return
	}
	entry := &common.CachedResponse{
		CacheKey:     key,
		FunctionName: req.FunctionName,
		Content:      result.Content,
		Model:        null.NewString(result.Metadata.Model, result.Metadata.Model != ""),
		TokenCount:   null.NewInt(int64(result.Metadata.TokenCount), result.Metadata.TokenCount > 0),
		StreamID:     result.Metadata.StreamID,
	}
	if err := s.repo.Save(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("failed to cache response", zap.String("cache_key", key), zap.Error(err))
	}
}

// Fallback returns the cached answer for key, or UnavailableMessage.
func (s *Service) Fallback(ctx context.Context, key string) *Answer {
	if s.repo != nil {
		cached, err := s.repo.FindByKey(context.WithoutCancel(ctx), key)
		if err != nil {
			s.logger.Warn("failed to read cache", zap.String("cache_key", key), zap.Error(err))
		}
		if cached != nil {
			return &Answer{Content: cached.Content, Fallback: true, Cached: true}
		}
	}
	return &Answer{Content: UnavailableMessage, Fallback: true}
}

// ListCached returns recently cached answers.
func (s *Service) ListCached(ctx context.Context, functionName string, limit int) ([]common.CachedResponse, error) {
	if s.repo == nil {
		return nil, errors.New("response cache is not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.List(ctx, functionName, limit)
}
