package generate

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"llmstream/internal/stream"
	"llmstream/middleware"
)

// Handler handles HTTP requests for generations
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler
func NewHandler(service *Service) *Handler {
	return &Handler{svc: service}
}

// RegisterRoutes registers the handler routes
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	v1 := api.Group("/v1")
	{
		v1.POST("/generate", h.Generate)
		v1.GET("/responses", h.ListCached)
	}
}

// Generate handles POST /v1/generate. The answer is streamed as
// server-sent events unless ?stream=false is given.
func (h *Handler) Generate(c *gin.Context) {
	send := c.MustGet("send").(func(middleware.Response))

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		send(middleware.Response{
			Code:    http.StatusBadRequest,
			Message: "Invalid JSON payload",
			Error:   err,
		})
		return
	}

	if c.DefaultQuery("stream", "true") == "false" {
		answer, err := h.svc.Generate(c.Request.Context(), &req)
		if err != nil {
			send(middleware.Response{
				Code:    499,
				Message: "Request cancelled",
				Error:   err,
			})
			return
		}
		message := "Generation completed"
		if answer.Fallback {
			message = "Served fallback answer"
		}
		send(middleware.Response{Data: answer, Message: message})
		return
	}

	sendStream := c.MustGet("sendStream").(func(middleware.StreamResponse))
	sendStream(h.svc.Stream(c.Request.Context(), &req))
}

// ListCached handles GET /v1/responses.
func (h *Handler) ListCached(c *gin.Context) {
	send := c.MustGet("send").(func(middleware.Response))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	out, err := h.svc.ListCached(c.Request.Context(), c.Query("function"), limit)
	if err != nil {
		send(middleware.Response{
			Code:    http.StatusInternalServerError,
			Message: "Failed to list cached responses",
			Error:   err,
		})
		return
	}
	send(middleware.Response{Data: out})
}

// Interface compliance check.
var _ Generator = (*stream.Manager)(nil)
