package callbacks

import (
	"github.com/gin-gonic/gin"

	"llmstream/middleware"
)

// Handler serves the client callback feed.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler
func NewHandler(service *Service) *Handler {
	return &Handler{svc: service}
}

// RegisterRoutes registers the handler routes
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.Group("/v1").GET("/callbacks", h.Watch)
}

// Watch handles GET /v1/callbacks[?stream_id=...].
func (h *Handler) Watch(c *gin.Context) {
	sendStream := c.MustGet("sendStream").(func(middleware.StreamResponse))

	sendStream(middleware.StreamResponse{
		Events: h.svc.Watch(c.Request.Context(), c.Query("stream_id")),
	})
}
