package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmstream/internal/stream"
	"llmstream/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{svc: service}
}

func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	health := api.Group("/health")
	{
		health.GET("", h.HealthCheck)
		health.GET("/stream", h.HealthCheckStream)
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	send := c.MustGet("send").(func(middleware.Response))

	report := h.svc.CheckHealth(c.Request.Context())
	if report.Database != "ok" {
		send(middleware.Response{
			Code:    http.StatusServiceUnavailable,
			Message: "Health check failed",
			Data:    report,
		})
		return
	}

	message := "Health check completed"
	if report.Status == stream.StatusOverloaded {
		message = "Stream pool overloaded"
	}
	send(middleware.Response{
		Code:    http.StatusOK,
		Message: message,
		Data:    report,
	})
}

func (h *Handler) HealthCheckStream(c *gin.Context) {
	sendStream := c.MustGet("sendStream").(func(middleware.StreamResponse))

	sendStream(middleware.StreamResponse{
		Events: h.svc.CheckHealthStream(c.Request.Context()),
	})
}
