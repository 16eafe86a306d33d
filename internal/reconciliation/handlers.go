package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blocki/blocki/internal/apierror"
)

// Handler serves audit reports over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
	r.GET("/reconciliation/last", h.Last)
}

// Run handles GET /v1/reconciliation. It audits on demand.
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.service.Run(c.Request.Context())
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusConflict
	}
	c.JSON(status, rep)
}

// Last handles GET /v1/reconciliation/last
func (h *Handler) Last(c *gin.Context) {
	rep := h.service.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}
