package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new dispute handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up dispute routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts/:id/disputes", h.Initiate)
	r.GET("/disputes", h.ListOpen)
	r.GET("/disputes/:id", h.GetCase)
	r.POST("/disputes/:id/assign", h.Assign)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Initiate handles POST /v1/contracts/:id/disputes
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	kase, err := h.coordinator.Initiate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": kase})
}

// GetCase handles GET /v1/disputes/:id
func (h *Handler) GetCase(c *gin.Context) {
	kase, err := h.coordinator.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": kase})
}

// ListOpen handles GET /v1/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cases, err := h.coordinator.ListOpenCases(c.Request.Context(), limit)
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cases": cases,
		"count": len(cases),
	})
}

// Assign handles POST /v1/disputes/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	kase, err := h.coordinator.Assign(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": kase})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	kase, err := h.coordinator.AddEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": kase})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: type and decidedBy are required",
		})
		return
	}

	kase, err := h.coordinator.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": kase})
}

func writeCaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute case not found",
		})
	case errors.Is(err, ErrNoMediatorAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no_mediator_available",
			"message": "No mediator is currently available; the case stays queued",
		})
	default:
		contract.WriteError(c, err)
	}
}
