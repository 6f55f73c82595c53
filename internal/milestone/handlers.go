package milestone

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/validation"
)

// Handler provides HTTP endpoints for milestone operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new milestone handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up milestone routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts/:id/milestones/:milestoneId/evidence", h.SubmitEvidence)
	r.POST("/contracts/:id/milestones/:milestoneId/approve", h.Approve)
	r.POST("/contracts/:id/milestones/:milestoneId/reject", h.Reject)
}

// SubmitEvidence handles POST /v1/contracts/:id/milestones/:milestoneId/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("type", req.Type),
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
		validation.MaxLength("description", req.Description, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.engine.SubmitEvidence(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req)
	if err != nil {
		contract.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": result})
}

type approveRequest struct {
	ApprovedBy string `json:"approvedBy" binding:"required"`
}

// Approve handles POST /v1/contracts/:id/milestones/:milestoneId/approve
func (h *Handler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: approvedBy is required",
		})
		return
	}

	result, err := h.engine.Approve(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.ApprovedBy)
	if err != nil {
		// Payment trouble after approval still merits a body with the
		// contract so the caller can see the approved-but-unreleased state.
		contract.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": result})
}

type rejectRequest struct {
	RejectedBy string `json:"rejectedBy" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// Reject handles POST /v1/contracts/:id/milestones/:milestoneId/reject
func (h *Handler) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: rejectedBy and reason are required",
		})
		return
	}

	result, err := h.engine.Reject(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.RejectedBy, req.Reason)
	if err != nil {
		contract.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": result})
}
