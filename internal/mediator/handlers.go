package mediator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agroclear/agroclear/internal/idgen"
	"github.com/agroclear/agroclear/internal/validation"
)

// Handler provides HTTP endpoints for the mediator roster.
type Handler struct {
	directory Directory
}

// NewHandler creates a new mediator handler.
func NewHandler(directory Directory) *Handler {
	return &Handler{directory: directory}
}

// RegisterRoutes sets up mediator routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mediators", h.Upsert)
	r.GET("/mediators/:id", h.Get)
	r.GET("/mediators", h.ListAvailable)
}

// UpsertRequest registers or updates a mediator profile.
type UpsertRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name" binding:"required"`
	Specializations []string `json:"specializations"`
	Availability    string   `json:"availability"`
}

// Upsert handles POST /v1/mediators
func (h *Handler) Upsert(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("name", req.Name, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	now := time.Now()
	p := &Profile{
		ID:              req.ID,
		Name:            req.Name,
		Specializations: req.Specializations,
		Availability:    Available,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Availability != "" {
		p.Availability = Availability(req.Availability)
	}

	created := p.ID == ""
	if created {
		p.ID = idgen.WithPrefix("med_")
	} else if existing, err := h.directory.Get(c.Request.Context(), p.ID); err == nil {
		// Case counters survive profile edits.
		p.ActiveCases = existing.ActiveCases
		p.ResolvedCases = existing.ResolvedCases
		p.CreatedAt = existing.CreatedAt
	} else {
		created = true
	}

	if err := h.directory.Upsert(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save mediator",
		})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, p)
}

// Get handles GET /v1/mediators/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.directory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Mediator not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load mediator",
		})
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListAvailable handles GET /v1/mediators?category=quality
func (h *Handler) ListAvailable(c *gin.Context) {
	category := c.Query("category")
	mediators, err := h.directory.ListAvailable(c.Request.Context(), category, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list mediators",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mediators": mediators,
		"count":     len(mediators),
	})
}
