package contract

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agroclear/agroclear/internal/payments"
	"github.com/agroclear/agroclear/internal/validation"
)

// Handler provides HTTP endpoints for contract lifecycle operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new contract handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up contract routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/parties/:id/contracts", h.ListContracts)
	r.POST("/contracts/:id/fund", h.FundContract)
	r.POST("/contracts/:id/cancel", h.CancelContract)
	r.GET("/stats", h.GetStats)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyer.id", req.Buyer.ID),
		validation.Required("seller.id", req.Seller.ID),
		validation.ValidPhone("buyer.phone", req.Buyer.Phone),
		validation.ValidPhone("seller.phone", req.Seller.Phone),
		validation.ValidAmount("totalAmount", req.TotalAmount),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("productDescription", req.ProductDescription, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	contract, err := h.manager.CreateContract(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.manager.GetContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListContracts handles GET /v1/parties/:id/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	contracts, err := h.manager.ListContractsByParty(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

// FundContract handles POST /v1/contracts/:id/fund
func (h *Handler) FundContract(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: idempotencyKey is required",
		})
		return
	}

	contract, err := h.manager.FundContract(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	contract, err := h.manager.CancelContract(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		// A failed refund parks the contract; report the pending state.
		if contract != nil && contract.Status == StatusCancellationPending {
			c.JSON(http.StatusAccepted, gin.H{
				"contract": contract,
				"message":  "Refund could not be completed; cancellation will be retried automatically",
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.manager.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// writeError maps domain errors onto HTTP responses. Shared by the
// milestone and dispute handlers.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Contract was modified concurrently; reload and retry",
		})
	case payments.IsRetryable(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "payment_unavailable",
			"message": "Payment provider is temporarily unavailable; retry with the same idempotency key",
		})
	default:
		var perr *payments.ProviderError
		if errors.As(err, &perr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "payment_rejected",
				"message": perr.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

// WriteError exposes the domain error mapping to sibling handler packages.
func WriteError(c *gin.Context, err error) { writeError(c, err) }
