package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction, milestone, and dispute routes.
// All routes assume the authz middleware has resolved the caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.POST("/transactions/:id/transition", h.Transition)
	r.GET("/transactions/:id/release-status", h.ReleaseStatus)

	r.GET("/transactions/:id/milestones", h.ListMilestones)
	r.POST("/milestones/:id/approve", h.ApproveMilestone)

	r.POST("/transactions/:id/disputes", h.OpenDispute)
	r.GET("/transactions/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes sets up routes that require administrative or
// mediator capabilities (checked per operation in the service).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/milestones/:id/admin-approve", h.AdminApproveMilestone)
	r.POST("/transactions/:id/reject-release", h.RejectRelease)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/mediate", h.MediateDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)
}

// caller returns the resolved actor, or nil for anonymous requests.
// The service treats nil as unauthorized on every protected operation.
func caller(c *gin.Context) *authz.Actor {
	actor, ok := authz.GetActor(c)
	if !ok {
		return nil
	}
	return actor
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.service.CreateFromOffer(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/transactions?party=usr_...
func (h *Handler) ListTransactions(c *gin.Context) {
	party := c.Query("party")
	if party == "" {
		party = authz.ActorID(c)
	}
	if party == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "party query parameter or X-Actor-ID header required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err == nil {
			limit = pagination.ClampLimit(parsed, 50, 200)
		}
	}

	txs, next, err := h.service.ListByParty(c.Request.Context(), party, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Transition handles POST /v1/transactions/:id/transition
func (h *Handler) Transition(c *gin.Context) {
	var req struct {
		Target Status `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.service.Transition(c.Request.Context(), c.Param("id"), req.Target, caller(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ReleaseStatus handles GET /v1/transactions/:id/release-status
func (h *Handler) ReleaseStatus(c *gin.Context) {
	status, err := h.service.CanRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"release_status": status})
}

// ListMilestones handles GET /v1/transactions/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	milestones, err := h.service.Milestones(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// ApproveMilestone handles POST /v1/milestones/:id/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	result, err := h.service.Approve(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AdminApproveMilestone handles POST /v1/milestones/:id/admin-approve
func (h *Handler) AdminApproveMilestone(c *gin.Context) {
	m, err := h.service.ApproveMilestoneAsAdmin(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// RejectRelease handles POST /v1/transactions/:id/reject-release
func (h *Handler) RejectRelease(c *gin.Context) {
	var req struct {
		Notes string `json:"notes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	dispute, err := h.service.RejectRelease(c.Request.Context(), c.Param("id"), caller(c), req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// OpenDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// ListDisputes handles GET /v1/transactions/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.Disputes(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ReviewDispute handles POST /v1/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	dispute, err := h.service.ReviewDispute(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// MediateDispute handles POST /v1/disputes/:id/mediate
func (h *Handler) MediateDispute(c *gin.Context) {
	dispute, err := h.service.MediateDispute(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	dispute, err := h.service.Resolve(c.Request.Context(), c.Param("id"), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	dispute, err := h.service.CloseDispute(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// respondError maps service errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrMilestoneNotFound),
		errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrOfferAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "offer_already_used",
			"message": err.Error(),
		})
	case errors.Is(err, ErrOpenDisputeExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputeResolved),
		errors.Is(err, ErrTransactionClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_final",
			"message": err.Error(),
		})
	case errors.Is(err, ErrReleaseBlocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "release_blocked",
			"message": err.Error(),
		})
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrMilestoneSum),
		errors.Is(err, ErrSettlementMismatch),
		errors.Is(err, ErrNotAdminMilestone):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
