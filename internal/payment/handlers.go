package payment

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mensahq/landbridge/internal/escrow"
	"github.com/mensahq/landbridge/internal/metrics"
)

// Handler provides HTTP endpoints for payments and the gateway callback.
type Handler struct {
	service        *Service
	callbackSecret string
}

// NewHandler creates a new payment handler. The callback secret guards the
// gateway webhook; an empty secret disables the check (local development).
func NewHandler(service *Service, callbackSecret string) *Handler {
	return &Handler{service: service, callbackSecret: callbackSecret}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Initiate)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/transactions/:id/payments", h.ListByTransaction)
}

// RegisterCallbackRoute sets up the gateway webhook endpoint. Registered
// outside the authenticated group: the gateway identifies itself with the
// shared secret, not an actor header.
func (h *Handler) RegisterCallbackRoute(r *gin.RouterGroup) {
	r.POST("/payments/callback", h.Callback)
}

// RegisterAdminRoutes sets up operator alert routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.POST("/alerts/:id/resolve", h.ResolveAlert)
}

// Initiate handles POST /v1/payments
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	p, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListByTransaction handles GET /v1/transactions/:id/payments
func (h *Handler) ListByTransaction(c *gin.Context) {
	payments, err := h.service.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// Callback handles POST /v1/payments/callback from the gateway.
// Duplicate deliveries for terminal payments are acknowledged 200 so the
// gateway stops retrying.
func (h *Handler) Callback(c *gin.Context) {
	if h.callbackSecret != "" {
		got := c.GetHeader("verif-hash")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackSecret)) != 1 {
			metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid callback signature",
			})
			return
		}
	}

	var payload CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	p, err := h.service.Reconcile(c.Request.Context(), payload)
	if errors.Is(err, ErrDuplicateDelivery) {
		c.JSON(http.StatusOK, gin.H{
			"payment": p,
			"note":    "duplicate delivery ignored",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListAlerts handles GET /v1/alerts?all=true
func (h *Handler) ListAlerts(c *gin.Context) {
	includeResolved := c.Query("all") == "true"
	alerts, err := h.service.Alerts(c.Request.Context(), includeResolved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ResolveAlert handles POST /v1/alerts/:id/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	a, err := h.service.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrAlertNotFound),
		errors.Is(err, escrow.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnknownProviderStatus),
		errors.Is(err, ErrValidation):
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
