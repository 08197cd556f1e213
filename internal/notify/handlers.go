package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mensahq/landbridge/internal/idgen"
)

// Handler provides HTTP endpoints for webhook subscription management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new subscription handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up subscription routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:partyId/webhooks", h.CreateSubscription)
	r.GET("/parties/:partyId/webhooks", h.ListSubscriptions)
	r.DELETE("/parties/:partyId/webhooks/:webhookId", h.DeleteSubscription)
}

// CreateSubscriptionRequest for creating a webhook subscription
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /parties/:partyId/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	partyID := c.Param("partyId")

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := idgen.Hex(32)

	sub := &Subscription{
		ID:        idgen.WithPrefix("whs_"),
		PartyID:   partyID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-LandBridge-Signature",
		},
	})
}

// ListSubscriptions handles GET /parties/:partyId/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	partyID := c.Param("partyId")

	subs, err := h.store.GetByParty(c.Request.Context(), partyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook subscriptions",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteSubscription handles DELETE /parties/:partyId/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook subscription deleted",
	})
}
