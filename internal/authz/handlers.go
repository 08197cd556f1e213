package authz

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mensahq/landbridge/internal/idgen"
)

// Handler provides HTTP endpoints for actor management.
type Handler struct {
	store       Store
	adminSecret string
}

// NewHandler creates an actor management handler. The admin secret lets an
// operator bootstrap the first admin actor before any actor with the
// manage capability exists.
func NewHandler(store Store, adminSecret string) *Handler {
	return &Handler{store: store, adminSecret: adminSecret}
}

// RegisterAdminRoutes sets up actor management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/actors", h.CreateActor)
	r.GET("/actors", h.ListActors)
	r.POST("/actors/:id/suspend", h.SuspendActor)
	r.POST("/actors/:id/reinstate", h.ReinstateActor)
}

// authorized reports whether the caller may manage actors: either a
// resolved actor with the capability, or the operator bootstrap secret.
func (h *Handler) authorized(c *gin.Context) bool {
	if actor, ok := GetActor(c); ok && actor.HasCapability(CapManageActors) {
		return true
	}
	if h.adminSecret == "" {
		return false
	}
	got := c.GetHeader("X-Admin-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) == 1
}

// CreateActor handles POST /v1/admin/actors
func (h *Handler) CreateActor(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "actor management requires the manage capability",
		})
		return
	}

	var req struct {
		Name string `json:"name" binding:"required"`
		Role Role   `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if _, ok := roleCaps[req.Role]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown role",
		})
		return
	}

	actor := &Actor{
		ID:        idgen.WithPrefix("usr_"),
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), actor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"actor": actor})
}

// ListActors handles GET /v1/admin/actors
func (h *Handler) ListActors(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "actor management requires the manage capability",
		})
		return
	}

	actors, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"actors": actors,
		"count":  len(actors),
	})
}

// SuspendActor handles POST /v1/admin/actors/:id/suspend
func (h *Handler) SuspendActor(c *gin.Context) {
	h.setSuspended(c, true)
}

// ReinstateActor handles POST /v1/admin/actors/:id/reinstate
func (h *Handler) ReinstateActor(c *gin.Context) {
	h.setSuspended(c, false)
}

func (h *Handler) setSuspended(c *gin.Context, suspended bool) {
	if !h.authorized(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "actor management requires the manage capability",
		})
		return
	}

	actor, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrUnknownActor) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	actor.Suspended = suspended
	if err := h.store.Update(c.Request.Context(), actor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}
