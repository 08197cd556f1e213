package authz

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyActor is the key for storing the resolved actor in gin context
	ContextKeyActor = "actor"
)

// Middleware resolves the X-Actor-ID header into an Actor.
// Sets the actor in context if valid; anonymous requests pass through.
func Middleware(a *Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorID := c.GetHeader("X-Actor-ID"); actorID != "" {
			actor, err := a.Resolve(c.Request.Context(), actorID)
			if err == nil {
				c.Set(ContextKeyActor, actor)
			}
		}
		c.Next()
	}
}

// RequireActor rejects requests without a resolved actor
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActor); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor identity required. Include 'X-Actor-ID' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireCapability rejects requests whose actor lacks the capability
func RequireCapability(cap Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor identity required. Include 'X-Actor-ID' header.",
			})
			return
		}
		if !actor.HasCapability(cap) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Your role does not permit this action.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the resolved actor from context (if any)
func GetActor(c *gin.Context) (*Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return nil, false
	}
	actor, ok := v.(*Actor)
	return actor, ok
}

// ActorID returns the resolved actor's ID, or "" for anonymous requests
func ActorID(c *gin.Context) string {
	if actor, ok := GetActor(c); ok {
		return actor.ID
	}
	return ""
}
