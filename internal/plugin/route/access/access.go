// Package access serves access decisions and the owner-only visibility toggle.
package access

import (
	"net/http"

	registryroute "github.com/chirino/threadsync/internal/registry/route"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  30,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the access and visibility routes.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	r.GET("/v1/conversations/:conversationId/access", deps.OptionalAuth, func(c *gin.Context) {
		getAccess(c, deps)
	})
	r.PUT("/v1/conversations/:conversationId/visibility", deps.Auth, func(c *gin.Context) {
		setVisibility(c, deps)
	})
	return nil
}

func getAccess(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	decision, err := deps.Access.Resolve(c.Request.Context(), convID, security.GetUserID(c))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": convID,
		"canRead":        decision.CanRead,
		"canWrite":       decision.CanWrite,
		"isOwner":        decision.IsOwner,
	})
}

func setVisibility(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	var req struct {
		IsPublic *bool `json:"isPublic" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	conv, err := deps.Access.SetVisibility(c.Request.Context(), convID, security.GetUserID(c), *req.IsPublic)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, registrystore.ConversationState{
		ID:          conv.ID,
		OwnerUserID: conv.OwnerUserID,
		IsPublic:    conv.IsPublic,
		UpdatedAt:   conv.UpdatedAt,
	})
}
