package grants

import (
	"net/http"
	"time"

	"github.com/chirino/threadsync/internal/model"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type grantResponse struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         string    `json:"userId"`
	CanWrite       bool      `json:"canWrite"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toGrantResponse(grant model.AccessGrant) grantResponse {
	return grantResponse{
		ConversationID: grant.ConversationID,
		UserID:         grant.GranteeUserID,
		CanWrite:       grant.CanWrite,
		CreatedAt:      grant.CreatedAt,
	}
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  40,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts grant routes. All of them are owner-only.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	g := r.Group("/v1", deps.Auth)

	g.GET("/conversations/:conversationId/grants", func(c *gin.Context) {
		listGrants(c, deps)
	})
	g.PUT("/conversations/:conversationId/grants/:userId", func(c *gin.Context) {
		putGrant(c, deps)
	})
	g.DELETE("/conversations/:conversationId/grants/:userId", func(c *gin.Context) {
		deleteGrant(c, deps)
	})
	return nil
}

func listGrants(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	grants, err := deps.Access.ListGrants(c.Request.Context(), convID, security.GetUserID(c))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	resp := make([]grantResponse, len(grants))
	for i := range grants {
		resp[i] = toGrantResponse(grants[i])
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func putGrant(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	var req struct {
		CanWrite bool `json:"canWrite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	grant, err := deps.Access.PutGrant(c.Request.Context(), convID, security.GetUserID(c), c.Param("userId"), req.CanWrite)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGrantResponse(*grant))
}

func deleteGrant(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	if err := deps.Access.DeleteGrant(c.Request.Context(), convID, security.GetUserID(c), c.Param("userId")); err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
