package conversations

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/access"
	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/reconcile"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type conversationResponse struct {
	model.Conversation
	ProvisionalID string          `json:"provisionalId,omitempty"`
	Access        access.Decision `json:"access"`
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  50,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts conversation routes.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	r.POST("/v1/conversations", deps.Auth, func(c *gin.Context) {
		createConversation(c, deps)
	})
	r.GET("/v1/conversations/:conversationId", deps.OptionalAuth, func(c *gin.Context) {
		getConversation(c, deps)
	})
	r.PATCH("/v1/conversations/:conversationId", deps.Auth, func(c *gin.Context) {
		updateConversation(c, deps)
	})
	r.DELETE("/v1/conversations/:conversationId", deps.Auth, func(c *gin.Context) {
		deleteConversation(c, deps)
	})
	return nil
}

func createConversation(c *gin.Context, deps *registryroute.Deps) {
	userID := security.GetUserID(c)
	var req struct {
		ID            *uuid.UUID `json:"id"`
		ProvisionalID string     `json:"provisionalId"`
		Title         string     `json:"title"`
		IsPublic      bool       `json:"isPublic"`
		IsBranch      bool       `json:"isBranch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	conv := model.Conversation{
		ID:          uuid.New(),
		OwnerUserID: &userID,
		Title:       strings.TrimSpace(req.Title),
		IsPublic:    req.IsPublic,
		IsBranch:    req.IsBranch,
	}
	if req.ID != nil {
		conv.ID = *req.ID
	}

	ctx := c.Request.Context()
	provisional := deps.Reconciler != nil && req.ProvisionalID != ""
	var key string
	if provisional {
		if err := registryroute.CheckProvisionalID(req.ProvisionalID); err != nil {
			registryroute.WriteError(c, err)
			return
		}
		key = registryroute.ConversationKey(userID, req.ProvisionalID)
		if perm := deps.Reconciler.Lookup(key); perm != key {
			registryroute.WriteError(c, provisionalTaken(req.ProvisionalID, perm))
			return
		}
		deps.Reconciler.RegisterProvisional(key)
	}
	stored, created, err := deps.Store.UpsertConversationIfAbsent(ctx, &conv)
	if err == nil && !created {
		err = &registrystore.ConflictError{Message: "conversation already exists", Code: "conflict", Details: map[string]interface{}{"id": conv.ID.String()}}
	}
	if err != nil {
		if provisional {
			deps.Reconciler.Abandon(key)
		}
		registryroute.WriteError(c, err)
		return
	}
	if provisional {
		if err := deps.Reconciler.Resolve(ctx, key, stored.ID.String()); errors.Is(err, reconcile.ErrAlreadyResolved) {
			log.Warn("Provisional conversation id already resolved", "provisionalId", req.ProvisionalID, "id", stored.ID, "err", err)
			registryroute.WriteError(c, provisionalTaken(req.ProvisionalID, deps.Reconciler.Lookup(key)))
			return
		}
	}
	c.JSON(http.StatusCreated, conversationResponse{
		Conversation:  *stored,
		ProvisionalID: req.ProvisionalID,
		Access:        access.Decision{CanRead: true, CanWrite: true, IsOwner: true},
	})
}

func provisionalTaken(provisionalID, permanentID string) error {
	return &registrystore.ConflictError{
		Message: "provisional id already resolved",
		Code:    "provisional_conflict",
		Details: map[string]interface{}{"provisionalId": provisionalID, "id": permanentID},
	}
}

func getConversation(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	snapshot, decision, err := deps.Access.Check(c.Request.Context(), convID, security.GetUserID(c), access.PermissionRead)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationResponse{Conversation: snapshot.Conversation, Access: decision})
}

func updateConversation(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	var req struct {
		Title *string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	userID := security.GetUserID(c)
	conv, err := deps.Access.UpdateTitle(c.Request.Context(), convID, userID, strings.TrimSpace(*req.Title))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	decision, err := deps.Access.Resolve(c.Request.Context(), convID, userID)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationResponse{Conversation: *conv, Access: decision})
}

func deleteConversation(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	if err := deps.Access.DeleteConversation(c.Request.Context(), convID, security.GetUserID(c)); err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
