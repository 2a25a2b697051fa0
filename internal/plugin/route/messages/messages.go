// Package messages serves remote message history, message creation with provisional ids,
// and late-arriving auxiliary content (reasoning, sources).
package messages

import (
	"context"
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

const (
	defaultLimit = 50
	maxLimit     = 200
)

type messageResponse struct {
	model.Message
	ProvisionalID string `json:"provisionalId,omitempty"`
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  60,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// ApplyAux returns the reconciler apply function that writes aux content to store.
func ApplyAux(store registrystore.RemoteStore) reconcile.ApplyFunc {
	return func(ctx context.Context, permanentID string, u reconcile.Update) error {
		id, err := uuid.Parse(permanentID)
		if err != nil {
			return &registrystore.NotFoundError{Resource: "message", ID: permanentID}
		}
		_, err = store.UpdateMessageAux(ctx, u.ConversationID, id, u.Aux)
		return err
	}
}

// MountRoutes mounts message routes.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	r.GET("/v1/conversations/:conversationId/messages", deps.OptionalAuth, func(c *gin.Context) {
		listMessages(c, deps)
	})
	r.POST("/v1/conversations/:conversationId/messages", deps.Auth, func(c *gin.Context) {
		createMessage(c, deps)
	})
	r.PUT("/v1/conversations/:conversationId/messages/:messageId/aux", deps.Auth, func(c *gin.Context) {
		updateAux(c, deps)
	})
	return nil
}

func confirmed(msgs []model.Message) []model.Message {
	for i := range msgs {
		msgs[i].Status = model.MessageStatusConfirmed
	}
	return msgs
}

func listMessages(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := deps.Access.Resolve(ctx, convID, security.GetUserID(c)); err != nil {
		registryroute.WriteError(c, err)
		return
	}

	var after *uuid.UUID
	if raw := c.Query("afterMessageId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "afterMessageId must be a UUID"})
			return
		}
		after = &id
	}
	limit := registryroute.QueryInt(c, "limit", defaultLimit)
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	msgs, err := deps.Store.ListMessages(ctx, convID, after, limit)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	var next *string
	if len(msgs) == limit {
		last := msgs[len(msgs)-1].ID.String()
		next = &last
	}
	c.JSON(http.StatusOK, gin.H{"data": confirmed(msgs), "afterMessageId": next})
}

type auxRequest struct {
	Provider  string         `json:"provider"`
	Reasoning *string        `json:"reasoning"`
	Sources   []model.Source `json:"sources"`
}

func (req auxRequest) aux() model.MessageAux {
	return model.MessageAux{Reasoning: req.Reasoning, Sources: req.Sources}
}

// validateAux checks the provider can produce what the request carries.
func validateAux(deps *registryroute.Deps, req auxRequest) error {
	aux := req.aux()
	if aux.Empty() {
		return nil
	}
	for _, src := range aux.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return &registrystore.ValidationError{Field: "sources", Message: "every source needs a url"}
		}
	}
	if err := deps.Providers.CheckAux(req.Provider, aux.Reasoning != nil, len(aux.Sources) > 0); err != nil {
		return &registrystore.ValidationError{Field: "provider", Message: err.Error()}
	}
	return nil
}

func createMessage(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	var req struct {
		auxRequest
		ProvisionalID string     `json:"provisionalId"`
		Role          model.Role `json:"role"    binding:"required"`
		Content       string     `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "role must be user or assistant"})
		return
	}
	if err := validateAux(deps, req.auxRequest); err != nil {
		registryroute.WriteError(c, err)
		return
	}

	if req.ProvisionalID != "" {
		if err := registryroute.CheckProvisionalID(req.ProvisionalID); err != nil {
			registryroute.WriteError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	userID := security.GetUserID(c)
	if _, _, err := deps.Access.Check(ctx, convID, userID, access.PermissionWrite); err != nil {
		registryroute.WriteError(c, err)
		return
	}

	provisional := deps.Reconciler != nil && req.ProvisionalID != ""
	key := registryroute.MessageKey(userID, convID, req.ProvisionalID)
	if provisional {
		if perm := deps.Reconciler.Lookup(key); perm != key {
			registryroute.WriteError(c, provisionalTaken(req.ProvisionalID, perm))
			return
		}
		deps.Reconciler.RegisterProvisional(key)
	}
	msg := &model.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Role:           req.Role,
		Content:        req.Content,
		Reasoning:      req.Reasoning,
		Sources:        req.Sources,
	}
	stored, _, err := deps.Store.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		if provisional {
			deps.Reconciler.Abandon(key)
		}
		var transient *registrystore.TransientError
		if errors.As(err, &transient) {
			log.Warn("Message not persisted", "conversation", convID, "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":          "unavailable",
				"status":        model.MessageStatusPending,
				"provisionalId": req.ProvisionalID,
				"error":         "message not persisted; retry later",
			})
			return
		}
		registryroute.WriteError(c, err)
		return
	}
	if provisional {
		if err := deps.Reconciler.Resolve(ctx, key, stored.ID.String()); err != nil {
			if errors.Is(err, reconcile.ErrAlreadyResolved) {
				registryroute.WriteError(c, provisionalTaken(req.ProvisionalID, deps.Reconciler.Lookup(key)))
				return
			}
			log.Warn("Queued updates failed after message create", "provisionalId", req.ProvisionalID, "err", err)
		}
		if refreshed, err := deps.Store.GetMessage(ctx, convID, stored.ID); err == nil {
			stored = refreshed
		}
	}
	stored.Status = model.MessageStatusConfirmed
	c.JSON(http.StatusCreated, messageResponse{Message: *stored, ProvisionalID: req.ProvisionalID})
}

func updateAux(c *gin.Context, deps *registryroute.Deps) {
	convID, ok := registryroute.ConversationID(c, deps)
	if !ok {
		return
	}
	var req auxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	if req.aux().Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "reasoning or sources required"})
		return
	}
	if err := validateAux(deps, req); err != nil {
		registryroute.WriteError(c, err)
		return
	}

	ctx := c.Request.Context()
	userID := security.GetUserID(c)
	if _, _, err := deps.Access.Check(ctx, convID, userID, access.PermissionOwner); err != nil {
		registryroute.WriteError(c, err)
		return
	}

	messageID := c.Param("messageId")
	target := messageID
	if _, err := uuid.Parse(messageID); err != nil {
		if deps.Reconciler == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
			return
		}
		target = registryroute.MessageKey(userID, convID, messageID)
		if !deps.Reconciler.Pending(target) && deps.Reconciler.Lookup(target) == target {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
			return
		}
	}

	update := reconcile.Update{ConversationID: convID, Aux: req.aux()}
	var outcome reconcile.Outcome
	var err error
	if deps.Reconciler != nil {
		outcome, err = deps.Reconciler.Submit(ctx, target, update)
	} else {
		err = ApplyAux(deps.Store)(ctx, target, update)
	}
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	if outcome == reconcile.Queued {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "provisionalId": messageID})
		return
	}

	if deps.Reconciler != nil {
		target = deps.Reconciler.Lookup(target)
	}
	id, _ := uuid.Parse(target)
	msg, err := deps.Store.GetMessage(ctx, convID, id)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	msg.Status = model.MessageStatusConfirmed
	c.JSON(http.StatusOK, msg)
}

func provisionalTaken(provisionalID, permanentID string) error {
	return &registrystore.ConflictError{Message: "provisional id already resolved", Code: "provisional_conflict",
		Details: map[string]interface{}{"provisionalId": provisionalID, "id": permanentID}}
}
