// Package local serves the device-local store used before a user signs in.
package local

import (
	"net/http"
	"strings"
	"time"

	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/model"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DeviceHeader identifies the calling device.
const DeviceHeader = "X-Device-ID"

const contextKeyStore = "localStore"

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  10,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the local store routes. No identity is required.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	g := r.Group("/v1/local", deviceStore(deps.Local))

	g.PUT("/conversations/:conversationId", putConversation)
	g.PUT("/conversations/:conversationId/messages/:messageId", putMessage)
	g.GET("/snapshot", getSnapshot)
	g.DELETE("", clearDevice)
	return nil
}

func deviceStore(manager *localstore.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := manager.Open(strings.TrimSpace(c.GetHeader(DeviceHeader)))
		if err != nil {
			registryroute.WriteError(c, err)
			c.Abort()
			return
		}
		c.Set(contextKeyStore, s)
		// Echo the canonical form so clients can persist what the server keys on.
		c.Header(DeviceHeader, s.DeviceID())
		c.Next()
	}
}

func storeFrom(c *gin.Context) *localstore.Store {
	return c.MustGet(contextKeyStore).(*localstore.Store)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": msg})
}

func putConversation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		badRequest(c, "conversation id must be a UUID")
		return
	}
	var req struct {
		Title     string     `json:"title"`
		IsBranch  bool       `json:"isBranch"`
		IsPublic  bool       `json:"isPublic"`
		CreatedAt *time.Time `json:"createdAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	conv := model.Conversation{ID: id, Title: req.Title, IsBranch: req.IsBranch, IsPublic: req.IsPublic}
	if req.CreatedAt != nil {
		conv.CreatedAt = req.CreatedAt.UTC()
	}
	c.JSON(http.StatusOK, storeFrom(c).PutConversation(conv))
}

func putMessage(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		badRequest(c, "conversation id must be a UUID")
		return
	}
	msgID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		badRequest(c, "message id must be a UUID")
		return
	}
	var req struct {
		Role      model.Role     `json:"role"    binding:"required"`
		Content   string         `json:"content" binding:"required"`
		Reasoning *string        `json:"reasoning"`
		Sources   []model.Source `json:"sources"`
		CreatedAt *time.Time     `json:"createdAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Role.Valid() {
		badRequest(c, "role must be user or assistant")
		return
	}
	msg := model.Message{
		ID:             msgID,
		ConversationID: convID,
		Role:           req.Role,
		Content:        req.Content,
		Reasoning:      req.Reasoning,
		Sources:        req.Sources,
	}
	if req.CreatedAt != nil {
		msg.CreatedAt = req.CreatedAt.UTC()
	}
	stored, ok := storeFrom(c).PutMessage(msg)
	if !ok {
		badRequest(c, "conversation does not exist on this device")
		return
	}
	c.JSON(http.StatusOK, stored)
}

func getSnapshot(c *gin.Context) {
	s := storeFrom(c)
	snap := s.GetAll()
	c.JSON(http.StatusOK, gin.H{
		"conversations":  snap.Conversations,
		"messages":       snap.Messages,
		"token":          snap.Token(),
		"migrationState": s.MigrationState(),
		"persistent":     s.Persistent(),
	})
}

func clearDevice(c *gin.Context) {
	storeFrom(c).Clear()
	c.Status(http.StatusNoContent)
}
