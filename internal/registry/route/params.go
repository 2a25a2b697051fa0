package route

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/threadsync/internal/reconcile"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultProvisionalWait = 5 * time.Second

func (d *Deps) provisionalWait() time.Duration {
	if d.Config == nil || d.Config.ProvisionalWaitTimeout <= 0 {
		return defaultProvisionalWait
	}
	return d.Config.ProvisionalWaitTimeout
}

// ConversationKey scopes a client's provisional conversation id to the caller.
func ConversationKey(userID, provisionalID string) string {
	return reconcile.Key(userID, "conversation", provisionalID)
}

// MessageKey scopes a client's provisional message id to the caller and conversation.
func MessageKey(userID string, conversationID uuid.UUID, provisionalID string) string {
	return reconcile.Key(userID, "message", conversationID.String(), provisionalID)
}

// CheckProvisionalID rejects provisional ids that could be mistaken for permanent ones.
func CheckProvisionalID(id string) error {
	if strings.TrimSpace(id) != id {
		return &registrystore.ValidationError{Field: "provisionalId", Message: "must not have surrounding whitespace"}
	}
	if _, err := uuid.Parse(id); err == nil {
		return &registrystore.ValidationError{Field: "provisionalId", Message: "must not be a UUID"}
	}
	return nil
}

// ConversationID reads the conversation path parameter. A UUID is taken as is. Anything
// else is the caller's own provisional id: it is translated to its permanent id, waiting a
// bounded time when it is still unresolved. On failure the response has been written and
// ok is false.
func ConversationID(c *gin.Context, deps *Deps) (id uuid.UUID, ok bool) {
	raw := c.Param("conversationId")
	if id, err := uuid.Parse(raw); err == nil {
		return id, true
	}
	notFound := func() (uuid.UUID, bool) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return uuid.Nil, false
	}
	r := deps.Reconciler
	if r == nil {
		return notFound()
	}

	key := ConversationKey(security.GetUserID(c), raw)
	perm := r.Lookup(key)
	if perm == key {
		h, registered := r.Watch(key)
		if !registered {
			return notFound()
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), deps.provisionalWait())
		defer cancel()
		var err error
		perm, err = h.Wait(ctx)
		switch {
		case errors.Is(err, reconcile.ErrAbandoned):
			return notFound()
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "pending", "status": "pending", "error": "conversation id not yet resolved"})
			return uuid.Nil, false
		}
	}
	id, err := uuid.Parse(perm)
	if err != nil {
		return notFound()
	}
	return id, true
}

// QueryInt reads an integer query parameter, falling back to def when absent or malformed.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
