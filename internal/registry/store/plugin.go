package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/google/uuid"
)

// ConversationState is the caller-visible sharing state of a conversation.
type ConversationState struct {
	ID          uuid.UUID `json:"id"`
	OwnerUserID *string   `json:"ownerUserId"`
	IsPublic    bool      `json:"isPublic"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RemoteStore is the authoritative, multi-device store. Implementations must make
// UpsertConversationIfAbsent and InsertMessageIfAbsent idempotent under concurrent callers:
// they never overwrite an existing row.
type RemoteStore interface {
	// UpsertConversationIfAbsent inserts conv when no row with its id exists and returns the
	// stored row. created is false when the row already existed; the stored row is returned
	// unchanged so the caller can compare owners.
	UpsertConversationIfAbsent(ctx context.Context, conv *model.Conversation) (stored *model.Conversation, created bool, err error)
	// InsertMessageIfAbsent inserts msg when no row with its id exists. The conversation must
	// exist. inserted is false when a row already existed; the stored row is returned.
	InsertMessageIfAbsent(ctx context.Context, msg *model.Message) (stored *model.Message, inserted bool, err error)

	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID uuid.UUID, title string) (*model.Conversation, error)
	SetVisibility(ctx context.Context, conversationID uuid.UUID, isPublic bool) (*model.Conversation, error)
	// DeleteConversation removes the conversation together with its messages and grants.
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) error

	ListGrants(ctx context.Context, conversationID uuid.UUID) ([]model.AccessGrant, error)
	PutGrant(ctx context.Context, grant model.AccessGrant) (*model.AccessGrant, error)
	DeleteGrant(ctx context.Context, conversationID uuid.UUID, granteeUserID string) error

	GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*model.Message, error)
	// ListMessages returns messages ordered by creation time, oldest first.
	ListMessages(ctx context.Context, conversationID uuid.UUID, afterMessageID *uuid.UUID, limit int) ([]model.Message, error)
	// UpdateMessageAux merges reasoning and sources into an existing message. Nil fields are
	// left untouched.
	UpdateMessageAux(ctx context.Context, conversationID, messageID uuid.UUID, aux model.MessageAux) (*model.Message, error)

	Close() error
}

// Loader creates a RemoteStore from config.
type Loader func(ctx context.Context) (RemoteStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
