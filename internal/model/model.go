package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageStatus tells callers whether a message is durably stored in the remote store.
type MessageStatus string

const (
	// MessageStatusPending marks a message that only exists locally or whose remote write
	// has not succeeded yet.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusConfirmed marks a message persisted by the remote store.
	MessageStatusConfirmed MessageStatus = "confirmed"
)

// Conversation is a chat thread. OwnerUserID is nil until the thread is first synced.
type Conversation struct {
	ID             uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	OwnerUserID    *string   `json:"ownerUserId"    gorm:"index"`
	Title          string    `json:"title"          gorm:"not null"`
	IsPublic       bool      `json:"isPublic"       gorm:"not null"`
	IsBranch       bool      `json:"isBranch"       gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
	UpdatedAt      time.Time `json:"updatedAt"      gorm:"not null"`
	LastActivityAt time.Time `json:"lastActivityAt" gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// IsOwnedBy reports whether userID owns the conversation. An empty userID never owns anything.
func (c *Conversation) IsOwnedBy(userID string) bool {
	return userID != "" && c.OwnerUserID != nil && *c.OwnerUserID == userID
}

// Source is a single citation attached to an assistant message.
type Source struct {
	URL     string  `json:"url"`
	Title   string  `json:"title,omitempty"`
	Snippet *string `json:"snippet,omitempty"`
}

// Message belongs to exactly one conversation.
type Message struct {
	ID             uuid.UUID     `json:"id"                  gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID     `json:"conversationId"      gorm:"not null;type:uuid;index"`
	Role           Role          `json:"role"                gorm:"not null"`
	Content        string        `json:"content"             gorm:"not null"`
	Reasoning      *string       `json:"reasoning,omitempty"`
	Sources        []Source      `json:"sources,omitempty"   gorm:"type:jsonb;serializer:json"`
	CreatedAt      time.Time     `json:"createdAt"           gorm:"not null"`
	Status         MessageStatus `json:"status"              gorm:"-"`
}

func (Message) TableName() string { return "messages" }

// SameContent reports whether two messages carry equivalent primary content. Auxiliary data
// (reasoning, sources) is not part of the comparison since it may be attached later.
func (m *Message) SameContent(other *Message) bool {
	return m.ConversationID == other.ConversationID &&
		m.Role == other.Role &&
		m.Content == other.Content
}

// MessageAux is auxiliary content that can be attached to a message after it is created.
type MessageAux struct {
	Reasoning *string  `json:"reasoning,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
}

// Empty reports whether the update carries nothing to apply.
func (a MessageAux) Empty() bool {
	return a.Reasoning == nil && len(a.Sources) == 0
}

// AccessGrant is an explicit per-user permission on a conversation.
type AccessGrant struct {
	ConversationID uuid.UUID `json:"conversationId" gorm:"primaryKey;type:uuid"`
	GranteeUserID  string    `json:"granteeUserId"  gorm:"primaryKey"`
	CanWrite       bool      `json:"canWrite"       gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
}

func (AccessGrant) TableName() string { return "access_grants" }

// MigrationState records whether a device-local store has been migrated, and against which
// snapshot.
type MigrationState struct {
	Migrated   bool       `json:"migrated"`
	Token      string     `json:"token,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	MigratedAt *time.Time `json:"migratedAt,omitempty"`
}

// ProvisionalMapping links a client-generated placeholder id to the permanent id issued by
// the remote store.
type ProvisionalMapping struct {
	ProvisionalID string    `json:"provisionalId"`
	PermanentID   string    `json:"permanentId"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}
