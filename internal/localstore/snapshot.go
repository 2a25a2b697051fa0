package localstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/chirino/threadsync/internal/model"
)

// Snapshot is a consistent copy of everything held by a local store.
type Snapshot struct {
	Conversations []model.Conversation `json:"conversations"`
	Messages      []model.Message      `json:"messages"`
}

// Empty reports whether the snapshot holds no records.
func (s Snapshot) Empty() bool {
	return len(s.Conversations) == 0 && len(s.Messages) == 0
}

// MessagesFor returns the messages of one conversation in snapshot order.
func (s Snapshot) MessagesFor(conversationID string) []model.Message {
	var out []model.Message
	for _, m := range s.Messages {
		if m.ConversationID.String() == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// Token is the SHA-256 of the snapshot's canonical JSON: conversations ordered by id,
// messages by conversation, creation time and id. Two snapshots with the same records
// always produce the same token.
func (s Snapshot) Token() string {
	canon := Snapshot{
		Conversations: append([]model.Conversation{}, s.Conversations...),
		Messages:      append([]model.Message{}, s.Messages...),
	}
	sortSnapshot(&canon)
	for i := range canon.Conversations {
		c := &canon.Conversations[i]
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.LastActivityAt.UTC()
	}
	for i := range canon.Messages {
		canon.Messages[i].CreatedAt = canon.Messages[i].CreatedAt.UTC()
		canon.Messages[i].Status = ""
	}
	data, err := json.Marshal(canon)
	if err != nil {
		// Only plain data types are marshalled here.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Conversations, func(i, j int) bool {
		return bytes.Compare(s.Conversations[i].ID[:], s.Conversations[j].ID[:]) < 0
	})
	sort.Slice(s.Messages, func(i, j int) bool {
		a, b := s.Messages[i], s.Messages[j]
		if a.ConversationID != b.ConversationID {
			return bytes.Compare(a.ConversationID[:], b.ConversationID[:]) < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

func cloneMessage(m model.Message) model.Message {
	if m.Reasoning != nil {
		r := *m.Reasoning
		m.Reasoning = &r
	}
	if m.Sources != nil {
		sources := make([]model.Source, len(m.Sources))
		for i, src := range m.Sources {
			if src.Snippet != nil {
				snippet := *src.Snippet
				src.Snippet = &snippet
			}
			sources[i] = src
		}
		m.Sources = sources
	}
	return m
}

func cloneConversation(c model.Conversation) model.Conversation {
	if c.OwnerUserID != nil {
		owner := *c.OwnerUserID
		c.OwnerUserID = &owner
	}
	return c
}
