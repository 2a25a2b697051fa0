package metrics

import (
	"context"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a RemoteStore that records StoreLatency for every operation.
func Wrap(inner store.RemoteStore) store.RemoteStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.RemoteStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) UpsertConversationIfAbsent(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	defer observe("upsert_conversation", time.Now())
	return m.inner.UpsertConversationIfAbsent(ctx, conv)
}

func (m *metricsStore) InsertMessageIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	defer observe("insert_message", time.Now())
	return m.inner.InsertMessageIfAbsent(ctx, msg)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) UpdateConversationTitle(ctx context.Context, conversationID uuid.UUID, title string) (*model.Conversation, error) {
	defer observe("update_conversation_title", time.Now())
	return m.inner.UpdateConversationTitle(ctx, conversationID, title)
}

func (m *metricsStore) SetVisibility(ctx context.Context, conversationID uuid.UUID, isPublic bool) (*model.Conversation, error) {
	defer observe("set_visibility", time.Now())
	return m.inner.SetVisibility(ctx, conversationID, isPublic)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, conversationID)
}

func (m *metricsStore) ListGrants(ctx context.Context, conversationID uuid.UUID) ([]model.AccessGrant, error) {
	defer observe("list_grants", time.Now())
	return m.inner.ListGrants(ctx, conversationID)
}

func (m *metricsStore) PutGrant(ctx context.Context, grant model.AccessGrant) (*model.AccessGrant, error) {
	defer observe("put_grant", time.Now())
	return m.inner.PutGrant(ctx, grant)
}

func (m *metricsStore) DeleteGrant(ctx context.Context, conversationID uuid.UUID, granteeUserID string) error {
	defer observe("delete_grant", time.Now())
	return m.inner.DeleteGrant(ctx, conversationID, granteeUserID)
}

func (m *metricsStore) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID uuid.UUID, afterMessageID *uuid.UUID, limit int) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID, afterMessageID, limit)
}

func (m *metricsStore) UpdateMessageAux(ctx context.Context, conversationID, messageID uuid.UUID, aux model.MessageAux) (*model.Message, error) {
	defer observe("update_message_aux", time.Now())
	return m.inner.UpdateMessageAux(ctx, conversationID, messageID, aux)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}

var _ store.RemoteStore = (*metricsStore)(nil)
