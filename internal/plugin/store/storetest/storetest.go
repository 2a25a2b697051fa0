// Package storetest holds behaviour tests shared by every RemoteStore plugin.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/model"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) (registrystore.RemoteStore, context.Context)

// Run executes the shared suite against the store produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertConversationIfAbsent", func(t *testing.T) { testUpsertConversation(t, newStore) })
	t.Run("ConcurrentUpsert", func(t *testing.T) { testConcurrentUpsert(t, newStore) })
	t.Run("InsertMessageIfAbsent", func(t *testing.T) { testInsertMessage(t, newStore) })
	t.Run("ListMessages", func(t *testing.T) { testListMessages(t, newStore) })
	t.Run("UpdateMessageAux", func(t *testing.T) { testUpdateMessageAux(t, newStore) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore) })
	t.Run("ConversationUpdates", func(t *testing.T) { testConversationUpdates(t, newStore) })
	t.Run("DeleteConversation", func(t *testing.T) { testDeleteConversation(t, newStore) })
}

func ptr[T any](v T) *T { return &v }

// NewConversation builds a conversation owned by owner with second-precision timestamps.
func NewConversation(owner string) *model.Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	conv := &model.Conversation{
		ID:             uuid.New(),
		Title:          "Trip planning",
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if owner != "" {
		conv.OwnerUserID = ptr(owner)
	}
	return conv
}

// NewMessage builds a user message in conv created offset after the conversation.
func NewMessage(conv *model.Conversation, content string, offset time.Duration) *model.Message {
	return &model.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      conv.CreatedAt.Add(offset),
	}
}

func testUpsertConversation(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv := NewConversation("alice")
	stored, created, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, conv.ID, stored.ID)
	require.NotNil(t, stored.OwnerUserID)
	assert.Equal(t, "alice", *stored.OwnerUserID)

	again := *conv
	again.OwnerUserID = ptr("mallory")
	again.Title = "Hijacked"
	stored, created, err = store.UpsertConversationIfAbsent(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", *stored.OwnerUserID)
	assert.Equal(t, "Trip planning", stored.Title)

	_, _, err = store.UpsertConversationIfAbsent(ctx, &model.Conversation{})
	var ve *registrystore.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = store.GetConversation(ctx, uuid.New())
	assert.True(t, registrystore.IsNotFound(err))
}

func testConcurrentUpsert(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := *conv
			_, ok, err := store.UpsertConversationIfAbsent(ctx, &c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				created++
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.Equal(t, 1, created)
}

func testInsertMessage(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	orphan := NewMessage(NewConversation("alice"), "hello", time.Second)
	_, _, err := store.InsertMessageIfAbsent(ctx, orphan)
	assert.True(t, registrystore.IsNotFound(err))

	conv := NewConversation("alice")
	_, _, err = store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)

	msg := NewMessage(conv, "hello", time.Minute)
	stored, inserted, err := store.InsertMessageIfAbsent(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, model.MessageStatusConfirmed, stored.Status)

	changed := *msg
	changed.Content = "edited"
	stored, inserted, err = store.InsertMessageIfAbsent(ctx, &changed)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "hello", stored.Content)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(msg.CreatedAt), "last activity %v, want %v", got.LastActivityAt, msg.CreatedAt)
}

func testListMessages(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)

	var ids []uuid.UUID
	for i, content := range []string{"one", "two", "three"} {
		m := NewMessage(conv, content, time.Duration(i+1)*time.Second)
		_, _, err := store.InsertMessageIfAbsent(ctx, m)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	all, err := store.ListMessages(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{all[0].Content, all[1].Content, all[2].Content})

	page, err := store.ListMessages(ctx, conv.ID, &ids[0], 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].Content)

	_, err = store.ListMessages(ctx, conv.ID, ptr(uuid.New()), 10)
	assert.True(t, registrystore.IsNotFound(err))
}

func testUpdateMessageAux(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)
	msg := NewMessage(conv, "why is the sky blue?", time.Second)
	msg.Role = model.RoleAssistant
	_, _, err = store.InsertMessageIfAbsent(ctx, msg)
	require.NoError(t, err)

	updated, err := store.UpdateMessageAux(ctx, conv.ID, msg.ID, model.MessageAux{Reasoning: ptr("rayleigh scattering")})
	require.NoError(t, err)
	require.NotNil(t, updated.Reasoning)
	assert.Equal(t, "rayleigh scattering", *updated.Reasoning)

	sources := []model.Source{{URL: "https://example.com/sky", Title: "Sky", Snippet: ptr("blue light")}}
	updated, err = store.UpdateMessageAux(ctx, conv.ID, msg.ID, model.MessageAux{Sources: sources})
	require.NoError(t, err)
	assert.Equal(t, "rayleigh scattering", *updated.Reasoning)

	got, err := store.GetMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, sources, got.Sources)
	assert.Equal(t, "rayleigh scattering", *got.Reasoning)

	_, err = store.UpdateMessageAux(ctx, conv.ID, uuid.New(), model.MessageAux{Reasoning: ptr("x")})
	assert.True(t, registrystore.IsNotFound(err))
}

func testGrants(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)

	g, err := store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "bob"})
	require.NoError(t, err)
	assert.False(t, g.CanWrite)

	g, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "bob", CanWrite: true})
	require.NoError(t, err)
	assert.True(t, g.CanWrite)

	_, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "carol"})
	require.NoError(t, err)

	grants, err := store.ListGrants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, grants, 2)

	require.NoError(t, store.DeleteGrant(ctx, conv.ID, "carol"))
	assert.True(t, registrystore.IsNotFound(store.DeleteGrant(ctx, conv.ID, "carol")))

	_, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: uuid.New(), GranteeUserID: "bob"})
	assert.True(t, registrystore.IsNotFound(err))
}

func testConversationUpdates(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)

	got, err := store.SetVisibility(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsPublic)

	got, err = store.UpdateConversationTitle(ctx, conv.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.True(t, got.IsPublic)

	_, err = store.SetVisibility(ctx, uuid.New(), true)
	assert.True(t, registrystore.IsNotFound(err))
}

func testDeleteConversation(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)
	conv := NewConversation("alice")
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)
	msg := NewMessage(conv, "bye", time.Second)
	_, _, err = store.InsertMessageIfAbsent(ctx, msg)
	require.NoError(t, err)
	_, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "bob"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	_, err = store.GetConversation(ctx, conv.ID)
	assert.True(t, registrystore.IsNotFound(err))
	msgs, err := store.ListMessages(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	grants, err := store.ListGrants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	assert.True(t, registrystore.IsNotFound(store.DeleteConversation(ctx, conv.ID)))
}
