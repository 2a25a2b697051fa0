package localstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newConv(title string) model.Conversation {
	return model.Conversation{ID: uuid.New(), Title: title}
}

func newMsg(conv uuid.UUID, content string, at time.Time) model.Message {
	return model.Message{ID: uuid.New(), ConversationID: conv, Role: model.RoleUser, Content: content, CreatedAt: at}
}

func TestPutAndSnapshot(t *testing.T) {
	s := NewMemory("dev")
	owner := "someone"
	c := newConv("T1")
	c.OwnerUserID = &owner
	stored := s.PutConversation(c)
	assert.Nil(t, stored.OwnerUserID)
	assert.False(t, stored.CreatedAt.IsZero())

	base := time.Now().UTC().Add(time.Minute)
	m1, ok := s.PutMessage(newMsg(c.ID, "m1", base))
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusPending, m1.Status)
	_, ok = s.PutMessage(newMsg(c.ID, "m2", base.Add(time.Second)))
	require.True(t, ok)

	snap := s.GetAll()
	require.Len(t, snap.Conversations, 1)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].Content)
	assert.Equal(t, "m2", snap.Messages[1].Content)
	assert.True(t, snap.Conversations[0].LastActivityAt.Equal(base.Add(time.Second)))
}

func TestPutMessageRequiresConversation(t *testing.T) {
	s := NewMemory("dev")
	_, ok := s.PutMessage(newMsg(uuid.New(), "orphan", time.Time{}))
	assert.False(t, ok)
	assert.True(t, s.GetAll().Empty())
}

func TestGetAllIsDeepCopy(t *testing.T) {
	s := NewMemory("dev")
	c := newConv("T1")
	s.PutConversation(c)
	msg := newMsg(c.ID, "m1", time.Time{})
	msg.Reasoning = strPtr("because")
	msg.Sources = []model.Source{{URL: "https://example.com", Snippet: strPtr("x")}}
	s.PutMessage(msg)

	snap := s.GetAll()
	*snap.Messages[0].Reasoning = "changed"
	*snap.Messages[0].Sources[0].Snippet = "changed"
	snap.Messages[0].Sources[0].URL = "changed"

	again := s.GetAll()
	assert.Equal(t, "because", *again.Messages[0].Reasoning)
	assert.Equal(t, "x", *again.Messages[0].Sources[0].Snippet)
	assert.Equal(t, "https://example.com", again.Messages[0].Sources[0].URL)
}

func TestRemoveKeepsNewerRecords(t *testing.T) {
	s := NewMemory("dev")
	c1 := newConv("T1")
	c2 := newConv("T2")
	s.PutConversation(c1)
	s.PutConversation(c2)
	s.PutMessage(newMsg(c1.ID, "m1", time.Time{}))
	s.PutMessage(newMsg(c2.ID, "m2", time.Time{}))

	snap := s.GetAll()
	late, ok := s.PutMessage(newMsg(c2.ID, "late", time.Time{}))
	require.True(t, ok)

	s.Remove(snap)
	after := s.GetAll()
	require.Len(t, after.Conversations, 1)
	assert.Equal(t, c2.ID, after.Conversations[0].ID)
	require.Len(t, after.Messages, 1)
	assert.Equal(t, late.ID, after.Messages[0].ID)
}

func TestClear(t *testing.T) {
	s := NewMemory("dev")
	c := newConv("T1")
	s.PutConversation(c)
	s.SetMigrationState(model.MigrationState{Migrated: true, Token: "abc", UserID: "u1"})
	s.Clear()
	assert.True(t, s.GetAll().Empty())
	assert.Equal(t, model.MigrationState{}, s.MigrationState())
}

func TestTokenIsStable(t *testing.T) {
	s := NewMemory("dev")
	c := newConv("T1")
	s.PutConversation(c)
	s.PutMessage(newMsg(c.ID, "m1", time.Time{}))

	a := s.GetAll()
	b := s.GetAll()
	b.Conversations = append([]model.Conversation{}, b.Conversations...)
	assert.Equal(t, a.Token(), b.Token())
	assert.Len(t, a.Token(), 64)

	s.PutMessage(newMsg(c.ID, "m2", time.Time{}))
	assert.NotEqual(t, a.Token(), s.GetAll().Token())
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	s := Open("dev", path)
	require.True(t, s.Persistent())

	c := newConv("T1")
	s.PutConversation(c)
	msg := newMsg(c.ID, "m1", time.Time{})
	msg.Sources = []model.Source{{URL: "https://example.com", Title: "ex"}}
	s.PutMessage(msg)
	now := time.Now().UTC().Truncate(time.Second)
	s.SetMigrationState(model.MigrationState{Migrated: true, Token: "tok", UserID: "u1", MigratedAt: &now})
	require.NoError(t, s.Close())

	reopened := Open("dev", path)
	t.Cleanup(func() { _ = reopened.Close() })
	snap := reopened.GetAll()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "T1", snap.Conversations[0].Title)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].Content)
	assert.Equal(t, model.MessageStatusPending, snap.Messages[0].Status)
	require.Len(t, snap.Messages[0].Sources, 1)
	assert.Equal(t, "ex", snap.Messages[0].Sources[0].Title)

	state := reopened.MigrationState()
	assert.True(t, state.Migrated)
	assert.Equal(t, "tok", state.Token)
	assert.Equal(t, "u1", state.UserID)
}

func TestDegradesToMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := Open("dev", filepath.Join(blocker, "device.db"))
	assert.False(t, s.Persistent())

	c := newConv("T1")
	s.PutConversation(c)
	_, ok := s.PutMessage(newMsg(c.ID, "m1", time.Time{}))
	assert.True(t, ok)
	assert.Len(t, s.GetAll().Messages, 1)
}

func TestManager(t *testing.T) {
	m := NewManager(t.TempDir())
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Open("../../etc")
	require.Error(t, err)

	id := uuid.NewString()
	a, err := m.Open(id)
	require.NoError(t, err)
	b, err := m.Open(id)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.True(t, a.Persistent())

	other, err := m.Open(uuid.NewString())
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	mem := NewManager("")
	s, err := mem.Open(id)
	require.NoError(t, err)
	assert.False(t, s.Persistent())
}
