package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/model"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/testutil/teststore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the nth message insert after the underlying write has committed.
type flakyStore struct {
	registrystore.RemoteStore
	mu       sync.Mutex
	inserts  int
	failOn   int
	attempts []uuid.UUID
}

func (f *flakyStore) InsertMessageIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	f.mu.Lock()
	f.inserts++
	n := f.inserts
	f.mu.Unlock()
	got, created, err := f.RemoteStore.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	if created {
		f.attempts = append(f.attempts, msg.ID)
	}
	f.mu.Unlock()
	if n == f.failOn {
		return nil, false, &registrystore.TransientError{Op: "insert message", Err: errors.New("connection reset")}
	}
	return got, created, nil
}

func seed(t *testing.T, local *localstore.Store, title string, contents ...string) model.Conversation {
	t.Helper()
	conv := local.PutConversation(model.Conversation{ID: uuid.New(), Title: title})
	base := time.Now().UTC()
	for i, content := range contents {
		_, ok := local.PutMessage(model.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Role:           model.RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.True(t, ok)
	}
	return conv
}

func TestMigrateThenNoOp(t *testing.T) {
	ctx := context.Background()
	remote := teststore.NewSQLite(t)
	local := localstore.NewMemory("dev")
	conv := seed(t, local, "T1", "m1", "m2")

	c := NewCoordinator(local, remote, time.Minute)
	summary, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Conflicts)
	assert.Equal(t, 2, summary.MessagesInserted)
	assert.False(t, summary.NoOp)

	got, err := remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOwnedBy("U1"))
	msgs, err := remote.ListMessages(ctx, conv.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].Content)

	assert.True(t, local.GetAll().Empty())
	state := local.MigrationState()
	assert.True(t, state.Migrated)
	assert.Equal(t, "U1", state.UserID)
	require.NotNil(t, state.MigratedAt)

	again, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 0, again.Conflicts)
}

func TestMigrateRequiresUser(t *testing.T) {
	local := localstore.NewMemory("dev")
	seed(t, local, "T1", "m1")
	_, err := NewCoordinator(local, teststore.NewSQLite(t), 0).Migrate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthenticated)
	var ue *registrystore.UnauthenticatedError
	assert.ErrorAs(t, err, &ue)
	assert.False(t, local.MigrationState().Migrated)
}

func TestMigrateEmptySnapshotSkipsRemote(t *testing.T) {
	local := localstore.NewMemory("dev")
	summary, err := NewCoordinator(local, nil, 0).Migrate(context.Background(), "U1")
	require.NoError(t, err)
	assert.True(t, summary.NoOp)
}

func TestMigrateOwnershipConflict(t *testing.T) {
	ctx := context.Background()
	remote := teststore.NewSQLite(t)
	local := localstore.NewMemory("dev")
	mine := seed(t, local, "mine", "hello")
	theirs := seed(t, local, "theirs", "hijack")

	owner := "U2"
	_, created, err := remote.UpsertConversationIfAbsent(ctx, &model.Conversation{ID: theirs.ID, OwnerUserID: &owner, Title: "original"})
	require.NoError(t, err)
	require.True(t, created)

	c := NewCoordinator(local, remote, 0)
	summary, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, []string{theirs.ID.String()}, summary.ConflictIDs)
	assert.Equal(t, 1, summary.MessagesInserted)

	got, err := remote.GetConversation(ctx, theirs.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOwnedBy("U2"))
	assert.Equal(t, "original", got.Title)
	msgs, err := remote.ListMessages(ctx, theirs.ID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	left := local.GetAll()
	require.Len(t, left.Conversations, 1)
	assert.Equal(t, theirs.ID, left.Conversations[0].ID)
	assert.Len(t, left.Messages, 1)

	again, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, again.NoOp)

	_, err = remote.GetConversation(ctx, mine.ID)
	require.NoError(t, err)
}

func TestMigrateMessageConflictNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	remote := teststore.NewSQLite(t)
	local := localstore.NewMemory("dev")
	conv := seed(t, local, "T1", "local text")
	msgID := local.GetAll().Messages[0].ID

	owner := "U1"
	_, _, err := remote.UpsertConversationIfAbsent(ctx, &model.Conversation{ID: conv.ID, OwnerUserID: &owner, Title: "T1"})
	require.NoError(t, err)
	_, _, err = remote.InsertMessageIfAbsent(ctx, &model.Message{ID: msgID, ConversationID: conv.ID, Role: model.RoleUser, Content: "remote text"})
	require.NoError(t, err)

	summary, err := NewCoordinator(local, remote, 0).Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Existing)
	assert.Equal(t, 1, summary.MessageConflicts)
	assert.Equal(t, []string{msgID.String()}, summary.MessageConflictIDs)

	got, err := remote.GetMessage(ctx, conv.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, "remote text", got.Content)
}

func TestMigratePartialFailureRetry(t *testing.T) {
	ctx := context.Background()
	base := teststore.NewSQLite(t)
	remote := &flakyStore{RemoteStore: base, failOn: 2}
	local := localstore.NewMemory("dev")
	conv := seed(t, local, "T1", "m1", "m2", "m3")
	ids := []uuid.UUID{}
	for _, m := range local.GetAll().Messages {
		ids = append(ids, m.ID)
	}

	c := NewCoordinator(local, remote, 0)
	_, err := c.Migrate(ctx, "U1")
	require.Error(t, err)
	assert.True(t, registrystore.IsTransient(err))
	assert.False(t, local.MigrationState().Migrated)
	assert.Len(t, local.GetAll().Messages, 3)
	assert.Equal(t, ids[:2], remote.attempts)

	summary, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 1, summary.Existing)
	assert.Equal(t, 1, summary.MessagesInserted)
	assert.Equal(t, 2, summary.MessagesExisting)
	assert.Equal(t, ids, remote.attempts)

	msgs, err := base.ListMessages(ctx, conv.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.True(t, local.MigrationState().Migrated)
}

func TestMigrateCancelledIsTransient(t *testing.T) {
	local := localstore.NewMemory("dev")
	seed(t, local, "T1", "m1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCoordinator(local, teststore.NewSQLite(t), 0).Migrate(ctx, "U1")
	require.Error(t, err)
	assert.True(t, registrystore.IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, local.MigrationState().Migrated)
}

func TestConcurrentMigrationsNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	remote := teststore.NewSQLite(t)
	local := localstore.NewMemory("dev")
	conv := seed(t, local, "T1", "m1", "m2")

	var wg sync.WaitGroup
	results := make([]*Summary, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := NewCoordinator(local, remote, 0).Migrate(ctx, "U1")
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	created, inserted := 0, 0
	for _, s := range results {
		require.NotNil(t, s)
		created += s.Created
		inserted += s.MessagesInserted
		assert.Equal(t, 0, s.Conflicts)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, inserted)

	msgs, err := remote.ListMessages(ctx, conv.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMigrateForAnotherUserIsNotNoOp(t *testing.T) {
	ctx := context.Background()
	remote := teststore.NewSQLite(t)
	local := localstore.NewMemory("dev")
	theirs := seed(t, local, "theirs", "hello")

	owner := "U2"
	_, _, err := remote.UpsertConversationIfAbsent(ctx, &model.Conversation{ID: theirs.ID, OwnerUserID: &owner, Title: "original"})
	require.NoError(t, err)

	c := NewCoordinator(local, remote, 0)
	first, err := c.Migrate(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Conflicts)
	require.Len(t, local.GetAll().Conversations, 1)

	second, err := c.Migrate(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, second.NoOp)
	assert.Equal(t, 1, second.Existing)
	assert.Equal(t, 0, second.Conflicts)
	assert.Equal(t, 1, second.MessagesInserted)
	assert.True(t, local.GetAll().Empty())
	assert.Equal(t, "U2", local.MigrationState().UserID)
}
