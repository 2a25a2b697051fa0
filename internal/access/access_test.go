package access_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/access"
	"github.com/chirino/threadsync/internal/model"
	registrycache "github.com/chirino/threadsync/internal/registry/cache"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/testutil/teststore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryCache is an in-process AccessCache that counts lookups.
type memoryCache struct {
	mu     sync.Mutex
	data   map[uuid.UUID]registrycache.AccessSnapshot
	hits   int
	misses int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[uuid.UUID]registrycache.AccessSnapshot{}}
}

func (c *memoryCache) Available() bool { return true }
func (c *memoryCache) Get(_ context.Context, id uuid.UUID) (*registrycache.AccessSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[id]
	if !ok {
		c.misses++
		return nil, nil
	}
	c.hits++
	return &s, nil
}
func (c *memoryCache) Set(_ context.Context, id uuid.UUID, s registrycache.AccessSnapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = s
	return nil
}
func (c *memoryCache) Remove(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

func setup(t *testing.T, public bool) (*access.Resolver, registrystore.RemoteStore, uuid.UUID) {
	t.Helper()
	store := teststore.NewSQLite(t)
	ctx := context.Background()

	owner := "A"
	conv := &model.Conversation{ID: uuid.New(), OwnerUserID: &owner, Title: "shared", IsPublic: public}
	_, _, err := store.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)
	_, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "B", CanWrite: true})
	require.NoError(t, err)
	_, err = store.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "R"})
	require.NoError(t, err)

	return access.NewResolver(store, newMemoryCache(), time.Minute), store, conv.ID
}

func TestResolve_PublicConversationPrecedence(t *testing.T) {
	r, _, id := setup(t, true)
	ctx := context.Background()

	cases := []struct {
		caller string
		want   access.Decision
	}{
		{"A", access.Decision{CanRead: true, CanWrite: true, IsOwner: true}},
		{"B", access.Decision{CanRead: true, CanWrite: true}},
		{"R", access.Decision{CanRead: true}},
		{"C", access.Decision{CanRead: true}},
		{"", access.Decision{CanRead: true}},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ctx, id, tc.caller)
		require.NoError(t, err, "caller %q", tc.caller)
		assert.Equal(t, tc.want, got, "caller %q", tc.caller)
	}
}

func TestResolve_PrivateConversation(t *testing.T) {
	r, _, id := setup(t, false)
	ctx := context.Background()

	d, err := r.Resolve(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, access.Decision{CanRead: true, CanWrite: true}, d)

	d, err = r.Resolve(ctx, id, "R")
	require.NoError(t, err)
	assert.Equal(t, access.Decision{CanRead: true}, d)

	_, err = r.Resolve(ctx, id, "C")
	var fe *registrystore.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Anonymous)

	_, err = r.Resolve(ctx, id, "")
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Anonymous)
}

func TestResolve_NotFound(t *testing.T) {
	r, _, _ := setup(t, true)
	_, err := r.Resolve(context.Background(), uuid.New(), "A")
	assert.True(t, registrystore.IsNotFound(err))
}

func TestSetVisibility_OwnerOnly(t *testing.T) {
	r, _, id := setup(t, false)
	ctx := context.Background()

	// A write grant does not confer control over visibility, in either direction.
	for _, target := range []bool{true, false} {
		_, err := r.SetVisibility(ctx, id, "B", target)
		var fe *registrystore.ForbiddenError
		require.ErrorAs(t, err, &fe, "target %v", target)
	}

	conv, err := r.SetVisibility(ctx, id, "A", true)
	require.NoError(t, err)
	assert.True(t, conv.IsPublic)

	_, err = r.SetVisibility(ctx, id, "B", false)
	var fe *registrystore.ForbiddenError
	require.ErrorAs(t, err, &fe)

	// Anonymous readers of the now-public conversation still cannot change it.
	_, err = r.SetVisibility(ctx, id, "", false)
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Anonymous)

	d, err := r.Resolve(ctx, id, "C")
	require.NoError(t, err)
	assert.True(t, d.CanRead)
}

func TestGrants_InvalidateCache(t *testing.T) {
	r, _, id := setup(t, false)
	ctx := context.Background()

	_, err := r.Resolve(ctx, id, "C")
	require.Error(t, err)

	_, err = r.PutGrant(ctx, id, "B", "C", false)
	require.Error(t, err, "only the owner may grant")

	grant, err := r.PutGrant(ctx, id, "A", "C", false)
	require.NoError(t, err)
	assert.Equal(t, "C", grant.GranteeUserID)

	d, err := r.Resolve(ctx, id, "C")
	require.NoError(t, err)
	assert.Equal(t, access.Decision{CanRead: true}, d)

	grants, err := r.ListGrants(ctx, id, "A")
	require.NoError(t, err)
	assert.Len(t, grants, 3)

	_, err = r.ListGrants(ctx, id, "B")
	require.Error(t, err)

	require.NoError(t, r.DeleteGrant(ctx, id, "A", "C"))
	_, err = r.Resolve(ctx, id, "C")
	require.Error(t, err)

	_, err = r.PutGrant(ctx, id, "A", "A", true)
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestUpdateTitleAndDelete(t *testing.T) {
	r, _, id := setup(t, false)
	ctx := context.Background()

	conv, err := r.UpdateTitle(ctx, id, "B", "renamed by collaborator")
	require.NoError(t, err)
	assert.Equal(t, "renamed by collaborator", conv.Title)

	_, err = r.UpdateTitle(ctx, id, "R", "nope")
	require.Error(t, err)

	require.Error(t, r.DeleteConversation(ctx, id, "B"))
	require.NoError(t, r.DeleteConversation(ctx, id, "A"))

	_, err = r.Resolve(ctx, id, "A")
	assert.True(t, registrystore.IsNotFound(err))
}

func TestDecide_OwnerDominatesGrant(t *testing.T) {
	owner := "A"
	snapshot := &registrycache.AccessSnapshot{
		Conversation: model.Conversation{OwnerUserID: &owner},
		Grants:       []model.AccessGrant{{GranteeUserID: "A", CanWrite: false}},
	}
	assert.Equal(t, access.Decision{CanRead: true, CanWrite: true, IsOwner: true}, access.Decide(snapshot, "A"))

	// An unowned (never synced) conversation has no owner, including for anonymous callers.
	snapshot.Conversation.OwnerUserID = nil
	assert.Equal(t, access.Decision{}, access.Decide(snapshot, ""))
}

// racingStore runs onGrantsRead once, after ListGrants has read but before it returns.
type racingStore struct {
	registrystore.RemoteStore
	fired        bool
	onGrantsRead func()
}

func (s *racingStore) ListGrants(ctx context.Context, id uuid.UUID) ([]model.AccessGrant, error) {
	grants, err := s.RemoteStore.ListGrants(ctx, id)
	if s.onGrantsRead != nil && !s.fired {
		s.fired = true
		s.onGrantsRead()
	}
	return grants, err
}

func TestSnapshotDiscardedWhenRevokedDuringRead(t *testing.T) {
	ctx := context.Background()
	base := teststore.NewSQLite(t)
	owner := "A"
	conv := &model.Conversation{ID: uuid.New(), OwnerUserID: &owner, Title: "private"}
	_, _, err := base.UpsertConversationIfAbsent(ctx, conv)
	require.NoError(t, err)
	_, err = base.PutGrant(ctx, model.AccessGrant{ConversationID: conv.ID, GranteeUserID: "B"})
	require.NoError(t, err)

	store := &racingStore{RemoteStore: base}
	cache := newMemoryCache()
	r := access.NewResolver(store, cache, time.Minute)
	store.onGrantsRead = func() {
		require.NoError(t, r.DeleteGrant(ctx, conv.ID, "A", "B"))
	}

	// B reads the grant list before the revocation commits, so this one call still passes.
	d, err := r.Resolve(ctx, conv.ID, "B")
	require.NoError(t, err)
	assert.True(t, d.CanRead)

	_, err = r.Resolve(ctx, conv.ID, "B")
	var forbidden *registrystore.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}
