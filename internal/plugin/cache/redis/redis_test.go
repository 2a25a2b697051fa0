package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/plugin/cache/redis"
	registrycache "github.com/chirino/threadsync/internal/registry/cache"
	"github.com/chirino/threadsync/internal/testutil/testredis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisAccessCache(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := context.Background()

	c, err := redis.LoadFromURLWithTTL(ctx, url, time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	convID := uuid.New()
	got, err := c.Get(ctx, convID)
	require.NoError(t, err)
	assert.Nil(t, got, "miss returns nil snapshot")

	owner := "alice"
	snapshot := registrycache.AccessSnapshot{
		Conversation: model.Conversation{ID: convID, OwnerUserID: &owner, IsPublic: true},
		Grants:       []model.AccessGrant{{ConversationID: convID, GranteeUserID: "bob", CanWrite: true}},
	}
	require.NoError(t, c.Set(ctx, convID, snapshot, 0))

	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", *got.Conversation.OwnerUserID)
	grant, ok := got.GrantFor("bob")
	assert.True(t, ok)
	assert.True(t, grant.CanWrite)

	require.NoError(t, c.Remove(ctx, convID))
	got, err = c.Get(ctx, convID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisAccessCache_InvalidURL(t *testing.T) {
	_, err := redis.LoadFromURLWithTTL(context.Background(), "not a url", time.Minute)
	require.Error(t, err)
}
