package migrations

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/chirino/threadsync/internal/migration"
	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/plugin/route/local"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/testutil/testapi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateDevice(t *testing.T) {
	api := testapi.New(t, local.MountRoutes, MountRoutes)
	device := uuid.NewString()
	convID := uuid.New()

	rec := api.Do(testapi.Request{Method: http.MethodPut, Path: "/v1/local/conversations/" + convID.String(), DeviceID: device, Body: map[string]any{"title": "T1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	for _, content := range []string{"m1", "m2"} {
		rec = api.Do(testapi.Request{Method: http.MethodPut, Path: "/v1/local/conversations/" + convID.String() + "/messages/" + uuid.NewString(), DeviceID: device, Body: map[string]any{"role": "user", "content": content}})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", DeviceID: device})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", DeviceID: device, User: "U1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary migration.Summary
	testapi.Decode(t, rec, &summary)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Conflicts)
	assert.Equal(t, 2, summary.MessagesInserted)

	conv, err := api.Store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.True(t, conv.IsOwnedBy("U1"))

	rec = api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", DeviceID: device, User: "U1"})
	require.Equal(t, http.StatusOK, rec.Code)
	testapi.Decode(t, rec, &summary)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 0, summary.Conflicts)
	assert.True(t, summary.NoOp)
}

type unreachableStore struct {
	registrystore.RemoteStore
}

func (unreachableStore) UpsertConversationIfAbsent(context.Context, *model.Conversation) (*model.Conversation, bool, error) {
	return nil, false, &registrystore.TransientError{Op: "upsert conversation", Err: errors.New("connection refused")}
}

func TestMigrateTransientFailureIsRetryable(t *testing.T) {
	api := testapi.New(t, local.MountRoutes, MountRoutes)
	device := uuid.NewString()
	convID := uuid.New()
	rec := api.Do(testapi.Request{Method: http.MethodPut, Path: "/v1/local/conversations/" + convID.String(), DeviceID: device, Body: map[string]any{"title": "T1"}})
	require.Equal(t, http.StatusOK, rec.Code)

	api.Deps.Store = unreachableStore{RemoteStore: api.Store}
	rec = api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", DeviceID: device, User: "U1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	var body struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	}
	testapi.Decode(t, rec, &body)
	assert.Equal(t, "migration_failed", body.Code)
	assert.True(t, body.Retryable)

	api.Deps.Store = api.Store
	rec = api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", DeviceID: device, User: "U1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary migration.Summary
	testapi.Decode(t, rec, &summary)
	assert.Equal(t, 1, summary.Created)
	assert.False(t, summary.NoOp)
}

func TestMigrateRequiresDevice(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	rec := api.Do(testapi.Request{Method: http.MethodPost, Path: "/v1/migrations", User: "U1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
