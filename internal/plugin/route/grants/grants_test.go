package grants

import (
	"net/http"
	"testing"

	"github.com/chirino/threadsync/internal/testutil/testapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantLifecycle(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	conv := api.SeedConversation("A", false)
	base := "/v1/conversations/" + conv.ID.String() + "/grants"

	rec := api.Do(testapi.Request{Method: http.MethodPut, Path: base + "/B", User: "A", Body: map[string]any{"canWrite": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var grant grantResponse
	testapi.Decode(t, rec, &grant)
	assert.Equal(t, "B", grant.UserID)
	assert.True(t, grant.CanWrite)

	rec = api.Do(testapi.Request{Method: http.MethodPut, Path: base + "/B", User: "A", Body: map[string]any{"canWrite": false}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.Do(testapi.Request{Method: http.MethodGet, Path: base, User: "A"})
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []grantResponse `json:"data"`
	}
	testapi.Decode(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.False(t, list.Data[0].CanWrite)

	rec = api.Do(testapi.Request{Method: http.MethodDelete, Path: base + "/B", User: "A"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.Do(testapi.Request{Method: http.MethodGet, Path: base, User: "A"})
	testapi.Decode(t, rec, &list)
	assert.Empty(t, list.Data)
}

func TestGrantsAreOwnerOnly(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	conv := api.SeedConversation("A", true)
	api.SeedGrant(conv.ID, "B", true)
	base := "/v1/conversations/" + conv.ID.String() + "/grants"

	assert.Equal(t, http.StatusForbidden, api.Do(testapi.Request{Method: http.MethodGet, Path: base, User: "B"}).Code)
	assert.Equal(t, http.StatusForbidden, api.Do(testapi.Request{Method: http.MethodPut, Path: base + "/C", User: "B", Body: map[string]any{"canWrite": true}}).Code)
	assert.Equal(t, http.StatusForbidden, api.Do(testapi.Request{Method: http.MethodDelete, Path: base + "/B", User: "B"}).Code)
	assert.Equal(t, http.StatusUnauthorized, api.Do(testapi.Request{Method: http.MethodGet, Path: base}).Code)
	assert.Equal(t, http.StatusBadRequest, api.Do(testapi.Request{Method: http.MethodPut, Path: base + "/A", User: "A", Body: map[string]any{"canWrite": true}}).Code)
	assert.Equal(t, http.StatusNotFound, api.Do(testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/nope/grants", User: "A"}).Code)
}
