package access

import (
	"net/http"
	"testing"

	"github.com/chirino/threadsync/internal/testutil/testapi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	CanRead  bool `json:"canRead"`
	CanWrite bool `json:"canWrite"`
	IsOwner  bool `json:"isOwner"`
}

func TestAccessPrecedenceOnPublicConversation(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	conv := api.SeedConversation("A", true)
	api.SeedGrant(conv.ID, "B", true)
	path := "/v1/conversations/" + conv.ID.String() + "/access"

	cases := []struct {
		user string
		want decision
	}{
		{"A", decision{CanRead: true, CanWrite: true, IsOwner: true}},
		{"B", decision{CanRead: true, CanWrite: true}},
		{"C", decision{CanRead: true}},
		{"", decision{CanRead: true}},
	}
	for _, tc := range cases {
		rec := api.Do(testapi.Request{Method: http.MethodGet, Path: path, User: tc.user})
		require.Equal(t, http.StatusOK, rec.Code, "user %q", tc.user)
		var got decision
		testapi.Decode(t, rec, &got)
		assert.Equal(t, tc.want, got, "user %q", tc.user)
	}
}

func TestAccessPrivateConversation(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	conv := api.SeedConversation("A", false)
	path := "/v1/conversations/" + conv.ID.String() + "/access"

	assert.Equal(t, http.StatusUnauthorized, api.Do(testapi.Request{Method: http.MethodGet, Path: path}).Code)
	assert.Equal(t, http.StatusForbidden, api.Do(testapi.Request{Method: http.MethodGet, Path: path, User: "C"}).Code)
	assert.Equal(t, http.StatusNotFound, api.Do(testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/" + uuid.NewString() + "/access", User: "A"}).Code)
	assert.Equal(t, http.StatusNotFound, api.Do(testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/nope/access", User: "A"}).Code)
}

func TestVisibilityIsOwnerOnly(t *testing.T) {
	api := testapi.New(t, MountRoutes)
	conv := api.SeedConversation("A", false)
	api.SeedGrant(conv.ID, "B", true)
	path := "/v1/conversations/" + conv.ID.String() + "/visibility"

	for _, public := range []bool{true, false} {
		rec := api.Do(testapi.Request{Method: http.MethodPut, Path: path, User: "B", Body: map[string]any{"isPublic": public}})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	rec := api.Do(testapi.Request{Method: http.MethodPut, Path: path, User: "A", Body: map[string]any{"isPublic": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var state struct {
		IsPublic bool `json:"isPublic"`
	}
	testapi.Decode(t, rec, &state)
	assert.True(t, state.IsPublic)

	rec = api.Do(testapi.Request{Method: http.MethodPut, Path: path, User: "B", Body: map[string]any{"isPublic": false}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.Do(testapi.Request{Method: http.MethodPut, Path: path, User: "A", Body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.Do(testapi.Request{Method: http.MethodPut, Path: path, Body: map[string]any{"isPublic": true}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
