// Package testapi builds an in-process API over an in-memory sqlite store for route tests.
package testapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/access"
	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/plugin/store/gormstore"
	"github.com/chirino/threadsync/internal/reconcile"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	"github.com/chirino/threadsync/internal/security"
	"github.com/chirino/threadsync/internal/testutil/teststore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// API is a mounted router plus the services behind it.
type API struct {
	t      *testing.T
	Engine *gin.Engine
	Deps   *registryroute.Deps
	Store  *gormstore.Store
}

// New mounts the given loaders against fresh services. Bearer tokens are taken as user ids.
func New(t *testing.T, loaders ...registryroute.RouterLoader) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.ProvisionalWaitTimeout = 200 * time.Millisecond
	providers, err := config.ParseProviders(cfg.Providers)
	require.NoError(t, err)

	store := teststore.NewSQLite(t)
	resolver := security.NewTokenResolver(&cfg)
	local := localstore.NewManager("")
	t.Cleanup(func() { _ = local.Close() })

	deps := &registryroute.Deps{
		Config:       &cfg,
		Providers:    providers,
		Store:        store,
		Access:       access.NewResolver(store, nil, 0),
		Local:        local,
		Auth:         security.AuthMiddleware(resolver),
		OptionalAuth: security.OptionalAuthMiddleware(resolver),
	}
	deps.Reconciler = reconcile.New(func(ctx context.Context, permanentID string, u reconcile.Update) error {
		id, err := uuid.Parse(permanentID)
		if err != nil {
			return err
		}
		_, err = store.UpdateMessageAux(ctx, u.ConversationID, id, u.Aux)
		return err
	}, reconcile.Options{QueueTTL: time.Minute, Grace: time.Minute})

	engine := gin.New()
	for _, load := range loaders {
		require.NoError(t, load(engine, deps))
	}
	return &API{t: t, Engine: engine, Deps: deps, Store: store}
}

// Request describes one call. User "" sends no Authorization header.
type Request struct {
	Method   string
	Path     string
	User     string
	DeviceID string
	Body     interface{}
}

// Do executes req against the router.
func (a *API) Do(req Request) *httptest.ResponseRecorder {
	a.t.Helper()
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		require.NoError(a.t, err)
		body = bytes.NewReader(data)
	}
	r := httptest.NewRequest(req.Method, req.Path, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.User != "" {
		r.Header.Set("Authorization", "Bearer "+req.User)
	}
	if req.DeviceID != "" {
		r.Header.Set("X-Device-ID", req.DeviceID)
	}
	rec := httptest.NewRecorder()
	a.Engine.ServeHTTP(rec, r)
	return rec
}

// Decode unmarshals a JSON response body into v.
func Decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// SeedConversation stores a remote conversation owned by owner ("" leaves it unowned).
func (a *API) SeedConversation(owner string, public bool) model.Conversation {
	a.t.Helper()
	conv := model.Conversation{ID: uuid.New(), Title: "seeded", IsPublic: public}
	if owner != "" {
		conv.OwnerUserID = &owner
	}
	stored, created, err := a.Store.UpsertConversationIfAbsent(context.Background(), &conv)
	require.NoError(a.t, err)
	require.True(a.t, created)
	return *stored
}

// SeedGrant grants user access to conv.
func (a *API) SeedGrant(conv uuid.UUID, user string, canWrite bool) {
	a.t.Helper()
	_, err := a.Store.PutGrant(context.Background(), model.AccessGrant{ConversationID: conv, GranteeUserID: user, CanWrite: canWrite})
	require.NoError(a.t, err)
}

// SeedMessage stores a confirmed message.
func (a *API) SeedMessage(conv uuid.UUID, content string) model.Message {
	a.t.Helper()
	msg := model.Message{ID: uuid.New(), ConversationID: conv, Role: model.RoleUser, Content: content}
	stored, _, err := a.Store.InsertMessageIfAbsent(context.Background(), &msg)
	require.NoError(a.t, err)
	return *stored
}
