package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/plugin/store/mongo"
	"github.com/chirino/threadsync/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/threadsync/internal/registry/migrate"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
)

func TestMongoStore(t *testing.T) {
	uri := testmongo.StartMongo(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = uri
	ctx := config.WithContext(context.Background(), &cfg)

	_ = mongo.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storetest.Run(t, func(t *testing.T) (registrystore.RemoteStore, context.Context) {
		return store, ctx
	})
}
