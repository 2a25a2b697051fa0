package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMigrator struct {
	name string
	runs *[]string
	err  error
}

func (m recordingMigrator) Name() string { return m.name }
func (m recordingMigrator) Migrate(context.Context) error {
	*m.runs = append(*m.runs, m.name)
	return m.err
}

func withPlugins(t *testing.T) {
	t.Helper()
	saved := plugins
	plugins = nil
	t.Cleanup(func() { plugins = saved })
}

func TestRunAllRemoteBeforeDevice(t *testing.T) {
	withPlugins(t)
	var runs []string
	Register(Plugin{Order: 100, Scope: ScopeDevice, Migrator: recordingMigrator{name: "device-stores", runs: &runs}})
	Register(Plugin{Order: 200, Scope: ScopeRemote, Migrator: recordingMigrator{name: "postgres-indexes", runs: &runs}})
	Register(Plugin{Order: 100, Scope: ScopeRemote, Migrator: recordingMigrator{name: "postgres-schema", runs: &runs}})

	require.NoError(t, RunAll(context.Background()))
	assert.Equal(t, []string{"postgres-schema", "postgres-indexes", "device-stores"}, runs)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	withPlugins(t)
	var runs []string
	boom := errors.New("boom")
	Register(Plugin{Order: 1, Migrator: recordingMigrator{name: "sqlite-schema", runs: &runs, err: boom}})
	Register(Plugin{Order: 1, Scope: ScopeDevice, Migrator: recordingMigrator{name: "device-stores", runs: &runs}})

	err := RunAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "remote migration sqlite-schema failed")
	assert.Equal(t, []string{"sqlite-schema"}, runs)
}

func TestRunSingleScope(t *testing.T) {
	withPlugins(t)
	var runs []string
	Register(Plugin{Scope: ScopeRemote, Migrator: recordingMigrator{name: "mongo-indexes", runs: &runs}})
	Register(Plugin{Scope: ScopeDevice, Migrator: recordingMigrator{name: "device-stores", runs: &runs}})

	require.NoError(t, Run(context.Background(), ScopeDevice))
	assert.Equal(t, []string{"device-stores"}, runs)
	assert.Equal(t, "device", ScopeDevice.String())
}
