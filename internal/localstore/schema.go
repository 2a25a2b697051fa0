package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/config"
	registrymigrate "github.com/chirino/threadsync/internal/registry/migrate"
	"github.com/google/uuid"
)

func init() {
	registrymigrate.Register(registrymigrate.Plugin{
		Order:    100,
		Scope:    registrymigrate.ScopeDevice,
		Migrator: &deviceMigrator{},
	})
}

// deviceMigrator upgrades every device store file left by earlier runs, so a schema change
// surfaces at start-up instead of degrading that device to memory on its next request.
type deviceMigrator struct{}

func (m *deviceMigrator) Name() string { return "device-stores" }

func (m *deviceMigrator) Migrate(ctx context.Context) error {
	dir := config.FromContext(ctx).ResolvedLocalDataDir()
	if dir == "" {
		return nil
	}
	n, err := MigrateDir(ctx, dir)
	if err != nil {
		return err
	}
	log.Info("Device store migration complete", "dir", dir, "stores", n)
	return nil
}

// MigrateDir brings the schema of each <deviceID>.db under dir up to date and returns how
// many files it upgraded. Files not named after a device id are ignored.
func MigrateDir(ctx context.Context, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.db"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := uuid.Parse(strings.TrimSuffix(filepath.Base(path), ".db")); err != nil {
			continue
		}
		db, err := openDB(path)
		if err != nil {
			return n, fmt.Errorf("device store %s: %w", filepath.Base(path), err)
		}
		closeDB(db)
		n++
	}
	return n, nil
}
