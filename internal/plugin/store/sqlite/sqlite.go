// Package sqlite registers the embedded "sqlite" remote store, intended for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/threadsync/internal/registry/migrate"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.RemoteStore, error) {
			cfg := config.FromContext(ctx)
			db, err := Open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			// An in-memory database only exists on this connection, so the schema must be
			// created here rather than by the migrator.
			if isMemoryDSN(cfg.DBURL) {
				if err := gormstore.AutoMigrate(ctx, db); err != nil {
					return nil, fmt.Errorf("sqlite: failed to migrate schema: %w", err)
				}
			}
			return gormstore.New(db, IsTransient), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Scope: registrymigrate.ScopeRemote, Migrator: &sqliteMigrator{}})
}

// Open connects to a sqlite database. An empty dsn opens a private in-memory database.
func Open(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps in-memory databases shared.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// IsTransient reports sqlite lock contention, which clears on retry.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isMemoryDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "sqlite" || isMemoryDSN(cfg.DBURL) {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := gormstore.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}
