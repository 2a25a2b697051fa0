// Package teststore opens throwaway remote stores for unit tests.
package teststore

import (
	"context"
	"testing"

	"github.com/chirino/threadsync/internal/plugin/store/gormstore"
	"github.com/chirino/threadsync/internal/plugin/store/sqlite"
)

// NewSQLite returns a gorm store over a private in-memory sqlite database.
func NewSQLite(t *testing.T) *gormstore.Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(context.Background(), db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	store := gormstore.New(db, sqlite.IsTransient)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
