// Package migrate runs the schema migrations of the remote store backends and of the
// per-device local stores kept on disk.
package migrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Scope says which databases a migrator upgrades.
type Scope int

const (
	// ScopeRemote migrators upgrade the shared remote store selected by --db-kind.
	ScopeRemote Scope = iota
	// ScopeDevice migrators upgrade the device stores under --local-data-dir.
	ScopeDevice
)

func (s Scope) String() string {
	if s == ScopeDevice {
		return "device"
	}
	return "remote"
}

// Migrator runs schema migrations for a single plugin. Migrators decide from the config in
// ctx whether they apply and return nil when they do not.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin is a migrator with its scope and position. Lower Order runs first.
type Plugin struct {
	Order    int
	Scope    Scope
	Migrator Migrator
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func inScope(scope Scope) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Run executes the migrators of one scope in order and stops at the first failure.
func Run(ctx context.Context, scope Scope) error {
	for _, p := range inScope(scope) {
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("%s migration %s failed: %w", scope, p.Migrator.Name(), err)
		}
		log.Debug("Migrator finished", "scope", scope, "name", p.Migrator.Name(), "elapsed", time.Since(start))
	}
	return nil
}

// RunAll migrates the remote store, then the device stores. Device stores are only
// touched once the remote schema is current.
func RunAll(ctx context.Context) error {
	for _, scope := range []Scope{ScopeRemote, ScopeDevice} {
		if err := Run(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}
