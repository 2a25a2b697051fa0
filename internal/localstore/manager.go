package localstore

import (
	"errors"
	"path/filepath"
	"sync"

	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/google/uuid"
)

// Manager hands out one Store per device id. Stores live at <dir>/<deviceID>.db; an empty
// dir yields memory-only stores.
type Manager struct {
	dir string

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, stores: map[string]*Store{}}
}

// Open returns the store for deviceID, creating it on first use. deviceID must be a UUID.
func (m *Manager) Open(deviceID string) (*Store, error) {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, &registrystore.ValidationError{Field: "X-Device-ID", Message: "must be a UUID"}
	}
	key := id.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[key]; ok {
		return s, nil
	}
	var s *Store
	if m.dir == "" {
		s = NewMemory(key)
	} else {
		s = Open(key, filepath.Join(m.dir, key+".db"))
	}
	m.stores[key] = s
	return s, nil
}

// Close closes every store handed out so far.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for key, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.stores, key)
	}
	return errors.Join(errs...)
}
