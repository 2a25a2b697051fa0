// Package localstore holds a device's conversations and messages before its user signs in.
// Each store mirrors its records in memory and writes them through to a sqlite file; when
// the file is unusable the store keeps working from memory alone.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/model"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type localConversation struct {
	model.Conversation
}

func (localConversation) TableName() string { return "local_conversations" }

type localMessage struct {
	model.Message
}

func (localMessage) TableName() string { return "local_messages" }

type localMigrationState struct {
	ID         int `gorm:"primaryKey"`
	Migrated   bool
	Token      string
	UserID     string
	MigratedAt *time.Time
}

func (localMigrationState) TableName() string { return "local_migration_state" }

// Store is one device's local store. All methods are safe for concurrent use.
type Store struct {
	deviceID string
	path     string

	mu            sync.Mutex
	db            *gorm.DB
	conversations map[uuid.UUID]model.Conversation
	messages      map[uuid.UUID]model.Message
	state         model.MigrationState
	now           func() time.Time
}

// NewMemory returns a store that never touches disk.
func NewMemory(deviceID string) *Store {
	return &Store{
		deviceID:      deviceID,
		conversations: map[uuid.UUID]model.Conversation{},
		messages:      map[uuid.UUID]model.Message{},
		now:           time.Now,
	}
}

// Open returns a store persisted at path, loading any records already there. Failures
// to open or read the file are logged and leave the store memory-only.
func Open(deviceID, path string) *Store {
	s := NewMemory(deviceID)
	s.path = path
	db, err := openDB(path)
	if err != nil {
		log.Warn("Local store unavailable; keeping data in memory", "device", deviceID, "path", path, "err", err)
		return s
	}
	if err := s.load(db); err != nil {
		log.Warn("Local store unreadable; keeping data in memory", "device", deviceID, "path", path, "err", err)
		closeDB(db)
		s.conversations = map[uuid.UUID]model.Conversation{}
		s.messages = map[uuid.UUID]model.Message{}
		s.state = model.MigrationState{}
		return s
	}
	s.db = db
	return s
}

func openDB(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&localConversation{}, &localMessage{}, &localMigrationState{}); err != nil {
		closeDB(db)
		return nil, err
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *Store) load(db *gorm.DB) error {
	var convs []localConversation
	if err := db.Find(&convs).Error; err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	var msgs []localMessage
	if err := db.Find(&msgs).Error; err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	var states []localMigrationState
	if err := db.Limit(1).Find(&states).Error; err != nil {
		return fmt.Errorf("load migration state: %w", err)
	}
	for _, c := range convs {
		s.conversations[c.ID] = c.Conversation
	}
	for _, m := range msgs {
		m.Status = model.MessageStatusPending
		s.messages[m.ID] = m.Message
	}
	if len(states) == 1 {
		st := states[0]
		s.state = model.MigrationState{Migrated: st.Migrated, Token: st.Token, UserID: st.UserID, MigratedAt: st.MigratedAt}
	}
	return nil
}

// DeviceID returns the device this store belongs to.
func (s *Store) DeviceID() string { return s.deviceID }

// Persistent reports whether writes currently reach disk.
func (s *Store) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// persist runs fn against the database when there is one. A failure drops the database
// and the store continues in memory. Callers hold s.mu.
func (s *Store) persist(op string, fn func(tx *gorm.DB) error) {
	if s.db == nil {
		return
	}
	if err := s.db.Transaction(fn); err != nil {
		log.Warn("Local store write failed; continuing in memory", "device", s.deviceID, "op", op, "err", err)
		closeDB(s.db)
		s.db = nil
	}
}

// PutConversation creates or replaces a local conversation. Local conversations are unowned.
func (s *Store) PutConversation(conv model.Conversation) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.conversations[conv.ID]; ok {
		conv.CreatedAt = existing.CreatedAt
		if existing.LastActivityAt.After(conv.LastActivityAt) {
			conv.LastActivityAt = existing.LastActivityAt
		}
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
	conv.OwnerUserID = nil
	s.conversations[conv.ID] = conv

	row := localConversation{Conversation: conv}
	s.persist("put conversation", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	return cloneConversation(conv)
}

// HasConversation reports whether the conversation exists locally.
func (s *Store) HasConversation(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	return ok
}

// PutMessage creates or replaces a local message. It returns false, storing nothing, when
// the message's conversation is not in the store.
func (s *Store) PutMessage(msg model.Message) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return model.Message{}, false
	}
	if existing, ok := s.messages[msg.ID]; ok && msg.CreatedAt.IsZero() {
		msg.CreatedAt = existing.CreatedAt
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msg.Status = model.MessageStatusPending
	msg = cloneMessage(msg)
	s.messages[msg.ID] = msg

	touched := false
	if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
		s.conversations[conv.ID] = conv
		touched = true
	}

	row := localMessage{Message: msg}
	convRow := localConversation{Conversation: conv}
	s.persist("put message", func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if touched {
			return tx.Save(&convRow).Error
		}
		return nil
	})
	return cloneMessage(msg), true
}

// GetAll returns a deep copy of every local record.
func (s *Store) GetAll() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Conversations: make([]model.Conversation, 0, len(s.conversations)),
		Messages:      make([]model.Message, 0, len(s.messages)),
	}
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, cloneConversation(c))
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, cloneMessage(m))
	}
	sortSnapshot(&snap)
	return snap
}

// Clear wipes every record and the migration state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = map[uuid.UUID]model.Conversation{}
	s.messages = map[uuid.UUID]model.Message{}
	s.state = model.MigrationState{}
	s.persist("clear", func(tx *gorm.DB) error {
		for _, table := range []interface{}{&localMessage{}, &localConversation{}, &localMigrationState{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove retires exactly the records in snap. A conversation that gained messages after
// the snapshot was taken is kept so those messages are not orphaned.
func (s *Store) Remove(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgIDs []uuid.UUID
	for _, m := range snap.Messages {
		if _, ok := s.messages[m.ID]; ok {
			delete(s.messages, m.ID)
			msgIDs = append(msgIDs, m.ID)
		}
	}
	remaining := map[uuid.UUID]bool{}
	for _, m := range s.messages {
		remaining[m.ConversationID] = true
	}
	var convIDs []uuid.UUID
	for _, c := range snap.Conversations {
		if _, ok := s.conversations[c.ID]; ok && !remaining[c.ID] {
			delete(s.conversations, c.ID)
			convIDs = append(convIDs, c.ID)
		}
	}

	s.persist("remove", func(tx *gorm.DB) error {
		if len(msgIDs) > 0 {
			if err := tx.Where("id IN ?", msgIDs).Delete(&localMessage{}).Error; err != nil {
				return err
			}
		}
		if len(convIDs) > 0 {
			if err := tx.Where("id IN ?", convIDs).Delete(&localConversation{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationState returns the device's migration record.
func (s *Store) MigrationState() model.MigrationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetMigrationState replaces the device's migration record.
func (s *Store) SetMigrationState(state model.MigrationState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	row := localMigrationState{
		ID:         1,
		Migrated:   state.Migrated,
		Token:      state.Token,
		UserID:     state.UserID,
		MigratedAt: state.MigratedAt,
	}
	s.persist("set migration state", func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

// Close releases the backing file. The in-memory copy stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
