// Package gormstore implements the remote store on top of gorm. The postgres and sqlite
// plugins share it and differ only in how they open the connection and classify errors.
package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chirino/threadsync/internal/model"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Classifier reports whether a driver error is worth retrying.
type Classifier func(err error) bool

// Store implements registrystore.RemoteStore using GORM.
type Store struct {
	db        *gorm.DB
	transient Classifier
	now       func() time.Time
}

// New wraps an open gorm connection. transient may be nil.
func New(db *gorm.DB, transient Classifier) *Store {
	return &Store{db: db, transient: transient, now: time.Now}
}

// DB exposes the underlying connection for plugins and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates or updates the tables used by the store.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&model.Conversation{}, &model.Message{}, &model.AccessGrant{})
}

// wrap converts retryable failures into *registrystore.TransientError and annotates the rest.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) || (s.transient != nil && s.transient(err)) {
		return &registrystore.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func notFound(resource string, id fmt.Stringer) error {
	return &registrystore.NotFoundError{Resource: resource, ID: id.String()}
}

// --- Conversations ---

func (s *Store) UpsertConversationIfAbsent(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	if conv == nil || conv.ID == uuid.Nil {
		return nil, false, &registrystore.ValidationError{Field: "id", Message: "conversation id is required"}
	}
	row := *conv
	now := s.now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.LastActivityAt.IsZero() {
		row.LastActivityAt = row.UpdatedAt
	}
	row.CreatedAt, row.UpdatedAt, row.LastActivityAt = row.CreatedAt.UTC(), row.UpdatedAt.UTC(), row.LastActivityAt.UTC()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, false, s.wrap("upsert conversation", result.Error)
	}
	if result.RowsAffected == 1 {
		return &row, true, nil
	}
	existing, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, s.wrap("get conversation", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFound("conversation", conversationID)
	}
	return &conv, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, conversationID uuid.UUID, title string) (*model.Conversation, error) {
	return s.updateConversation(ctx, "update conversation title", conversationID, map[string]interface{}{"title": title})
}

func (s *Store) SetVisibility(ctx context.Context, conversationID uuid.UUID, isPublic bool) (*model.Conversation, error) {
	return s.updateConversation(ctx, "set visibility", conversationID, map[string]interface{}{"is_public": isPublic})
}

func (s *Store) updateConversation(ctx context.Context, op string, conversationID uuid.UUID, updates map[string]interface{}) (*model.Conversation, error) {
	updates["updated_at"] = s.now().UTC()
	result := s.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", conversationID).Updates(updates)
	if result.Error != nil {
		return nil, s.wrap(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFound("conversation", conversationID)
	}
	return s.GetConversation(ctx, conversationID)
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", conversationID).Delete(&model.Conversation{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return notFound("conversation", conversationID)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.AccessGrant{}).Error; err != nil {
			return fmt.Errorf("failed to delete grants: %w", err)
		}
		return nil
	})
	if registrystore.IsNotFound(err) {
		return err
	}
	return s.wrap("delete conversation", err)
}

// --- Grants ---

func (s *Store) ListGrants(ctx context.Context, conversationID uuid.UUID) ([]model.AccessGrant, error) {
	var grants []model.AccessGrant
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, grantee_user_id ASC").
		Find(&grants).Error; err != nil {
		return nil, s.wrap("list grants", err)
	}
	return grants, nil
}

func (s *Store) PutGrant(ctx context.Context, grant model.AccessGrant) (*model.AccessGrant, error) {
	if grant.GranteeUserID == "" {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "grantee is required"}
	}
	if _, err := s.GetConversation(ctx, grant.ConversationID); err != nil {
		return nil, err
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = s.now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "grantee_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"can_write"}),
	}).Create(&grant).Error
	if err != nil {
		return nil, s.wrap("put grant", err)
	}

	var stored model.AccessGrant
	result := s.db.WithContext(ctx).
		Where("conversation_id = ? AND grantee_user_id = ?", grant.ConversationID, grant.GranteeUserID).
		Limit(1).
		Find(&stored)
	if result.Error != nil {
		return nil, s.wrap("reload grant", result.Error)
	}
	return &stored, nil
}

func (s *Store) DeleteGrant(ctx context.Context, conversationID uuid.UUID, granteeUserID string) error {
	result := s.db.WithContext(ctx).
		Where("conversation_id = ? AND grantee_user_id = ?", conversationID, granteeUserID).
		Delete(&model.AccessGrant{})
	if result.Error != nil {
		return s.wrap("delete grant", result.Error)
	}
	if result.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "grant", ID: granteeUserID}
	}
	return nil
}

// --- Messages ---

func (s *Store) InsertMessageIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	if msg == nil || msg.ID == uuid.Nil {
		return nil, false, &registrystore.ValidationError{Field: "id", Message: "message id is required"}
	}
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return nil, false, err
	}
	row := *msg
	row.Status = ""
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	row.CreatedAt = row.CreatedAt.UTC()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, false, s.wrap("insert message", result.Error)
	}
	if result.RowsAffected == 1 {
		if err := s.db.WithContext(ctx).Model(&model.Conversation{}).
			Where("id = ? AND last_activity_at < ?", row.ConversationID, row.CreatedAt).
			Update("last_activity_at", row.CreatedAt).Error; err != nil {
			return nil, false, s.wrap("touch conversation", err)
		}
		row.Status = model.MessageStatusConfirmed
		return &row, true, nil
	}

	var existing model.Message
	found := s.db.WithContext(ctx).Where("id = ?", msg.ID).Limit(1).Find(&existing)
	if found.Error != nil {
		return nil, false, s.wrap("reload message", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, false, notFound("message", msg.ID)
	}
	existing.Status = model.MessageStatusConfirmed
	return &existing, false, nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	result := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Limit(1).
		Find(&msg)
	if result.Error != nil {
		return nil, s.wrap("get message", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFound("message", messageID)
	}
	msg.Status = model.MessageStatusConfirmed
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, afterMessageID *uuid.UUID, limit int) ([]model.Message, error) {
	tx := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if afterMessageID != nil {
		cursor, err := s.GetMessage(ctx, conversationID, *afterMessageID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("(created_at > ?) OR (created_at = ? AND id > ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var msgs []model.Message
	if err := tx.Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, s.wrap("list messages", err)
	}
	for i := range msgs {
		msgs[i].Status = model.MessageStatusConfirmed
	}
	return msgs, nil
}

func (s *Store) UpdateMessageAux(ctx context.Context, conversationID, messageID uuid.UUID, aux model.MessageAux) (*model.Message, error) {
	msg, err := s.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if aux.Empty() {
		return msg, nil
	}
	if aux.Reasoning != nil {
		msg.Reasoning = aux.Reasoning
	}
	if len(aux.Sources) > 0 {
		msg.Sources = aux.Sources
	}
	// Select is required so the serializer runs for sources and nil reasoning is skipped.
	if err := s.db.WithContext(ctx).Model(&model.Message{ID: messageID}).
		Select("reasoning", "sources").
		Updates(&model.Message{Reasoning: msg.Reasoning, Sources: msg.Sources}).Error; err != nil {
		return nil, s.wrap("update message aux", err)
	}
	return msg, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ registrystore.RemoteStore = (*Store)(nil)
