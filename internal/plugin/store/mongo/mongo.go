package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/model"
	registrymigrate "github.com/chirino/threadsync/internal/registry/migrate"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "threadsync"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.RemoteStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName), now: time.Now}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Scope: registrymigrate.ScopeRemote, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)
	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "owner_user_id", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		},
		"access_grants": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "grantee_user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "grantee_user_id", Value: 1}}},
		},
	}
	for name, indexes := range collections {
		// Ensure collection exists; an "already exists" error is expected on re-runs.
		_ = db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements RemoteStore using MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// --- MongoDB document types ---

type convDoc struct {
	ID             string    `bson:"_id"`
	OwnerUserID    *string   `bson:"owner_user_id"`
	Title          string    `bson:"title"`
	IsPublic       bool      `bson:"is_public"`
	IsBranch       bool      `bson:"is_branch"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	LastActivityAt time.Time `bson:"last_activity_at"`
}

type sourceDoc struct {
	URL     string  `bson:"url"`
	Title   string  `bson:"title,omitempty"`
	Snippet *string `bson:"snippet,omitempty"`
}

type messageDoc struct {
	ID             string      `bson:"_id"`
	ConversationID string      `bson:"conversation_id"`
	Role           string      `bson:"role"`
	Content        string      `bson:"content"`
	Reasoning      *string     `bson:"reasoning,omitempty"`
	Sources        []sourceDoc `bson:"sources,omitempty"`
	CreatedAt      time.Time   `bson:"created_at"`
}

type grantDoc struct {
	ConversationID string    `bson:"conversation_id"`
	GranteeUserID  string    `bson:"grantee_user_id"`
	CanWrite       bool      `bson:"can_write"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) grants() *mongo.Collection        { return s.db.Collection("access_grants") }

// mongoTime truncates to the millisecond precision BSON dates keep, so values read back
// compare equal to what was written.
func mongoTime(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func strToUUID(s string) uuid.UUID { u, _ := uuid.Parse(s); return u }

func toConvDoc(c *model.Conversation) convDoc {
	return convDoc{
		ID:             c.ID.String(),
		OwnerUserID:    c.OwnerUserID,
		Title:          c.Title,
		IsPublic:       c.IsPublic,
		IsBranch:       c.IsBranch,
		CreatedAt:      mongoTime(c.CreatedAt),
		UpdatedAt:      mongoTime(c.UpdatedAt),
		LastActivityAt: mongoTime(c.LastActivityAt),
	}
}

func (d convDoc) toModel() *model.Conversation {
	return &model.Conversation{
		ID:             strToUUID(d.ID),
		OwnerUserID:    d.OwnerUserID,
		Title:          d.Title,
		IsPublic:       d.IsPublic,
		IsBranch:       d.IsBranch,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
	}
}

func toMessageDoc(m *model.Message) messageDoc {
	doc := messageDoc{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		Role:           string(m.Role),
		Content:        m.Content,
		Reasoning:      m.Reasoning,
		CreatedAt:      mongoTime(m.CreatedAt),
	}
	doc.Sources = toSourceDocs(m.Sources)
	return doc
}

func toSourceDocs(sources []model.Source) []sourceDoc {
	if len(sources) == 0 {
		return nil
	}
	out := make([]sourceDoc, len(sources))
	for i, src := range sources {
		out[i] = sourceDoc{URL: src.URL, Title: src.Title, Snippet: src.Snippet}
	}
	return out
}

func (d messageDoc) toModel() *model.Message {
	msg := &model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		Role:           model.Role(d.Role),
		Content:        d.Content,
		Reasoning:      d.Reasoning,
		CreatedAt:      d.CreatedAt.UTC(),
		Status:         model.MessageStatusConfirmed,
	}
	for _, src := range d.Sources {
		msg.Sources = append(msg.Sources, model.Source{URL: src.URL, Title: src.Title, Snippet: src.Snippet})
	}
	return msg
}

func (d grantDoc) toModel() model.AccessGrant {
	return model.AccessGrant{
		ConversationID: strToUUID(d.ConversationID),
		GranteeUserID:  d.GranteeUserID,
		CanWrite:       d.CanWrite,
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

// wrap converts retryable driver failures into *registrystore.TransientError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return &registrystore.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- Conversations ---

func (s *MongoStore) UpsertConversationIfAbsent(ctx context.Context, conv *model.Conversation) (*model.Conversation, bool, error) {
	if conv == nil || conv.ID == uuid.Nil {
		return nil, false, &registrystore.ValidationError{Field: "id", Message: "conversation id is required"}
	}
	row := *conv
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.LastActivityAt.IsZero() {
		row.LastActivityAt = row.UpdatedAt
	}
	doc := toConvDoc(&row)

	res, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	// Two concurrent upserts on the same _id can race; the loser sees a duplicate key
	// and simply reads the winner's row.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, wrap("upsert conversation", err)
	}
	if err == nil && res.UpsertedCount == 1 {
		return doc.toModel(), true, nil
	}
	existing, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, wrap("get conversation", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) UpdateConversationTitle(ctx context.Context, conversationID uuid.UUID, title string) (*model.Conversation, error) {
	return s.updateConversation(ctx, "update conversation title", conversationID, bson.M{"title": title})
}

func (s *MongoStore) SetVisibility(ctx context.Context, conversationID uuid.UUID, isPublic bool) (*model.Conversation, error) {
	return s.updateConversation(ctx, "set visibility", conversationID, bson.M{"is_public": isPublic})
}

func (s *MongoStore) updateConversation(ctx context.Context, op string, conversationID uuid.UUID, set bson.M) (*model.Conversation, error) {
	set["updated_at"] = mongoTime(s.now())
	res, err := s.conversations().UpdateOne(ctx, bson.M{"_id": conversationID.String()}, bson.M{"$set": set})
	if err != nil {
		return nil, wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return s.GetConversation(ctx, conversationID)
}

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	id := conversationID.String()
	res, err := s.conversations().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrap("delete conversation", err)
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: id}
	}
	if _, err := s.messages().DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return wrap("delete messages", err)
	}
	if _, err := s.grants().DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return wrap("delete grants", err)
	}
	return nil
}

// --- Grants ---

func (s *MongoStore) ListGrants(ctx context.Context, conversationID uuid.UUID) ([]model.AccessGrant, error) {
	cursor, err := s.grants().Find(ctx,
		bson.M{"conversation_id": conversationID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "grantee_user_id", Value: 1}}),
	)
	if err != nil {
		return nil, wrap("list grants", err)
	}
	var docs []grantDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list grants", err)
	}
	grants := make([]model.AccessGrant, len(docs))
	for i, d := range docs {
		grants[i] = d.toModel()
	}
	return grants, nil
}

func (s *MongoStore) PutGrant(ctx context.Context, grant model.AccessGrant) (*model.AccessGrant, error) {
	if grant.GranteeUserID == "" {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "grantee is required"}
	}
	if _, err := s.GetConversation(ctx, grant.ConversationID); err != nil {
		return nil, err
	}
	createdAt := grant.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	filter := bson.M{"conversation_id": grant.ConversationID.String(), "grantee_user_id": grant.GranteeUserID}
	_, err := s.grants().UpdateOne(ctx, filter,
		bson.M{
			"$set":         bson.M{"can_write": grant.CanWrite},
			"$setOnInsert": bson.M{"created_at": mongoTime(createdAt)},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, wrap("put grant", err)
	}
	if err != nil {
		// Lost an insert race; apply the flag to the winner's row.
		if _, err := s.grants().UpdateOne(ctx, filter, bson.M{"$set": bson.M{"can_write": grant.CanWrite}}); err != nil {
			return nil, wrap("put grant", err)
		}
	}
	var doc grantDoc
	if err := s.grants().FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, wrap("reload grant", err)
	}
	stored := doc.toModel()
	return &stored, nil
}

func (s *MongoStore) DeleteGrant(ctx context.Context, conversationID uuid.UUID, granteeUserID string) error {
	res, err := s.grants().DeleteOne(ctx, bson.M{"conversation_id": conversationID.String(), "grantee_user_id": granteeUserID})
	if err != nil {
		return wrap("delete grant", err)
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "grant", ID: granteeUserID}
	}
	return nil
}

// --- Messages ---

func (s *MongoStore) InsertMessageIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	if msg == nil || msg.ID == uuid.Nil {
		return nil, false, &registrystore.ValidationError{Field: "id", Message: "message id is required"}
	}
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return nil, false, err
	}
	row := *msg
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	doc := toMessageDoc(&row)

	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, wrap("insert message", err)
	}
	if err == nil && res.UpsertedCount == 1 {
		if _, err := s.conversations().UpdateOne(ctx,
			bson.M{"_id": doc.ConversationID},
			bson.M{"$max": bson.M{"last_activity_at": doc.CreatedAt}},
		); err != nil {
			return nil, false, wrap("touch conversation", err)
		}
		return doc.toModel(), true, nil
	}

	var existing messageDoc
	if err := s.messages().FindOne(ctx, bson.M{"_id": doc.ID}).Decode(&existing); err != nil {
		return nil, false, wrap("reload message", err)
	}
	return existing.toModel(), false, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": messageID.String(), "conversation_id": conversationID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID uuid.UUID, afterMessageID *uuid.UUID, limit int) ([]model.Message, error) {
	filter := bson.M{"conversation_id": conversationID.String()}
	if afterMessageID != nil {
		cursorMsg, err := s.GetMessage(ctx, conversationID, *afterMessageID)
		if err != nil {
			return nil, err
		}
		at := mongoTime(cursorMsg.CreatedAt)
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$gt": cursorMsg.ID.String()}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list messages", err)
	}
	msgs := make([]model.Message, len(docs))
	for i, d := range docs {
		msgs[i] = *d.toModel()
	}
	return msgs, nil
}

func (s *MongoStore) UpdateMessageAux(ctx context.Context, conversationID, messageID uuid.UUID, aux model.MessageAux) (*model.Message, error) {
	if aux.Empty() {
		return s.GetMessage(ctx, conversationID, messageID)
	}
	set := bson.M{}
	if aux.Reasoning != nil {
		set["reasoning"] = *aux.Reasoning
	}
	if len(aux.Sources) > 0 {
		set["sources"] = toSourceDocs(aux.Sources)
	}
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": messageID.String(), "conversation_id": conversationID.String()},
		bson.M{"$set": set},
	)
	if err != nil {
		return nil, wrap("update message aux", err)
	}
	if res.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return s.GetMessage(ctx, conversationID, messageID)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ registrystore.RemoteStore = (*MongoStore)(nil)
