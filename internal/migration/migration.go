// Package migration moves a device's local conversations and messages into the remote
// store once the device's user signs in.
package migration

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/model"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/google/uuid"
)

// ErrUnauthenticated is returned when Migrate is called without a user id.
var ErrUnauthenticated = &registrystore.UnauthenticatedError{Op: "migrate"}

// LocalStore is the part of a device store the coordinator needs.
type LocalStore interface {
	GetAll() localstore.Snapshot
	Remove(localstore.Snapshot)
	MigrationState() model.MigrationState
	SetMigrationState(model.MigrationState)
}

// Summary reports what one Migrate call did.
type Summary struct {
	Created            int      `json:"created"`
	Existing           int      `json:"existing"`
	Conflicts          int      `json:"conflicts"`
	ConflictIDs        []string `json:"conflictIds"`
	MessagesInserted   int      `json:"messagesInserted"`
	MessagesExisting   int      `json:"messagesExisting"`
	MessageConflicts   int      `json:"messageConflicts"`
	MessageConflictIDs []string `json:"messageConflictIds"`
	NoOp               bool     `json:"noOp"`
	Token              string   `json:"token"`
}

func newSummary(token string) *Summary {
	return &Summary{ConflictIDs: []string{}, MessageConflictIDs: []string{}, Token: token}
}

// Coordinator migrates one local store into the remote store.
type Coordinator struct {
	local   LocalStore
	remote  registrystore.RemoteStore
	timeout time.Duration
	now     func() time.Time
}

// NewCoordinator returns a coordinator for local. A zero timeout means no deadline beyond ctx.
func NewCoordinator(local LocalStore, remote registrystore.RemoteStore, timeout time.Duration) *Coordinator {
	return &Coordinator{local: local, remote: remote, timeout: timeout, now: time.Now}
}

// Migrate copies every local record into the remote store on behalf of userID. Conversations
// already owned by someone else are skipped and reported as conflicts. Nothing is marked
// migrated unless every write succeeded; a failure returns a *store.TransientError and the
// next call picks up where this one stopped.
func (c *Coordinator) Migrate(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		security.RecordMigration("unauthenticated")
		return nil, ErrUnauthenticated
	}

	snap := c.local.GetAll()
	token := snap.Token()
	state := c.local.MigrationState()
	// A device that was migrated for another user migrates again for this one.
	if snap.Empty() || (state.Migrated && state.Token == token && state.UserID == userID) {
		security.RecordMigration("noop")
		s := newSummary(token)
		s.NoOp = true
		return s, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	summary, retained, err := c.copy(ctx, userID, snap, token)
	if err != nil {
		security.RecordMigration("transient")
		log.Warn("Migration failed; will retry", "user", userID, "err", err)
		return nil, err
	}

	now := c.now().UTC()
	c.local.SetMigrationState(model.MigrationState{
		Migrated:   true,
		Token:      retained.Token(),
		UserID:     userID,
		MigratedAt: &now,
	})
	c.local.Remove(migratedPart(snap, retained))

	outcome := "success"
	if summary.Conflicts > 0 || summary.MessageConflicts > 0 {
		outcome = "conflict"
	}
	security.RecordMigration(outcome)
	security.RecordMigratedRecords("conversation", "created", summary.Created)
	security.RecordMigratedRecords("conversation", "existing", summary.Existing)
	security.RecordMigratedRecords("conversation", "conflict", summary.Conflicts)
	security.RecordMigratedRecords("message", "created", summary.MessagesInserted)
	security.RecordMigratedRecords("message", "existing", summary.MessagesExisting)
	security.RecordMigratedRecords("message", "conflict", summary.MessageConflicts)
	log.Info("Migration complete",
		"user", userID,
		"created", summary.Created,
		"existing", summary.Existing,
		"conflicts", summary.Conflicts,
		"messagesInserted", summary.MessagesInserted,
		"messageConflicts", summary.MessageConflicts)
	return summary, nil
}

// copy writes snap to the remote store and returns the records that must stay local
// because their conversation belongs to another user.
func (c *Coordinator) copy(ctx context.Context, userID string, snap localstore.Snapshot, token string) (*Summary, localstore.Snapshot, error) {
	summary := newSummary(token)
	var retained localstore.Snapshot
	conflicted := map[uuid.UUID]bool{}

	for _, local := range snap.Conversations {
		if err := ctx.Err(); err != nil {
			return nil, retained, transient("migrate conversation", err)
		}
		conv := local
		conv.OwnerUserID = &userID
		remote, created, err := c.remote.UpsertConversationIfAbsent(ctx, &conv)
		if err != nil {
			return nil, retained, transient("migrate conversation", err)
		}
		switch {
		case created:
			summary.Created++
		case remote.IsOwnedBy(userID):
			summary.Existing++
		default:
			summary.Conflicts++
			summary.ConflictIDs = append(summary.ConflictIDs, local.ID.String())
			conflicted[local.ID] = true
			retained.Conversations = append(retained.Conversations, local)
		}
	}

	for _, local := range snap.Messages {
		if conflicted[local.ConversationID] {
			retained.Messages = append(retained.Messages, local)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, retained, transient("migrate message", err)
		}
		msg := local
		remote, created, err := c.remote.InsertMessageIfAbsent(ctx, &msg)
		if err != nil {
			return nil, retained, transient("migrate message", err)
		}
		switch {
		case created:
			summary.MessagesInserted++
		case remote.SameContent(&local):
			summary.MessagesExisting++
		default:
			summary.MessageConflicts++
			summary.MessageConflictIDs = append(summary.MessageConflictIDs, local.ID.String())
		}
	}
	return summary, retained, nil
}

// migratedPart returns snap without the records in retained.
func migratedPart(snap, retained localstore.Snapshot) localstore.Snapshot {
	keepConv := map[uuid.UUID]bool{}
	for _, c := range retained.Conversations {
		keepConv[c.ID] = true
	}
	var out localstore.Snapshot
	for _, c := range snap.Conversations {
		if !keepConv[c.ID] {
			out.Conversations = append(out.Conversations, c)
		}
	}
	for _, m := range snap.Messages {
		if !keepConv[m.ConversationID] {
			out.Messages = append(out.Messages, m)
		}
	}
	return out
}

func transient(op string, err error) error {
	var te *registrystore.TransientError
	if errors.As(err, &te) {
		return te
	}
	return &registrystore.TransientError{Op: op, Err: err}
}
