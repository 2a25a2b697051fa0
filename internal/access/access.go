// Package access decides who may read or write a remote conversation and guards the
// owner-only sharing operations.
package access

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/model"
	registrycache "github.com/chirino/threadsync/internal/registry/cache"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/google/uuid"
)

// Decision is the outcome of resolving a caller against one conversation.
type Decision struct {
	CanRead  bool `json:"canRead"`
	CanWrite bool `json:"canWrite"`
	IsOwner  bool `json:"isOwner"`
}

// Permission is the minimum level an operation needs.
type Permission int

const (
	PermissionRead Permission = iota
	PermissionWrite
	PermissionOwner
)

func (d Decision) allows(p Permission) bool {
	switch p {
	case PermissionOwner:
		return d.IsOwner
	case PermissionWrite:
		return d.CanWrite
	default:
		return d.CanRead
	}
}

// Decide applies the precedence rules to a snapshot. callerID "" is anonymous.
// Ownership dominates explicit grants, which dominate public visibility.
func Decide(snapshot *registrycache.AccessSnapshot, callerID string) Decision {
	conv := &snapshot.Conversation
	if conv.IsOwnedBy(callerID) {
		return Decision{CanRead: true, CanWrite: true, IsOwner: true}
	}
	var d Decision
	if callerID != "" {
		if grant, ok := snapshot.GrantFor(callerID); ok {
			d.CanRead = true
			d.CanWrite = grant.CanWrite
		}
	}
	if conv.IsPublic {
		d.CanRead = true
	}
	return d
}

// Resolver resolves access through the access cache and performs sharing mutations.
type Resolver struct {
	store registrystore.RemoteStore
	cache registrycache.AccessCache
	ttl   time.Duration
	// invalidations counts Invalidate calls. A read-through fill that raced one is discarded.
	invalidations atomic.Uint64
}

// NewResolver returns a Resolver. cache may be nil.
func NewResolver(store registrystore.RemoteStore, cache registrycache.AccessCache, ttl time.Duration) *Resolver {
	return &Resolver{store: store, cache: cache, ttl: ttl}
}

func (r *Resolver) cacheEnabled() bool {
	return r.cache != nil && r.cache.Available()
}

// Snapshot loads the conversation and its grants, preferring the cache.
func (r *Resolver) Snapshot(ctx context.Context, conversationID uuid.UUID) (*registrycache.AccessSnapshot, error) {
	if r.cacheEnabled() {
		cached, err := r.cache.Get(ctx, conversationID)
		if err != nil {
			log.Warn("Access cache read failed", "conversation", conversationID, "err", err)
		}
		security.RecordCacheLookup(cached != nil)
		if cached != nil {
			return cached, nil
		}
	}

	gen := r.invalidations.Load()
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	grants, err := r.store.ListGrants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	snapshot := &registrycache.AccessSnapshot{Conversation: *conv, Grants: grants}
	if r.cacheEnabled() {
		r.fill(ctx, conversationID, snapshot, gen)
	}
	return snapshot, nil
}

// fill caches snapshot unless an invalidation happened since it was read at generation gen.
// An invalidation that lands while Set is in flight removes the entry again.
func (r *Resolver) fill(ctx context.Context, conversationID uuid.UUID, snapshot *registrycache.AccessSnapshot, gen uint64) {
	if r.invalidations.Load() != gen {
		return
	}
	if err := r.cache.Set(ctx, conversationID, *snapshot, r.ttl); err != nil {
		log.Warn("Access cache write failed", "conversation", conversationID, "err", err)
		return
	}
	if r.invalidations.Load() != gen {
		if err := r.cache.Remove(ctx, conversationID); err != nil {
			log.Warn("Access cache invalidation failed", "conversation", conversationID, "err", err)
		}
	}
}

// Resolve returns the caller's decision. A caller without read access gets a
// *registrystore.ForbiddenError; an unknown conversation a *registrystore.NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, conversationID uuid.UUID, callerID string) (Decision, error) {
	_, d, err := r.Check(ctx, conversationID, callerID, PermissionRead)
	return d, err
}

// Check resolves access and requires at least need.
func (r *Resolver) Check(ctx context.Context, conversationID uuid.UUID, callerID string, need Permission) (*registrycache.AccessSnapshot, Decision, error) {
	snapshot, err := r.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, Decision{}, err
	}
	d := Decide(snapshot, callerID)
	if !d.allows(need) {
		return snapshot, d, &registrystore.ForbiddenError{Anonymous: callerID == ""}
	}
	return snapshot, d, nil
}

// Invalidate drops the cached snapshot of a conversation.
func (r *Resolver) Invalidate(ctx context.Context, conversationID uuid.UUID) {
	r.invalidations.Add(1)
	if !r.cacheEnabled() {
		return
	}
	if err := r.cache.Remove(ctx, conversationID); err != nil {
		log.Warn("Access cache invalidation failed", "conversation", conversationID, "err", err)
	}
}

// SetVisibility toggles the public flag. Only the owner may do this, whatever the current state.
func (r *Resolver) SetVisibility(ctx context.Context, conversationID uuid.UUID, callerID string, isPublic bool) (*model.Conversation, error) {
	if _, _, err := r.Check(ctx, conversationID, callerID, PermissionOwner); err != nil {
		return nil, err
	}
	conv, err := r.store.SetVisibility(ctx, conversationID, isPublic)
	r.Invalidate(ctx, conversationID)
	return conv, err
}

// UpdateTitle renames a conversation; requires write access.
func (r *Resolver) UpdateTitle(ctx context.Context, conversationID uuid.UUID, callerID, title string) (*model.Conversation, error) {
	if _, _, err := r.Check(ctx, conversationID, callerID, PermissionWrite); err != nil {
		return nil, err
	}
	conv, err := r.store.UpdateConversationTitle(ctx, conversationID, title)
	r.Invalidate(ctx, conversationID)
	return conv, err
}

// DeleteConversation removes a conversation with its messages and grants; owner only.
func (r *Resolver) DeleteConversation(ctx context.Context, conversationID uuid.UUID, callerID string) error {
	if _, _, err := r.Check(ctx, conversationID, callerID, PermissionOwner); err != nil {
		return err
	}
	err := r.store.DeleteConversation(ctx, conversationID)
	r.Invalidate(ctx, conversationID)
	return err
}

// ListGrants returns the explicit grants; owner only.
func (r *Resolver) ListGrants(ctx context.Context, conversationID uuid.UUID, callerID string) ([]model.AccessGrant, error) {
	snapshot, _, err := r.Check(ctx, conversationID, callerID, PermissionOwner)
	if err != nil {
		return nil, err
	}
	return snapshot.Grants, nil
}

// PutGrant creates or updates a grant; owner only. The owner cannot grant to themselves.
func (r *Resolver) PutGrant(ctx context.Context, conversationID uuid.UUID, callerID, granteeUserID string, canWrite bool) (*model.AccessGrant, error) {
	if _, _, err := r.Check(ctx, conversationID, callerID, PermissionOwner); err != nil {
		return nil, err
	}
	if granteeUserID == "" {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "grantee is required"}
	}
	if granteeUserID == callerID {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "the owner already has full access"}
	}
	grant, err := r.store.PutGrant(ctx, model.AccessGrant{
		ConversationID: conversationID,
		GranteeUserID:  granteeUserID,
		CanWrite:       canWrite,
	})
	r.Invalidate(ctx, conversationID)
	return grant, err
}

// DeleteGrant revokes a grant; owner only.
func (r *Resolver) DeleteGrant(ctx context.Context, conversationID uuid.UUID, callerID, granteeUserID string) error {
	if _, _, err := r.Check(ctx, conversationID, callerID, PermissionOwner); err != nil {
		return err
	}
	err := r.store.DeleteGrant(ctx, conversationID, granteeUserID)
	r.Invalidate(ctx, conversationID)
	return err
}
