// Package reconcile maps provisional message ids, issued by clients before a write is
// confirmed, to the permanent ids the remote store assigns. Updates addressed to a
// provisional id are held until it resolves.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/model"
	"github.com/chirino/threadsync/internal/security"
	"github.com/google/uuid"
)

// Key builds a provisional key from its scope and the client's id. Routes scope keys by
// caller (and conversation, for messages) so equal client ids never collide.
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// ErrAbandoned is returned by Handle.Wait when the provisional id is given up on.
var ErrAbandoned = errors.New("provisional id abandoned")

// ErrAlreadyResolved is returned by Resolve when the provisional id maps to another id.
var ErrAlreadyResolved = errors.New("provisional id already resolved")

// Outcome tells the caller what Submit did with an update.
type Outcome int

const (
	// Applied means the update was written against a permanent id.
	Applied Outcome = iota
	// Queued means the update waits for its provisional id to resolve.
	Queued
)

func (o Outcome) String() string {
	if o == Queued {
		return "queued"
	}
	return "applied"
}

// Update is a deferred write against a message.
type Update struct {
	ConversationID uuid.UUID
	Aux            model.MessageAux
	SubmittedAt    time.Time
}

// ApplyFunc writes an update against a permanent message id.
type ApplyFunc func(ctx context.Context, permanentID string, u Update) error

// Options tunes queue expiry, mapping retention and the background sweep.
type Options struct {
	QueueTTL      time.Duration
	Grace         time.Duration
	SweepInterval time.Duration
}

type entry struct {
	registeredAt time.Time
	permanentID  string
	resolvedAt   time.Time
	queued       []Update
	done         chan struct{}
	abandoned    bool
}

func (e *entry) resolved() bool { return e.permanentID != "" }

// Reconciler is safe for concurrent use.
type Reconciler struct {
	apply ApplyFunc
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Reconciler that writes resolved updates through apply.
func New(apply ApplyFunc, opts Options) *Reconciler {
	return &Reconciler{
		apply:   apply,
		opts:    opts,
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// Handle lets a caller wait for one provisional id to resolve.
type Handle struct {
	r  *Reconciler
	id string
	e  *entry
}

// ID returns the provisional id.
func (h *Handle) ID() string { return h.id }

// Wait blocks until the provisional id resolves and returns the permanent id.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.e.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.e.abandoned {
		return "", ErrAbandoned
	}
	return h.e.permanentID, nil
}

// RegisterProvisional records id as awaiting a permanent id. Registering the same id again
// returns a handle on the existing registration.
func (r *Reconciler) RegisterProvisional(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{registeredAt: r.now(), done: make(chan struct{})}
		r.entries[id] = e
	}
	return &Handle{r: r, id: id, e: e}
}

// Resolve maps provisionalID to permanentID and applies every queued update for it, in
// submission order. Apply failures are logged and returned joined; the mapping stands.
func (r *Reconciler) Resolve(ctx context.Context, provisionalID, permanentID string) error {
	if permanentID == "" {
		return fmt.Errorf("resolve %s: empty permanent id", provisionalID)
	}

	r.mu.Lock()
	e, ok := r.entries[provisionalID]
	if !ok {
		e = &entry{registeredAt: r.now(), done: make(chan struct{})}
		r.entries[provisionalID] = e
	}
	if e.resolved() {
		existing := e.permanentID
		r.mu.Unlock()
		if existing == permanentID {
			return nil
		}
		return fmt.Errorf("resolve %s to %s: %w as %s", provisionalID, permanentID, ErrAlreadyResolved, existing)
	}
	e.permanentID = permanentID
	e.resolvedAt = r.now()
	queued := e.queued
	e.queued = nil
	close(e.done)
	r.mu.Unlock()

	var errs []error
	for _, u := range queued {
		if err := r.apply(ctx, permanentID, u); err != nil {
			log.Warn("Queued update failed", "provisionalId", provisionalID, "permanentId", permanentID, "err", err)
			security.RecordProvisionalUpdate("failed")
			errs = append(errs, err)
			continue
		}
		security.RecordProvisionalUpdate("flushed")
	}
	return errors.Join(errs...)
}

// Lookup returns the permanent id for id, or id itself while it is unresolved or unknown.
func (r *Reconciler) Lookup(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.resolved() {
		return e.permanentID
	}
	return id
}

// Watch returns a handle on id when it is registered. Unlike RegisterProvisional it never
// creates a registration.
func (r *Reconciler) Watch(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return &Handle{r: r, id: id, e: e}, true
}

// Pending reports whether id is registered and still unresolved.
func (r *Reconciler) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && !e.resolved()
}

// Submit applies u against id. A resolved provisional id is translated first; an
// unresolved one queues u. Ids the reconciler has never seen are taken as permanent.
func (r *Reconciler) Submit(ctx context.Context, id string, u Update) (Outcome, error) {
	if u.SubmittedAt.IsZero() {
		u.SubmittedAt = r.now()
	}

	r.mu.Lock()
	target := id
	if e, ok := r.entries[id]; ok {
		if !e.resolved() {
			e.queued = append(e.queued, u)
			r.mu.Unlock()
			security.RecordProvisionalUpdate("queued")
			return Queued, nil
		}
		target = e.permanentID
	}
	r.mu.Unlock()

	if err := r.apply(ctx, target, u); err != nil {
		return Applied, err
	}
	security.RecordProvisionalUpdate("applied")
	return Applied, nil
}

// Abandon forgets id, dropping its queued updates and releasing any waiters.
func (r *Reconciler) Abandon(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	var dropped int
	if ok && !e.resolved() {
		dropped = len(e.queued)
		e.queued = nil
		e.abandoned = true
		close(e.done)
	}
	r.mu.Unlock()

	if dropped > 0 {
		log.Warn("Dropped queued updates for abandoned provisional id", "provisionalId", id, "count", dropped)
		for i := 0; i < dropped; i++ {
			security.RecordProvisionalUpdate("dropped")
		}
	}
}

// SweepStats reports what one Sweep removed.
type SweepStats struct {
	Expired   int
	Retired   int
	Abandoned int
}

// Sweep drops queued updates older than the queue TTL, retires mappings resolved longer
// than the grace period ago, and abandons registrations that never resolved within it.
func (r *Reconciler) Sweep(now time.Time) SweepStats {
	var stats SweepStats
	type expiredGroup struct {
		id    string
		count int
	}
	var expired []expiredGroup

	r.mu.Lock()
	for id, e := range r.entries {
		switch {
		case e.resolved():
			if r.opts.Grace > 0 && now.Sub(e.resolvedAt) > r.opts.Grace {
				delete(r.entries, id)
				stats.Retired++
			}
		default:
			if r.opts.QueueTTL > 0 && len(e.queued) > 0 {
				kept := e.queued[:0]
				n := 0
				for _, u := range e.queued {
					if now.Sub(u.SubmittedAt) > r.opts.QueueTTL {
						n++
						continue
					}
					kept = append(kept, u)
				}
				e.queued = kept
				if n > 0 {
					expired = append(expired, expiredGroup{id: id, count: n})
					stats.Expired += n
				}
			}
			if r.opts.Grace > 0 && len(e.queued) == 0 && now.Sub(e.registeredAt) > r.opts.Grace {
				delete(r.entries, id)
				e.abandoned = true
				close(e.done)
				stats.Abandoned++
			}
		}
	}
	r.mu.Unlock()

	for _, g := range expired {
		log.Warn("Dropped expired queued updates", "provisionalId", g.id, "count", g.count, "ttl", r.opts.QueueTTL)
		for i := 0; i < g.count; i++ {
			security.RecordProvisionalUpdate("expired")
		}
	}
	return stats
}

// Start sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	if r == nil || r.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.Sweep(r.now())
			if stats != (SweepStats{}) {
				log.Debug("Provisional sweep", "expired", stats.Expired, "retired", stats.Retired, "abandoned", stats.Abandoned)
			}
		}
	}
}

// Mappings lists the resolved mappings still retained.
func (r *Reconciler) Mappings() []model.ProvisionalMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ProvisionalMapping
	for id, e := range r.entries {
		if e.resolved() {
			out = append(out, model.ProvisionalMapping{ProvisionalID: id, PermanentID: e.permanentID, ResolvedAt: e.resolvedAt})
		}
	}
	return out
}
