package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/threadsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type applied struct {
	id        string
	reasoning string
}

type recorder struct {
	mu   sync.Mutex
	got  []applied
	fail error
}

func (r *recorder) apply(_ context.Context, id string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	reasoning := ""
	if u.Aux.Reasoning != nil {
		reasoning = *u.Aux.Reasoning
	}
	r.got = append(r.got, applied{id: id, reasoning: reasoning})
	return nil
}

func (r *recorder) calls() []applied {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]applied{}, r.got...)
}

func upd(reasoning string) Update {
	return Update{Aux: model.MessageAux{Reasoning: &reasoning}}
}

func newTestReconciler(rec *recorder, clock *time.Time) *Reconciler {
	r := New(rec.apply, Options{QueueTTL: time.Minute, Grace: 10 * time.Minute})
	r.now = func() time.Time { return *clock }
	return r
}

func TestQueuedUpdatesFlushInOrder(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	r.RegisterProvisional("tmp-1")
	for _, step := range []string{"a", "b", "c"} {
		out, err := r.Submit(ctx, "tmp-1", upd(step))
		require.NoError(t, err)
		assert.Equal(t, Queued, out)
	}
	assert.Empty(t, rec.calls())
	assert.Equal(t, "tmp-1", r.Lookup("tmp-1"))

	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	assert.Equal(t, []applied{{"perm-1", "a"}, {"perm-1", "b"}, {"perm-1", "c"}}, rec.calls())
	assert.Equal(t, "perm-1", r.Lookup("tmp-1"))

	out, err := r.Submit(ctx, "tmp-1", upd("d"))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, applied{"perm-1", "d"}, rec.calls()[3])
}

func TestSubmitUnknownIDAppliesDirectly(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)

	out, err := r.Submit(context.Background(), "perm-9", upd("x"))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, []applied{{"perm-9", "x"}}, rec.calls())
}

func TestSubmitPropagatesApplyError(t *testing.T) {
	rec := &recorder{fail: errors.New("boom")}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)

	_, err := r.Submit(context.Background(), "perm-9", upd("x"))
	require.Error(t, err)
}

func TestResolveTwice(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	r.RegisterProvisional("tmp-1")
	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	require.ErrorIs(t, r.Resolve(ctx, "tmp-1", "perm-2"), ErrAlreadyResolved)
	require.Error(t, r.Resolve(ctx, "tmp-2", ""))
}

func TestHandleWait(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)

	h := r.RegisterProvisional("tmp-1")
	assert.Same(t, h.e, r.RegisterProvisional("tmp-1").e)

	done := make(chan string, 1)
	go func() {
		id, err := h.Wait(context.Background())
		if err == nil {
			done <- id
		}
		close(done)
	}()
	require.NoError(t, r.Resolve(context.Background(), "tmp-1", "perm-1"))
	select {
	case id := <-done:
		assert.Equal(t, "perm-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}

	pending := r.RegisterProvisional("tmp-2")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := pending.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbandon(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	h := r.RegisterProvisional("tmp-1")
	_, err := r.Submit(ctx, "tmp-1", upd("a"))
	require.NoError(t, err)

	r.Abandon("tmp-1")
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.False(t, r.Pending("tmp-1"))

	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	assert.Empty(t, rec.calls())
}

func TestSweepExpiresQueuedUpdates(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	r.RegisterProvisional("tmp-1")
	_, err := r.Submit(ctx, "tmp-1", upd("old"))
	require.NoError(t, err)
	clock = clock.Add(50 * time.Second)
	_, err = r.Submit(ctx, "tmp-1", upd("new"))
	require.NoError(t, err)

	stats := r.Sweep(clock.Add(20 * time.Second))
	assert.Equal(t, 1, stats.Expired)

	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	assert.Equal(t, []applied{{"perm-1", "new"}}, rec.calls())
}

func TestSweepRetiresMappings(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	r.RegisterProvisional("tmp-1")
	require.NoError(t, r.Resolve(ctx, "tmp-1", "perm-1"))
	stale := r.RegisterProvisional("tmp-2")
	require.Len(t, r.Mappings(), 1)

	stats := r.Sweep(clock.Add(5 * time.Minute))
	assert.Equal(t, SweepStats{}, stats)
	assert.Equal(t, "perm-1", r.Lookup("tmp-1"))

	stats = r.Sweep(clock.Add(11 * time.Minute))
	assert.Equal(t, 1, stats.Retired)
	assert.Equal(t, 1, stats.Abandoned)
	assert.Equal(t, "tmp-1", r.Lookup("tmp-1"))
	assert.Empty(t, r.Mappings())

	_, err := stale.Wait(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestConcurrentSubmitAndResolve(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()
	r.RegisterProvisional("tmp-1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Submit(ctx, "tmp-1", upd("x"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Resolve(ctx, "tmp-1", "perm-1")
	}()
	wg.Wait()

	calls := rec.calls()
	assert.Len(t, calls, 50)
	for _, c := range calls {
		assert.Equal(t, "perm-1", c.id)
	}
}

func TestLookupReturnsInputWithoutMapping(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)

	assert.Equal(t, "never-seen", r.Lookup("never-seen"))
	r.RegisterProvisional("tmp-1")
	assert.Equal(t, "tmp-1", r.Lookup("tmp-1"))
	require.NoError(t, r.Resolve(context.Background(), "tmp-1", "perm-1"))
	assert.Equal(t, "perm-1", r.Lookup("tmp-1"))
}

func TestWatchDoesNotRegister(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)

	_, ok := r.Watch("tmp-1")
	assert.False(t, ok)
	assert.False(t, r.Pending("tmp-1"))

	r.RegisterProvisional("tmp-1")
	h, ok := r.Watch("tmp-1")
	require.True(t, ok)
	require.NoError(t, r.Resolve(context.Background(), "tmp-1", "perm-1"))
	id, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "perm-1", id)
}

func TestKeysFromDifferentScopesDoNotCollide(t *testing.T) {
	rec := &recorder{}
	clock := time.Now()
	r := newTestReconciler(rec, &clock)
	ctx := context.Background()

	alice := Key("alice", "message", "tmp-1")
	bob := Key("bob", "message", "tmp-1")
	require.NotEqual(t, alice, bob)

	r.RegisterProvisional(alice)
	r.RegisterProvisional(bob)
	require.NoError(t, r.Resolve(ctx, alice, "perm-a"))
	require.NoError(t, r.Resolve(ctx, bob, "perm-b"))
	assert.Equal(t, "perm-a", r.Lookup(alice))
	assert.Equal(t, "perm-b", r.Lookup(bob))
}
