package tableacl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacl/aclsync/internal/bus"
	"github.com/openacl/aclsync/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *bus.LocalBus) {
	t.Helper()

	st := store.NewMemoryStore()
	b := bus.NewLocalBus()

	mgr, err := NewManager(context.Background(), Config{}, st, b)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	return mgr, st, b
}

func TestManagerReadAbsentDefault(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	rec := mgr.Get("unknown")
	require.NotNil(t, rec)
	assert.True(t, rec.IsEmpty())
	assert.Equal(t, 0, rec.Tables("anyone").Cardinality())
}

func TestManagerWriteThenRead(t *testing.T) {
	mgr, st, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))

	// visible through the cache
	rec := mgr.Get("p1")
	assert.True(t, rec.IsDenied("alice", "t1"))

	// and durably persisted at the derived path
	data, err := st.Get(ctx, "table_acl/p1")
	require.NoError(t, err)

	stored := &TableACL{}
	require.NoError(t, json.Unmarshal(data, stored))
	assert.True(t, stored.IsDenied("alice", "t1"))
}

func TestManagerDeleteIdempotence(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))

	require.NoError(t, mgr.Delete(ctx, "p1", "alice", "t1"))
	first := mgr.Get("p1")

	require.NoError(t, mgr.Delete(ctx, "p1", "alice", "t1"))
	second := mgr.Get("p1")

	assert.Equal(t, first, second)
	assert.True(t, second.IsEmpty())
}

func TestManagerDeleteTableIsolation(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))
	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t2"))
	require.NoError(t, mgr.Add(ctx, "p1", "bob", "t1"))
	require.NoError(t, mgr.Add(ctx, "p2", "carol", "t1"))

	require.NoError(t, mgr.DeleteTable(ctx, "p1", "t1"))

	// t1 removed for every user in p1, t2 untouched
	rec := mgr.Get("p1")
	assert.False(t, rec.IsDenied("alice", "t1"))
	assert.True(t, rec.IsDenied("alice", "t2"))
	assert.False(t, rec.IsDenied("bob", "t1"))

	// other projects untouched
	assert.True(t, mgr.Get("p2").IsDenied("carol", "t1"))
}

func TestManagerCaseInsensitiveProject(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, "MyProject", "alice", "t1"))
	assert.True(t, mgr.Get("myproject").IsDenied("alice", "t1"))
	assert.True(t, mgr.Get("MYPROJECT").IsDenied("alice", "t1"))
}

// The end-to-end scenario: add, add, delete entry, delete user.
func TestManagerScenario(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Add(ctx, "p1", "bob", "orders"))
	rec := mgr.Get("p1")
	assert.True(t, rec.IsDenied("bob", "orders"))
	assert.Equal(t, 1, rec.Tables("bob").Cardinality())

	require.NoError(t, mgr.Add(ctx, "p1", "bob", "users"))
	rec = mgr.Get("p1")
	assert.True(t, rec.IsDenied("bob", "orders"))
	assert.True(t, rec.IsDenied("bob", "users"))

	require.NoError(t, mgr.Delete(ctx, "p1", "bob", "orders"))
	rec = mgr.Get("p1")
	assert.False(t, rec.IsDenied("bob", "orders"))
	assert.True(t, rec.IsDenied("bob", "users"))

	require.NoError(t, mgr.DeleteUser(ctx, "p1", "bob"))
	assert.True(t, mgr.Get("p1").IsEmpty())
}

func TestManagerStartupLoad(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.NewLocalBus()
	ctx := context.Background()

	seed := NewTableACL().Add("alice", "t1")
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "table_acl/p1", data, time.Now()))

	// a freshly constructed manager must not perturb peers
	handler := &recordingHandler{}
	_, err = b.Subscribe(DefaultTopic, handler)
	require.NoError(t, err)

	mgr, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgr.Close()

	assert.True(t, mgr.Get("p1").IsDenied("alice", "t1"))
	assert.Empty(t, handler.changes)
	assert.Zero(t, handler.clearAlls)
}

func TestManagerInitFailure(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), listErr: errors.New("store unreachable")}

	_, err := NewManager(context.Background(), Config{}, st, bus.NewLocalBus())
	require.Error(t, err)
	assert.ErrorContains(t, err, "store unreachable")
}

// A mutation via instance A becomes visible on instance B through the bus,
// without B re-reading the whole namespace.
func TestManagerReconciliation(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.NewLocalBus()
	ctx := context.Background()

	counting := &countingStore{Store: st}

	mgrA, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgrA.Close()

	mgrB, err := NewManager(ctx, Config{}, counting, b)
	require.NoError(t, err)
	defer mgrB.Close()

	listsAfterInit := counting.lists.Load()

	require.NoError(t, mgrA.Add(ctx, "p1", "alice", "t1"))

	// LocalBus delivery is synchronous, B is already reconciled
	assert.True(t, mgrB.Get("p1").IsDenied("alice", "t1"))

	// a single-record re-read, not a full reload
	assert.Equal(t, listsAfterInit, counting.lists.Load())
}

func TestManagerLostUpdatePrevention(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	users := []string{"alice", "bob", "carol", "dave"}

	for _, user := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.Add(ctx, "p1", user, "t1"))
		}()
	}
	wg.Wait()

	// every concurrent add persisted, none overwrote another
	rec := mgr.Get("p1")
	for _, user := range users {
		assert.True(t, rec.IsDenied(user, "t1"), "user %s lost", user)
	}
}

func TestManagerMutationFailureNoSideEffect(t *testing.T) {
	st := store.NewMemoryStore()
	flaky := &flakyStore{Store: st}
	ctx := context.Background()

	mgr, err := NewManager(ctx, Config{}, flaky, bus.NewLocalBus())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))

	flaky.putErr = errors.New("disk full")
	err = mgr.Add(ctx, "p1", "alice", "t2")
	require.Error(t, err)

	// the cache still serves the last durable state
	rec := mgr.Get("p1")
	assert.True(t, rec.IsDenied("alice", "t1"))
	assert.False(t, rec.IsDenied("alice", "t2"))
}

func TestManagerReconciliationFailureIsolated(t *testing.T) {
	st := store.NewMemoryStore()
	flaky := &flakyStore{Store: st}
	b := bus.NewLocalBus()
	ctx := context.Background()

	mgrA, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgrA.Close()

	mgrB, err := NewManager(ctx, Config{}, flaky, b)
	require.NoError(t, err)
	defer mgrB.Close()

	// B's re-read fails: its entry stays stale, nothing crashes and the
	// publisher's mutation still succeeds
	flaky.getErr = errors.New("store unreachable")
	require.NoError(t, mgrA.Add(ctx, "p1", "alice", "t1"))
	assert.True(t, mgrB.Get("p1").IsEmpty())

	// the next event reconciles B again
	flaky.getErr = nil
	require.NoError(t, mgrA.Add(ctx, "p1", "alice", "t2"))
	rec := mgrB.Get("p1")
	assert.True(t, rec.IsDenied("alice", "t1"))
	assert.True(t, rec.IsDenied("alice", "t2"))
}

func TestManagerClearAllEvent(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.NewLocalBus()
	ctx := context.Background()

	mgr, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgr.Close()

	var resets atomic.Int32
	mgr.setResetHook(func() { resets.Add(1) })

	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))
	require.NoError(t, b.PublishClearAll(ctx, DefaultTopic))

	assert.True(t, mgr.Get("p1").IsEmpty())
	assert.Equal(t, int32(1), resets.Load())
}

// A broadcast failure after the record is durably written does not fail the
// mutation: the writer's cache is current and peers repair on a later event.
func TestManagerPublishFailureAfterWrite(t *testing.T) {
	st := store.NewMemoryStore()
	b := &failingPublishBus{Bus: bus.NewLocalBus()}
	ctx := context.Background()

	mgr, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgr.Close()

	b.publishErr = errors.New("relay unreachable")
	require.NoError(t, mgr.Add(ctx, "p1", "alice", "t1"))

	// cache and store both reflect the write
	assert.True(t, mgr.Get("p1").IsDenied("alice", "t1"))
	data, err := st.Get(ctx, "table_acl/p1")
	require.NoError(t, err)

	stored := &TableACL{}
	require.NoError(t, json.Unmarshal(data, stored))
	assert.True(t, stored.IsDenied("alice", "t1"))
}

func TestManagerCloseUnsubscribes(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.NewLocalBus()
	ctx := context.Background()

	mgrA, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)
	defer mgrA.Close()

	mgrB, err := NewManager(ctx, Config{}, st, b)
	require.NoError(t, err)

	require.NoError(t, mgrB.Close())

	// B no longer reconciles after close
	require.NoError(t, mgrA.Add(ctx, "p1", "alice", "t1"))
	assert.True(t, mgrB.Get("p1").IsEmpty())
}

// failingPublishBus injects publish failures into an underlying bus.
type failingPublishBus struct {
	bus.Bus
	publishErr error
}

func (f *failingPublishBus) PublishEntityChange(ctx context.Context, topic string, key string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.Bus.PublishEntityChange(ctx, topic, key)
}

// flakyStore injects failures into an underlying store.
type flakyStore struct {
	store.Store
	getErr  error
	putErr  error
	listErr error
}

func (f *flakyStore) Get(ctx context.Context, path string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.Get(ctx, path)
}

func (f *flakyStore) Put(ctx context.Context, path string, data []byte, ts time.Time) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, path, data, ts)
}

func (f *flakyStore) ListRecursive(ctx context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListRecursive(ctx, prefix)
}

// countingStore counts listing calls to tell a full reload from an
// incremental reconcile.
type countingStore struct {
	store.Store
	lists atomic.Int64
}

func (c *countingStore) ListRecursive(ctx context.Context, prefix string) ([]string, error) {
	c.lists.Add(1)
	return c.Store.ListRecursive(ctx, prefix)
}
