package entry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okreda1/ignite/entry"
)

// newTestCache builds a Cache with in-memory collaborators and a fast TTL
// sweep, cleaned up automatically at test end.
func newTestCache(t *testing.T, opts ...entry.Option) *entry.Cache {
	t.Helper()
	c, _ := newTestCacheWithWAL(t, opts...)
	return c
}

// newTestCacheWithWAL is newTestCache but also exposes the MemWAL so tests
// can assert on appended records.
func newTestCacheWithWAL(t *testing.T, opts ...entry.Option) (*entry.Cache, *entry.MemWAL) {
	t.Helper()
	rows, err := entry.NewLRUStore(1024)
	require.NoError(t, err)
	wal := entry.NewMemWAL()
	ctx := entry.NewContext(1, rows, wal, opts...)
	c := entry.NewCache(context.Background(), ctx, 20*time.Millisecond)
	t.Cleanup(c.Close)
	return c, wal
}

// --- fakes ------------------------------------------------------------

type vetoInterceptor struct{ veto bool }

func (v vetoInterceptor) OnBeforePut(_ *entry.CacheObject, candidate *entry.CacheObject) (*entry.CacheObject, bool) {
	if v.veto {
		return nil, false
	}
	return candidate, true
}
func (vetoInterceptor) OnAfterPut(entry.EntryView) {}
func (vetoInterceptor) OnBeforeRemove(_ *entry.CacheObject) (bool, *entry.CacheObject) {
	return false, nil
}
func (vetoInterceptor) OnAfterRemove(entry.EntryView) {}

// useOldResolver keeps the existing value whenever there is one; a write
// to a key with no value yet has nothing to conflict with and is accepted.
type useOldResolver struct{}

func (useOldResolver) Resolve(old, _ *entry.CacheObject, _, _ entry.Version, _ bool) entry.ConflictDecision {
	if old == nil {
		return entry.ConflictUseNew
	}
	return entry.ConflictUseOld
}
func (useOldResolver) Merge(old, _ *entry.CacheObject) *entry.CacheObject { return old }

type fakeStore struct {
	values map[string]*entry.CacheObject
	onLoad func()
}

func newFakeStore() *fakeStore { return &fakeStore{values: map[string]*entry.CacheObject{}} }

func (s *fakeStore) Load(_ context.Context, key []byte) (*entry.CacheObject, bool, error) {
	if s.onLoad != nil {
		s.onLoad()
	}
	v, ok := s.values[string(key)]
	return v, ok, nil
}

func (s *fakeStore) Store(_ context.Context, key []byte, value *entry.CacheObject) error {
	if value == nil {
		delete(s.values, string(key))
		return nil
	}
	s.values[string(key)] = value
	return nil
}

// --- scenarios ----------------------------------------------------------

// Scenario: atomicUpdate(OpTransform) on a missing key creates it, and
// per §8 scenario 1 the WAL record for that creation carries op=CREATE,
// not UPDATE.
func TestScenario_TransformOnMissingCreatesEntry(t *testing.T) {
	c, wal := newTestCacheWithWAL(t)
	e := c.GetOrCreate([]byte("k1"), 1, 0)
	ctx := context.Background()

	res, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpTransform,
		Processor: func(_ context.Context, current *entry.CacheObject, hadValue bool) (*entry.CacheObject, bool, any, error) {
			require.False(t, hadValue)
			require.Nil(t, current)
			return entry.NewCacheObject("created"), true, nil, nil
		},
		NewVersion: entry.StartVersion.Next(0, 1),
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeSuccess, res.Outcome)
	require.True(t, res.Transformed)
	require.Equal(t, "created", res.NewValue.Value())

	val, _, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "created", val.Value())

	recs := wal.Records()
	require.Len(t, recs, 1)
	require.Equal(t, entry.WALCreate, recs[0].Op, "transform creating a missing entry must log op=CREATE, not UPDATE")
}

// Invariant: a subsequent atomic update on an already-present value logs
// op=UPDATE, distinguishing it from the creating write above.
func TestScenario_AtomicUpdateOnExistingValueLogsUpdate(t *testing.T) {
	c, wal := newTestCacheWithWAL(t)
	e := c.GetOrCreate([]byte("k1b"), 1, 0)
	ctx := context.Background()

	v1 := entry.StartVersion.Next(0, 1)
	_, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("first"), NewVersion: v1})
	require.NoError(t, err)

	v2 := v1.Next(0, 1)
	_, err = e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("second"), NewVersion: v2})
	require.NoError(t, err)

	recs := wal.Records()
	require.Len(t, recs, 2)
	require.Equal(t, entry.WALCreate, recs[0].Op)
	require.Equal(t, entry.WALUpdate, recs[1].Op)
}

// Scenario: conflict resolver answers USE_OLD, update is rejected.
func TestScenario_ConflictUseOldRejectsUpdate(t *testing.T) {
	c := newTestCache(t, entry.WithConflictResolver(useOldResolver{}))
	e := c.GetOrCreate([]byte("k2"), 1, 0)
	ctx := context.Background()

	v1 := entry.StartVersion.Next(0, 1)
	_, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("first"), NewVersion: v1,
	})
	require.NoError(t, err)

	v2 := v1.Next(0, 1)
	res, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("second"), NewVersion: v2,
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeConflictUseOld, res.Outcome)

	val, ver, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", val.Value())
	require.Equal(t, v1, ver)
}

// Scenario: interceptor vetoes a put, no state changes.
func TestScenario_InterceptorVetoLeavesStateUnchanged(t *testing.T) {
	c := newTestCache(t, entry.WithInterceptor(vetoInterceptor{veto: true}))
	e := c.GetOrCreate([]byte("k3"), 1, 0)
	ctx := context.Background()

	res, err := e.Set(ctx, entry.SetArgs{
		Value: entry.NewCacheObject("x"), Version: entry.StartVersion.Next(0, 1), InterceptorEnabled: true,
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeInterceptorCancel, res.Outcome)

	_, _, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.False(t, found)
}

// Scenario: a value with a short TTL is gone by the time Get() observes it.
func TestScenario_TTLExpiresDuringGet(t *testing.T) {
	c := newTestCache(t, entry.WithExpiryPolicy(entry.FixedPolicy{Create: time.Millisecond}))
	e := c.GetOrCreate([]byte("k4"), 1, 0)
	ctx := context.Background()

	_, err := e.Set(ctx, entry.SetArgs{Value: entry.NewCacheObject("soon-gone"), Version: entry.StartVersion.Next(0, 1)})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, _, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.False(t, found, "expired value must not be visible from Get")
}

// Scenario: near-cache rejects a Set carrying a DHT version no newer than
// the one it already recorded.
func TestScenario_NearCacheRejectsStaleDHTVersion(t *testing.T) {
	c := newTestCache(t, entry.WithNear(true))
	e := c.GetOrCreate([]byte("k5"), 1, 0)
	ctx := context.Background()

	dhtV1 := entry.StartVersion.Next(0, 1)
	res, err := e.Set(ctx, entry.SetArgs{
		Value: entry.NewCacheObject("v1"), Version: dhtV1, DHTVersion: &dhtV1,
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeSuccess, res.Outcome)

	res, err = e.Set(ctx, entry.SetArgs{
		Value: entry.NewCacheObject("stale"), Version: dhtV1, DHTVersion: &dhtV1,
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeUnchanged, res.Outcome)

	val, _, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", val.Value())
}

// Scenario: Reload discards a load that raced with a concurrent write
// landing while the load itself was in flight (§8 scenario 6) — Reload
// captures its starting version, loads through the external store with
// no lock held, and only installs the result if the version hasn't
// drifted in the meantime.
func TestScenario_ReloadDiscardsOnConcurrentWrite(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, entry.WithExternalStore(store))
	e := c.GetOrCreate([]byte("k6"), 1, 0)
	ctx := context.Background()
	store.values["k6"] = entry.NewCacheObject("from-store")

	v1 := entry.StartVersion.Next(0, 1)
	_, err := e.Set(ctx, entry.SetArgs{Value: entry.NewCacheObject("original"), Version: v1})
	require.NoError(t, err)

	// Racing writer lands while Reload's Load() call is in flight, i.e.
	// after Reload captured its starting version but before it
	// re-acquires the entry lock.
	store.onLoad = func() {
		v2 := v1.Next(0, 1)
		_, err := e.Set(ctx, entry.SetArgs{Value: entry.NewCacheObject("winner"), Version: v2})
		require.NoError(t, err)
	}

	_, err = e.Reload(ctx)
	require.NoError(t, err)

	val, ver, found, err := e.Get(ctx, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "winner", val.Value(), "the racing writer's value must survive, not the stale load")
	require.Equal(t, v1.Next(0, 1), ver)
}

// Invariant: once obsolete, every operation fails with ErrEntryRemoved.
func TestInvariant_ObsoleteRejectsAllOperations(t *testing.T) {
	c := newTestCache(t)
	e := c.GetOrCreate([]byte("k7"), 1, 0)
	ctx := context.Background()

	ok, err := e.MarkObsolete(ctx, entry.StartVersion)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, _, err = e.Get(ctx, false)
	require.ErrorIs(t, err, entry.ErrEntryRemoved)

	_, err = e.Set(ctx, entry.SetArgs{Value: entry.NewCacheObject("x"), Version: entry.StartVersion.Next(0, 1)})
	require.ErrorIs(t, err, entry.ErrEntryRemoved)
}

// Invariant: marking an already-obsolete entry obsolete again succeeds
// (idempotent), never errors.
func TestInvariant_MarkObsoleteIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	e := c.GetOrCreate([]byte("k8"), 1, 0)
	ctx := context.Background()

	ok1, err := e.MarkObsolete(ctx, entry.StartVersion)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := e.MarkObsolete(ctx, entry.StartVersion)
	require.NoError(t, err)
	require.True(t, ok2)
}

// Invariant: a version-check replay (same version presented twice) fails
// the check but, when it's a write-through primary, still writes through
// so the external store doesn't diverge from a retried update.
func TestInvariant_VersionCheckReplayStillWritesThrough(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, entry.WithExternalStore(store))
	e := c.GetOrCreate([]byte("k9"), 1, 0)
	ctx := context.Background()

	v1 := entry.StartVersion.Next(0, 1)
	_, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("a"), NewVersion: v1,
		VerCheck: true, WriteThrough: true, Primary: true,
	})
	require.NoError(t, err)

	res, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpUpdate, WriteObj: entry.NewCacheObject("a-retry"), NewVersion: v1,
		VerCheck: true, WriteThrough: true, Primary: true,
	})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeVersionCheckFailed, res.Outcome)
	require.Equal(t, "a-retry", store.values["k9"].Value())
}
