package entry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Entry is C7: the per-key state machine. One Entry exists per live key
// per partition. It is created lazily on first touch with StartVersion
// and no value (§3 Lifecycle) and is destroyed either by explicit removal
// plus immediate obsolete-marking (non-deferred caches) or by passing
// through the deferred-delete queue after tombstoning.
//
// Locking discipline (§5), enforced by withMutation/withRead: acquire the
// cache's listener lock in read mode, then the entry lock; release entry
// lock, then listener lock; run deferred callbacks outside both.
type Entry struct {
	ctx       *Context
	key       []byte
	hash      uint64
	partition uint32

	mu *entryMu

	value   *CacheObject
	version Version
	extras  *entryExtras

	deleted          bool
	unswapped        bool
	evictionDisabled bool

	// nearDhtVersion is the last DHT version recorded by a near-cache Set
	// call (§4.1 set step 1); nil until the first one arrives.
	nearDhtVersion *Version

	updateCounter int64
}

// newEntry lazily creates an Entry at StartVersion with no value (§3).
func newEntry(ctx *Context, key []byte, hash uint64, partition uint32) *Entry {
	return &Entry{
		ctx:       ctx,
		key:       append([]byte(nil), key...),
		hash:      hash,
		partition: partition,
		mu:        newEntryMu(),
		version:   StartVersion,
	}
}

// TryLockEntry attempts to acquire the entry lock within timeout, so a
// stuck entry never blocks a diagnostic caller (§5).
func (e *Entry) TryLockEntry(timeout time.Duration) bool {
	return e.mu.TryLockTimeout(timeout)
}

func (e *Entry) UnlockEntry() {
	e.mu.Unlock()
}

func (e *Entry) String() string {
	if !e.TryLockEntry(10 * time.Millisecond) {
		return fmt.Sprintf("Entry{key=%x, <locked>}", e.key)
	}
	defer e.UnlockEntry()
	return fmt.Sprintf("Entry{key=%x, version=%s, deleted=%v, obsolete=%v}",
		e.key, e.version, e.deleted, e.isObsoleteLocked())
}

func (e *Entry) isObsoleteLocked() bool {
	_, ok := e.extras.obsolete()
	return ok
}

// withMutation implements §5's full sequence for a mutating operation:
// listener RLock, entry lock, fn(), entry unlock, listener RUnlock, then
// deferred callbacks outside both locks.
func (e *Entry) withMutation(ctx context.Context, fn func() (deferredCallbacks, error)) error {
	listen := e.ctx.Listeners()
	listen.RLock()
	e.mu.Lock()
	cb, err := fn()
	e.mu.Unlock()
	listen.RUnlock()
	listen.run(ctx, cb)
	return err
}

// withRead is withMutation's read-only counterpart: no deferred callback
// collection is strictly required, but get() can still trigger an
// expiration tombstone, so it reuses the same shape.
func (e *Entry) withRead(ctx context.Context, fn func() (deferredCallbacks, error)) error {
	return e.withMutation(ctx, fn)
}

// checkObsoleteLocked enforces invariant 1: once obsolete, every
// operation fails with ErrEntryRemoved and performs no row mutation.
func (e *Entry) checkObsoleteLocked() error {
	if e.isObsoleteLocked() {
		return ErrEntryRemoved
	}
	return nil
}

func (e *Entry) logger() *zap.Logger { return e.ctx.logger }

// Get implements §4.1 get(). The expiry policy is taken from the
// Context, and the version is always returned alongside the value.
func (e *Entry) Get(ctx context.Context, readThrough bool) (*CacheObject, Version, bool, error) {
	var (
		val   *CacheObject
		ver   Version
		found bool
	)
	err := e.withRead(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}

		if e.version.IsStart() && !e.unswapped {
			row, ok, rerr := e.ctx.RowStore.Read(e.ctx.CacheID, e.key)
			if rerr != nil {
				return deferredCallbacks{}, wrapStorage(rerr, "entry: get row read")
			}
			e.unswapped = true
			if ok {
				e.value = row.Value
				e.version = row.Version
				if !row.ExpireTime.IsZero() {
					e.extras = e.extras.withTTL(ttlState{expireTime: row.ExpireTime})
				}
			}
		}

		ttl := e.extras.ttlOrZero()
		now := time.Now()
		if e.value != nil && isExpired(ttl, now) {
			cb := e.expireLocked(ctx, now)
			return cb, nil
		}

		if e.value == nil && readThrough && e.ctx.ExternalStore != nil {
			loadedAny, shErr, _ := e.ctx.loader.Do(string(e.key), func() (any, error) {
				obj, ok, lerr := e.ctx.ExternalStore.Load(ctx, e.key)
				if lerr != nil {
					return nil, lerr
				}
				if !ok {
					return nil, nil
				}
				return obj, nil
			})
			if shErr != nil {
				return deferredCallbacks{}, shErr
			}
			if loadedAny != nil {
				if e.version.IsStart() {
					loaded := loadedAny.(*CacheObject)
					newVer := e.version.Next(0, e.ctx.DCID)
					if err := e.writeRowLocked(newVer, loaded, e.extras.ttlOrZero().expireTime); err != nil {
						return deferredCallbacks{}, err
					}
					e.value = loaded
					e.version = newVer
				}
			}
		}

		if e.value != nil && e.ctx.ExpiryPolicy != nil {
			if newTTL, changed := computeAccessTTL(now, e.extras.ttlOrZero(), e.ctx.ExpiryPolicy); changed {
				e.extras = e.extras.withTTL(newTTL)
				_ = e.writeRowLocked(e.version, e.value, newTTL.expireTime)
			}
		}

		val, ver, found = e.value, e.version, e.value != nil
		if found {
			e.ctx.Listeners().emit(Event{Code: EventRead, Key: e.key, Value: val, Version: ver, At: now})
		}
		return deferredCallbacks{}, nil
	})
	return val, ver, found, err
}

// writeRowLocked persists (value, version, expireTime) to the row store,
// maintaining invariant 4 (row ≡ memory after any mutation). Must be
// called with the entry lock held.
func (e *Entry) writeRowLocked(ver Version, value *CacheObject, expireTime time.Time) error {
	return e.ctx.RowStore.Invoke(e.ctx.CacheID, e.key, e.partition, func(current *Row) (RowOp, *Row, error) {
		row := &Row{Key: e.key, Value: value, Version: ver, ExpireTime: expireTime}
		if current != nil {
			return RowOpInPlace, row, nil
		}
		return RowOpPut, row, nil
	})
}

func (e *Entry) removeRowLocked() error {
	return e.ctx.RowStore.Invoke(e.ctx.CacheID, e.key, e.partition, func(current *Row) (RowOp, *Row, error) {
		if current == nil {
			return RowOpNoop, nil, nil
		}
		return RowOpRemove, nil, nil
	})
}

// expireLocked implements §4.1 expire(): emits EXPIRED with the
// pre-expiry value, drops the row, and follows remove's tombstoning
// discipline. Must be called with the entry lock (and listener rlock)
// held; returns the deferred callbacks for the caller to run afterward.
func (e *Entry) expireLocked(ctx context.Context, now time.Time) deferredCallbacks {
	old := e.value
	oldVer := e.version
	if err := e.removeRowLocked(); err != nil {
		e.logger().Warn("expire: row remove failed", zap.Error(err))
	}
	e.value = nil
	e.extras = e.extras.withTTL(ttlState{})

	e.ctx.Listeners().emit(Event{Code: EventExpired, Key: e.key, Old: old, Version: oldVer, At: now})

	return e.tombstoneLocked(ctx, oldVer, old, DRNone)
}

// Expire is the public entry point driven by a TTL tracker (cache.go); it
// wraps expireLocked with the full §5 locking sequence and is a no-op if
// expireTime has not yet passed.
func (e *Entry) Expire(ctx context.Context) error {
	return e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, nil //nolint: nilerr // obsolete entries are simply skipped by the tracker
		}
		ttl := e.extras.ttlOrZero()
		now := time.Now()
		if e.value == nil || !isExpired(ttl, now) {
			return deferredCallbacks{}, nil
		}
		return e.expireLocked(ctx, now), nil
	})
}

// tombstoneLocked applies the two coexisting tombstoning disciplines of
// §4.1 remove/expire: deferred-delete caches mark deleted=true and
// enqueue for the external queue; non-deferred caches attempt immediate
// obsolete-marking at prevVer, which only succeeds when the MVCC list
// holds no candidate at any other version. Both happen here, under the
// entry lock. Must be called with the entry lock held.
func (e *Entry) tombstoneLocked(ctx context.Context, prevVer Version, prevVal *CacheObject, drType DRType) deferredCallbacks {
	var cb deferredCallbacks
	if e.ctx.DeferredDelete {
		e.deleted = true
		e.ctx.enqueueDeferredDelete(e, prevVer)
	} else {
		e.tryMarkObsoleteLocked(prevVer)
	}
	if e.ctx.DREnabled && drType != DRNone {
		cb.doDR = true
		cb.drKey, cb.drValue, cb.drVer, cb.drType = e.key, nil, prevVer, drType
	}
	return cb
}

// MarkObsolete is idempotent (§4.1): returns true if already obsolete.
// Fails (returns false) when eviction is disabled or the MVCC list holds
// any candidate, owner or queued, whose version differs from the
// obsolete candidate.
func (e *Entry) MarkObsolete(ctx context.Context, candidate Version) (bool, error) {
	var ok bool
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		ok = e.tryMarkObsoleteLocked(candidate)
		return deferredCallbacks{}, nil
	})
	return ok, err
}

func (e *Entry) tryMarkObsoleteLocked(candidate Version) bool {
	if v, already := e.extras.obsolete(); already {
		return v == candidate || true // idempotent: already obsolete counts as success either way
	}
	if e.evictionDisabled {
		return false
	}
	mvcc := e.extras.mvccList()
	if !mvcc.isEmptyExcluding(candidate) {
		return false
	}
	e.extras.setObsolete(candidate)
	return true
}

// Reload implements §4.1 reload(): loads through the external store with
// no lock held, then re-acquires the lock and installs the loaded value
// only if the version hasn't drifted in the meantime.
func (e *Entry) Reload(ctx context.Context) (*CacheObject, error) {
	if e.ctx.ExternalStore == nil {
		return nil, nil
	}

	e.mu.Lock()
	startVer := e.version
	e.mu.Unlock()

	loadedAny, shErr, _ := e.ctx.loader.Do("reload:"+string(e.key), func() (any, error) {
		obj, ok, lerr := e.ctx.ExternalStore.Load(ctx, e.key)
		if lerr != nil {
			return nil, lerr
		}
		if !ok {
			return (*CacheObject)(nil), nil
		}
		return obj, nil
	})
	if shErr != nil {
		return nil, shErr
	}
	loaded, _ := loadedAny.(*CacheObject)

	var installed *CacheObject
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		if e.version != startVer {
			// Version drifted while we were loading: another writer won.
			// Discard the loaded value, per §8 scenario 6.
			return deferredCallbacks{}, nil
		}
		if loaded == nil {
			return deferredCallbacks{}, nil
		}
		newVer := e.version.Next(0, e.ctx.DCID)
		if err := e.writeRowLocked(newVer, loaded, e.extras.ttlOrZero().expireTime); err != nil {
			return deferredCallbacks{}, err
		}
		e.value = loaded
		e.version = newVer
		installed = loaded
		return deferredCallbacks{}, nil
	})
	if err != nil {
		return nil, err
	}
	if installed == nil {
		return loaded, nil
	}
	return installed, nil
}
