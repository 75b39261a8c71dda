package entry

import (
	"context"
	"time"
)

// SetArgs bundles the inputs to C7's set() (§4.1).
type SetArgs struct {
	Value              *CacheObject
	TTL                time.Duration
	ExplicitExpireTime time.Time
	Version            Version
	DRType             DRType
	InterceptorEnabled bool
	WriteThrough       bool
	DHTVersion         *Version // non-nil only for near-cache callers
	Tx                 TxContext
}

// Set implements §4.1 set(). Contract: tx either holds the logical lock
// on this key (verified against the MVCC list) or the caller is applying
// a one-phase-commit primary update.
func (e *Entry) Set(ctx context.Context, args SetArgs) (UpdateResult, error) {
	var result UpdateResult
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		if err := e.checkTxOwnershipLocked(args.Tx); err != nil {
			return deferredCallbacks{}, err
		}

		// Step 1: near-cache DHT version bookkeeping.
		if e.ctx.IsNear && args.DHTVersion != nil {
			if e.nearDhtVersion != nil && args.DHTVersion.CompareAtomic(*e.nearDhtVersion) <= 0 {
				result = UpdateResult{Outcome: OutcomeUnchanged, Version: e.version}
				return deferredCallbacks{}, nil
			}
			v := *args.DHTVersion
			e.nearDhtVersion = &v
		}

		writeObj := args.Value
		oldValue := e.value
		oldVer := e.version

		// Step 2: interceptor before-put.
		if args.InterceptorEnabled {
			substituted, ok := e.ctx.Interceptor.OnBeforePut(oldValue, writeObj)
			if !ok {
				result = UpdateResult{Outcome: OutcomeInterceptorCancel, OldValue: oldValue}
				return deferredCallbacks{}, nil
			}
			writeObj = substituted
		}

		// Step 3: compute TTL/expireTime.
		newTTL := computeTTL(time.Now(), e.extras.ttlOrZero(), oldValue != nil, args.TTL, args.ExplicitExpireTime, e.ctx.ExpiryPolicy)

		// Step 4: write row.
		if err := e.writeRowLocked(args.Version, writeObj, newTTL.expireTime); err != nil {
			return deferredCallbacks{}, err
		}

		if args.WriteThrough && e.ctx.ExternalStore != nil {
			if err := e.ctx.ExternalStore.Store(ctx, e.key, writeObj); err != nil {
				return deferredCallbacks{}, wrapStorage(err, "set: write-through")
			}
		}

		// Step 6: WAL.
		ptr, err := e.appendWAL(opForWAL(oldValue, WALUpdate), args.Version, writeObj, newTTL.expireTime, txNearXid(args.Tx))
		if err != nil {
			return deferredCallbacks{}, err
		}
		_ = ptr

		// Step 5 & 7: clear deleted, update state.
		e.deleted = false
		e.value = writeObj
		e.version = args.Version
		e.extras = e.extras.withTTL(newTTL)
		e.evictionDisabled = false
		e.updateCounter++
		counter := e.updateCounter

		e.ctx.Listeners().emit(Event{Code: EventPut, Key: e.key, Value: writeObj, Old: oldValue, Version: args.Version, At: time.Now()})

		cb := deferredCallbacks{}
		// Step 8: DR notify.
		if e.ctx.DREnabled && args.DRType != DRNone {
			cb.doDR = true
			cb.drKey, cb.drValue, cb.drVer, cb.drType = e.key, writeObj, args.Version, args.DRType
		}
		cb.doPush = true
		cb.pushKey, cb.pushValue, cb.pushVer = e.key, writeObj, args.Version
		view := EntryView{Key: e.key, Value: writeObj, OldValue: oldValue, Version: args.Version, UpdateCounter: counter}
		cb.afterPut = func() { e.ctx.Interceptor.OnAfterPut(view) }

		result = UpdateResult{Outcome: OutcomeSuccess, OldValue: oldValue, NewValue: writeObj, Version: args.Version}
		_ = oldVer
		return cb, nil
	})
	return result, err
}

// RemoveArgs bundles the inputs to C7's remove() (§4.1).
type RemoveArgs struct {
	Version            Version
	DRType             DRType
	InterceptorEnabled bool
	WriteThrough       bool
	Tx                 TxContext
}

// Remove implements §4.1 remove(). Mirrors Set but writes a tombstone,
// using whichever of the two coexisting tombstoning disciplines (§3
// Lifecycle, §4.1) the cache is configured for.
func (e *Entry) Remove(ctx context.Context, args RemoveArgs) (UpdateResult, error) {
	var result UpdateResult
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		if err := e.checkTxOwnershipLocked(args.Tx); err != nil {
			return deferredCallbacks{}, err
		}

		oldValue := e.value
		oldVer := e.version
		if oldValue == nil {
			result = UpdateResult{Outcome: OutcomeRemoveNoVal}
			return deferredCallbacks{}, nil
		}

		if args.InterceptorEnabled {
			if cancel, _ := e.ctx.Interceptor.OnBeforeRemove(oldValue); cancel {
				result = UpdateResult{Outcome: OutcomeInterceptorCancel, OldValue: oldValue}
				return deferredCallbacks{}, nil
			}
		}

		if args.WriteThrough && e.ctx.ExternalStore != nil {
			if err := e.ctx.ExternalStore.Store(ctx, e.key, nil); err != nil {
				return deferredCallbacks{}, wrapStorage(err, "remove: write-through")
			}
		}

		if _, err := e.appendWAL(WALDelete, args.Version, nil, time.Time{}, txNearXid(args.Tx)); err != nil {
			return deferredCallbacks{}, err
		}

		if err := e.removeRowLocked(); err != nil {
			return deferredCallbacks{}, err
		}

		e.version = args.Version
		e.updateCounter++
		counter := e.updateCounter

		cb := e.tombstoneLocked(ctx, oldVer, oldValue, args.DRType)

		// DHT reader-list cleanup: drop the reader only if the originating
		// node has no other active transactions on this entry (§4.1).
		if e.ctx.TrackReaders && args.Tx != nil {
			if !args.Tx.HasOtherActiveTransactions(args.Tx.NodeID(), e.key) {
				e.extras = dropReaderLocked(e.extras, args.Tx.NodeID())
			}
		}

		e.ctx.Listeners().emit(Event{Code: EventRemoved, Key: e.key, Old: oldValue, Version: args.Version, At: time.Now()})

		view := EntryView{Key: e.key, OldValue: oldValue, Version: args.Version, UpdateCounter: counter}
		cb.afterRem = func() { e.ctx.Interceptor.OnAfterRemove(view) }

		result = UpdateResult{Outcome: OutcomeSuccess, OldValue: oldValue, Version: args.Version}
		return cb, nil
	})
	return result, err
}

func opForWAL(oldValue *CacheObject, fallback WALOp) WALOp {
	if oldValue == nil {
		return WALCreate
	}
	return fallback
}

func txNearXid(tx TxContext) *Version {
	if tx == nil {
		return nil
	}
	v := tx.NearXidVersion()
	return &v
}

// checkTxOwnershipLocked enforces C9's lock-ownership rule: tx must hold
// the MVCC-list owner slot with its own version, unless it is a
// one-phase-commit primary applying on behalf of its coordinator.
func (e *Entry) checkTxOwnershipLocked(tx TxContext) error {
	if tx == nil {
		return nil
	}
	if tx.IsOnePhaseCommitPrimary() {
		return nil
	}
	mvcc := e.extras.mvccList()
	if !mvcc.isOwnedBy(tx.Version()) {
		return ErrEntryRemoved // caller issued a mutation without holding the claimed lock; treated as a fresh-lookup-required condition like an obsolete entry
	}
	return nil
}

// dropReaderLocked is the hook for the DHT reader-list cleanup of §4.1
// remove. entryExtras stores no reader list, so it returns x unchanged.
func dropReaderLocked(x *entryExtras, _ NodeID) *entryExtras {
	return x
}
