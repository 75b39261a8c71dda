package entry

import (
	"context"
	"time"
)

// AcquireCandidate adds tx's MVCC candidate to this entry's lock list
// (C4), emitting LOCKED if it becomes the new owner. local distinguishes
// a same-node claim from a remote one (§4.4).
func (e *Entry) AcquireCandidate(ctx context.Context, tx TxContext, local bool) (gotOwner bool, err error) {
	err = e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		mvcc := (&e.extras).mvccOrInit()
		var tr lockTransition
		if local {
			tr = mvcc.addLocal(tx.Version(), tx.NodeID(), 0, e.ctx.IsNear)
		} else {
			tr = mvcc.addRemote(tx.Version(), e.ctx.NodeID, tx.NodeID())
		}
		if tr == becameOwner {
			gotOwner = true
			e.ctx.Listeners().emit(Event{Code: EventLocked, Key: e.key, Version: tx.Version(), At: time.Now()})
		}
		return deferredCallbacks{}, nil
	})
	return gotOwner, err
}

// ReleaseCandidate removes tx's MVCC candidate, emitting UNLOCKED if it
// held ownership.
func (e *Entry) ReleaseCandidate(ctx context.Context, tx TxContext) error {
	return e.withMutation(ctx, func() (deferredCallbacks, error) {
		mvcc := e.extras.mvccList()
		if mvcc.removeByVersion(tx.Version()) == lostOwnership {
			e.ctx.Listeners().emit(Event{Code: EventUnlocked, Key: e.key, Version: tx.Version(), At: time.Now()})
		}
		return deferredCallbacks{}, nil
	})
}

// TxSetArgs bundles C9's transactional set inputs.
type TxSetArgs struct {
	Tx                 TxContext
	Value              *CacheObject
	TTL                time.Duration
	ExplicitExpireTime time.Time
	InterceptorEnabled bool
	WriteThrough       bool
}

// TxSet is C9's transactional mutator. Ownership is checked strictly
// against the MVCC list — callers that want the one-phase-commit bypass
// use Set with args.Tx.IsOnePhaseCommitPrimary() instead. WAL emission is
// skipped for a remote transaction, since its updates are batched at
// commit time by the TM (§4.3), and write-through happens outside the
// entry lock: the transaction's own commit protocol owns that ordering,
// not this entry.
func (e *Entry) TxSet(ctx context.Context, args TxSetArgs) (UpdateResult, error) {
	var (
		result  UpdateResult
		toStore *CacheObject
		doStore bool
	)
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		mvcc := e.extras.mvccList()
		if !mvcc.isOwnedBy(args.Tx.Version()) {
			return deferredCallbacks{}, ErrEntryRemoved
		}

		oldValue := e.value
		writeObj := args.Value
		if args.InterceptorEnabled {
			substituted, ok := e.ctx.Interceptor.OnBeforePut(oldValue, writeObj)
			if !ok {
				result = UpdateResult{Outcome: OutcomeInterceptorCancel, OldValue: oldValue}
				return deferredCallbacks{}, nil
			}
			writeObj = substituted
		}

		newTTL := computeTTL(time.Now(), e.extras.ttlOrZero(), oldValue != nil, args.TTL, args.ExplicitExpireTime, e.ctx.ExpiryPolicy)
		newVer := args.Tx.Version()

		if !isRemoteTx(e.ctx.NodeID, args.Tx) {
			if _, err := e.appendWAL(opForWAL(oldValue, WALUpdate), newVer, writeObj, newTTL.expireTime, txNearXid(args.Tx)); err != nil {
				return deferredCallbacks{}, err
			}
		}

		if err := e.writeRowLocked(newVer, writeObj, newTTL.expireTime); err != nil {
			return deferredCallbacks{}, err
		}

		e.deleted = false
		e.value = writeObj
		e.version = newVer
		e.extras = e.extras.withTTL(newTTL)
		e.updateCounter++
		counter := e.updateCounter

		e.ctx.Listeners().emit(Event{Code: EventPut, Key: e.key, Value: writeObj, Old: oldValue, Version: newVer, At: time.Now()})

		cb := deferredCallbacks{}
		if e.ctx.DREnabled {
			cb.doDR = true
			cb.drKey, cb.drValue, cb.drVer, cb.drType = e.key, writeObj, newVer, DRPrimary
		}
		view := EntryView{Key: e.key, Value: writeObj, OldValue: oldValue, Version: newVer, UpdateCounter: counter}
		cb.afterPut = func() { e.ctx.Interceptor.OnAfterPut(view) }

		result = UpdateResult{Outcome: OutcomeSuccess, OldValue: oldValue, NewValue: writeObj, Version: newVer}
		if args.WriteThrough {
			toStore, doStore = writeObj, true
		}
		return cb, nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if doStore && e.ctx.ExternalStore != nil {
		if serr := e.ctx.ExternalStore.Store(ctx, e.key, toStore); serr != nil {
			return result, wrapStorage(serr, "tx set: write-through")
		}
	}
	return result, nil
}

// TxRemoveArgs bundles C9's transactional remove inputs.
type TxRemoveArgs struct {
	Tx                 TxContext
	InterceptorEnabled bool
	WriteThrough       bool
}

// TxRemove mirrors TxSet for deletes. Tombstoning still follows whichever
// of the two disciplines (§4.1) the cache is configured for. The MVCC
// list may still carry other waiters after this call (§4.3). TxRemove
// removes no candidate; the caller releases its own with a separate
// ReleaseCandidate.
func (e *Entry) TxRemove(ctx context.Context, args TxRemoveArgs) (UpdateResult, error) {
	var (
		result  UpdateResult
		doStore bool
	)
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		mvcc := e.extras.mvccList()
		if !mvcc.isOwnedBy(args.Tx.Version()) {
			return deferredCallbacks{}, ErrEntryRemoved
		}

		oldValue := e.value
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

		oldVer := e.version
		newVer := args.Tx.Version()
		if !isRemoteTx(e.ctx.NodeID, args.Tx) {
			if _, err := e.appendWAL(WALDelete, newVer, nil, time.Time{}, txNearXid(args.Tx)); err != nil {
				return deferredCallbacks{}, err
			}
		}
		if err := e.removeRowLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		e.version = newVer
		e.updateCounter++
		counter := e.updateCounter

		cb := e.tombstoneLocked(ctx, oldVer, oldValue, DRPrimary)

		if e.ctx.TrackReaders && !args.Tx.HasOtherActiveTransactions(args.Tx.NodeID(), e.key) {
			e.extras = dropReaderLocked(e.extras, args.Tx.NodeID())
		}

		e.ctx.Listeners().emit(Event{Code: EventRemoved, Key: e.key, Old: oldValue, Version: newVer, At: time.Now()})

		view := EntryView{Key: e.key, OldValue: oldValue, Version: newVer, UpdateCounter: counter}
		cb.afterRem = func() { e.ctx.Interceptor.OnAfterRemove(view) }

		result = UpdateResult{Outcome: OutcomeSuccess, OldValue: oldValue, Version: newVer}
		doStore = args.WriteThrough
		return cb, nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if doStore && e.ctx.ExternalStore != nil {
		if serr := e.ctx.ExternalStore.Store(ctx, e.key, nil); serr != nil {
			return result, wrapStorage(serr, "tx remove: write-through")
		}
	}
	return result, nil
}

// isRemoteTx reports whether tx originated on a node other than
// localNode. Remote transaction updates are batched by the TM at commit
// time and do not emit their own WAL records (§4.3); the TM replays them
// through its own batched WAL append instead.
func isRemoteTx(localNode NodeID, tx TxContext) bool {
	return tx.NodeID() != localNode
}
