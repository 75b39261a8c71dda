package entry

import (
	"context"
	"time"
)

// AtomicUpdateArgs bundles the inputs to C8's closure (§4.1 atomicUpdate,
// §4.2).
type AtomicUpdateArgs struct {
	Op                 AtomicOp
	WriteObj           *CacheObject
	Processor          EntryProcessor
	NewVersion         Version
	VerCheck           bool
	WriteThrough       bool
	ReadThrough         bool
	Primary            bool
	ExplicitTTL        time.Duration
	ExplicitExpireTime time.Time
	InvokeArgs         any
}

// AtomicUpdate is C7's atomicUpdate(), delegating the single critical
// section to atomicUpdateLocked (C8) under the full §5 locking sequence.
func (e *Entry) AtomicUpdate(ctx context.Context, args AtomicUpdateArgs) (AtomicResult, error) {
	var result AtomicResult
	err := e.withMutation(ctx, func() (deferredCallbacks, error) {
		if err := e.checkObsoleteLocked(); err != nil {
			return deferredCallbacks{}, err
		}
		res, cb, err := e.atomicUpdateLocked(ctx, args)
		result = res
		return cb, err
	})
	return result, err
}

// atomicUpdateLocked is the 13-step closure of §4.2. Must be called with
// the entry lock (and listener rlock) already held.
func (e *Entry) atomicUpdateLocked(ctx context.Context, args AtomicUpdateArgs) (AtomicResult, deferredCallbacks, error) {
	now := time.Now()

	// Step 1: expiry check on the old row.
	if e.value != nil && isExpired(e.extras.ttlOrZero(), now) {
		e.ctx.Listeners().emit(Event{Code: EventExpired, Key: e.key, Old: e.value, Version: e.version, At: now})
		if err := e.removeRowLocked(); err != nil {
			return AtomicResult{}, deferredCallbacks{}, wrapStorage(err, "atomic: drop expired row")
		}
		e.value = nil
		e.extras = e.extras.withTTL(ttlState{})
	}

	oldValue := e.value
	oldVer := e.version
	hadValue := oldValue != nil
	op := args.Op
	writeObj := args.WriteObj

	// Step 2: read-through.
	if !hadValue && args.ReadThrough && e.ctx.ExternalStore != nil && op != OpDelete {
		loadedAny, shErr, _ := e.ctx.loader.Do(string(e.key), func() (any, error) {
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
			return AtomicResult{}, deferredCallbacks{}, shErr
		}
		if loaded, _ := loadedAny.(*CacheObject); loaded != nil {
			oldValue = loaded
			hadValue = true
		}
	}

	var invokeResult any
	var invokeErr error
	transformed := false

	// Step 3: transform.
	if op == OpTransform {
		newVal, modified, res, perr := safeInvoke(args.Processor, ctx, oldValue, hadValue)
		invokeResult, invokeErr = res, perr
		if perr != nil || !modified {
			return AtomicResult{Outcome: OutcomeInvokeNoOp, OldValue: oldValue, InvokeResult: invokeResult, InvokeError: invokeErr}, deferredCallbacks{}, nil
		}
		transformed = true
		if newVal == nil {
			op = OpDelete
		} else {
			op = OpUpdate
			writeObj = newVal
		}
	}

	// Step 4: conflict resolve.
	var conflictCtx *ConflictContext
	skipVerCheck := false
	if e.ctx.ConflictResolver != nil && op == OpUpdate {
		decision := e.ctx.ConflictResolver.Resolve(oldValue, writeObj, oldVer, args.NewVersion, args.VerCheck)
		conflictCtx = &ConflictContext{OldVersion: oldVer, NewVersion: args.NewVersion, Decision: decision}
		skipVerCheck = true
		switch decision {
		case ConflictUseOld:
			if args.WriteThrough && args.Primary && oldVer.DCID == args.NewVersion.DCID && e.ctx.ExternalStore != nil {
				if err := e.ctx.ExternalStore.Store(ctx, e.key, oldValue); err != nil {
					return AtomicResult{}, deferredCallbacks{}, wrapStorage(err, "atomic: write-through on conflict use-old")
				}
			}
			return AtomicResult{Outcome: OutcomeConflictUseOld, OldValue: oldValue, ConflictCtx: conflictCtx}, deferredCallbacks{}, nil
		case ConflictMerge:
			writeObj = e.ctx.ConflictResolver.Merge(oldValue, writeObj)
			conflictCtx.Merged = writeObj
		case ConflictUseNew:
			// proceed with writeObj unchanged
		}
	}

	// Step 5: version check.
	if !skipVerCheck && args.VerCheck {
		cmp := args.NewVersion.CompareAtomic(oldVer)
		if cmp <= 0 {
			if cmp == 0 && args.WriteThrough && args.Primary && e.ctx.ExternalStore != nil {
				if err := e.ctx.ExternalStore.Store(ctx, e.key, writeObj); err != nil {
					return AtomicResult{}, deferredCallbacks{}, wrapStorage(err, "atomic: write-through on replay")
				}
			}
			return AtomicResult{Outcome: OutcomeVersionCheckFailed, OldValue: oldValue}, deferredCallbacks{}, nil
		}
	}

	// Step 6: filter.
	for _, f := range e.ctx.Filters {
		if !f(e.key, oldValue) {
			if e.ctx.ExpiryPolicy != nil && hadValue {
				if newTTL, changed := computeAccessTTL(now, e.extras.ttlOrZero(), e.ctx.ExpiryPolicy); changed {
					e.extras = e.extras.withTTL(newTTL)
					_ = e.writeRowLocked(oldVer, oldValue, newTTL.expireTime)
				}
			}
			return AtomicResult{Outcome: OutcomeFilterFailed, OldValue: oldValue}, deferredCallbacks{}, nil
		}
	}

	// Step 7: interceptor.
	if op == OpDelete {
		if cancel, _ := e.ctx.Interceptor.OnBeforeRemove(oldValue); cancel {
			return AtomicResult{Outcome: OutcomeInterceptorCancel, OldValue: oldValue}, deferredCallbacks{}, nil
		}
	} else {
		substituted, ok := e.ctx.Interceptor.OnBeforePut(oldValue, writeObj)
		if !ok {
			return AtomicResult{Outcome: OutcomeInterceptorCancel, OldValue: oldValue}, deferredCallbacks{}, nil
		}
		writeObj = substituted
	}

	// Step 8: TTL/expireTime compute.
	var newTTL ttlState
	if op == OpUpdate {
		newTTL = computeTTL(now, e.extras.ttlOrZero(), hadValue, args.ExplicitTTL, args.ExplicitExpireTime, e.ctx.ExpiryPolicy)
		if !newTTL.eternal() && !newTTL.expireTime.After(now) {
			op = OpDelete
		}
	}

	if op == OpDelete {
		return e.atomicDeleteLocked(ctx, oldValue, oldVer, args, invokeResult, invokeErr, transformed, conflictCtx)
	}
	return e.atomicPutLocked(ctx, oldValue, oldVer, writeObj, newTTL, args, invokeResult, invokeErr, transformed, conflictCtx)
}

func (e *Entry) atomicPutLocked(ctx context.Context, oldValue *CacheObject, oldVer Version, writeObj *CacheObject, newTTL ttlState, args AtomicUpdateArgs, invokeResult any, invokeErr error, transformed bool, conflictCtx *ConflictContext) (AtomicResult, deferredCallbacks, error) {
	// Step 9: write-through, inside the critical section by design (§4.2
	// step 9: the only ordering that guarantees store/cache agreement
	// when notifications fire).
	if args.WriteThrough && e.ctx.ExternalStore != nil {
		if err := e.ctx.ExternalStore.Store(ctx, e.key, writeObj); err != nil {
			return AtomicResult{}, deferredCallbacks{}, wrapStorage(err, "atomic: write-through")
		}
	}

	// Step 10: WAL.
	ptr, err := e.appendWAL(opForWAL(oldValue, WALUpdate), args.NewVersion, writeObj, newTTL.expireTime, nil)
	if err != nil {
		return AtomicResult{}, deferredCallbacks{}, err
	}

	// Step 11: row op.
	if err := e.writeRowLocked(args.NewVersion, writeObj, newTTL.expireTime); err != nil {
		return AtomicResult{}, deferredCallbacks{}, err
	}

	// Step 12: in-memory state.
	e.value = writeObj
	e.version = args.NewVersion
	e.extras = e.extras.withTTL(newTTL)
	e.deleted = false
	e.evictionDisabled = false
	e.updateCounter++

	e.ctx.Listeners().emit(Event{Code: EventPut, Key: e.key, Value: writeObj, Old: oldValue, Version: args.NewVersion, At: time.Now()})

	cb := deferredCallbacks{}
	if e.ctx.DREnabled {
		cb.doDR = true
		cb.drKey, cb.drValue, cb.drVer, cb.drType = e.key, writeObj, args.NewVersion, DRPrimary
	}
	cb.doPush = true
	cb.pushKey, cb.pushValue, cb.pushVer = e.key, writeObj, args.NewVersion
	counter := e.updateCounter
	view := EntryView{Key: e.key, Value: writeObj, OldValue: oldValue, Version: args.NewVersion, UpdateCounter: counter}
	cb.afterPut = func() { e.ctx.Interceptor.OnAfterPut(view) }

	return AtomicResult{
		Outcome: OutcomeSuccess, OldValue: oldValue, NewValue: writeObj, InvokeResult: invokeResult,
		InvokeError: invokeErr, NewTTL: newTTL, ConflictCtx: conflictCtx, UpdateCounter: counter,
		Transformed: transformed, WALPointer: ptr,
	}, cb, nil
}

func (e *Entry) atomicDeleteLocked(ctx context.Context, oldValue *CacheObject, oldVer Version, args AtomicUpdateArgs, invokeResult any, invokeErr error, transformed bool, conflictCtx *ConflictContext) (AtomicResult, deferredCallbacks, error) {
	if oldValue == nil {
		return AtomicResult{Outcome: OutcomeRemoveNoVal, InvokeResult: invokeResult, InvokeError: invokeErr, Transformed: transformed}, deferredCallbacks{}, nil
	}

	if args.WriteThrough && e.ctx.ExternalStore != nil {
		if err := e.ctx.ExternalStore.Store(ctx, e.key, nil); err != nil {
			return AtomicResult{}, deferredCallbacks{}, wrapStorage(err, "atomic: write-through delete")
		}
	}

	ptr, err := e.appendWAL(WALDelete, args.NewVersion, nil, time.Time{}, nil)
	if err != nil {
		return AtomicResult{}, deferredCallbacks{}, err
	}

	if err := e.removeRowLocked(); err != nil {
		return AtomicResult{}, deferredCallbacks{}, err
	}

	e.version = args.NewVersion
	e.updateCounter++
	counter := e.updateCounter
	cbTomb := e.tombstoneLocked(ctx, oldVer, oldValue, DRPrimary)

	e.ctx.Listeners().emit(Event{Code: EventRemoved, Key: e.key, Old: oldValue, Version: args.NewVersion, At: time.Now()})

	view := EntryView{Key: e.key, OldValue: oldValue, Version: args.NewVersion, UpdateCounter: counter}
	cbTomb.afterRem = func() { e.ctx.Interceptor.OnAfterRemove(view) }

	return AtomicResult{
		Outcome: OutcomeSuccess, OldValue: oldValue, InvokeResult: invokeResult, InvokeError: invokeErr,
		ConflictCtx: conflictCtx, UpdateCounter: counter, Transformed: transformed, WALPointer: ptr,
	}, cbTomb, nil
}

func (e *Entry) appendWAL(op WALOp, ver Version, value *CacheObject, expireTime time.Time, nearXid *Version) (WALPointer, error) {
	var raw []byte
	if value != nil {
		if b, ok := value.Serialized(); ok {
			raw = b
		}
	}
	rec := DataRecord{
		CacheID: e.ctx.CacheID, Key: e.key, Value: raw, Op: op, NearXid: nearXid,
		WriteVer: ver, ExpireTimeNs: expireTime.UnixNano(), Partition: e.partition,
		UpdateCounter: e.updateCounter + 1, Flags: walFlags(e.ctx),
	}
	if expireTime.IsZero() {
		rec.ExpireTimeNs = 0
	}
	ptr, err := e.ctx.WAL.Append(rec)
	if err != nil {
		return 0, wrapStorage(err, "atomic: wal append")
	}
	return ptr, nil
}

func walFlags(ctx *Context) WALFlags {
	var f WALFlags
	if !ctx.IsNear {
		f |= WALFlagPrimary
	}
	return f
}

// safeInvoke recovers a panic from the user-supplied EntryProcessor,
// turning it into an error result rather than propagating it across the
// entry lock (§9 "Interceptor callbacks holding user code").
func safeInvoke(proc EntryProcessor, ctx context.Context, current *CacheObject, hadValue bool) (newValue *CacheObject, modified bool, result any, err error) {
	if proc == nil {
		return nil, false, nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return proc(ctx, current, hadValue)
}
