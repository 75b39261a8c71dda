package entry

import "context"

// EntryView is the read-only view of an entry passed to interceptors and
// after-listeners — never holds the entry lock itself by the time a
// caller sees it (§5: callbacks run outside both locks).
type EntryView struct {
	Key           []byte
	Value         *CacheObject
	OldValue      *CacheObject
	Version       Version
	UpdateCounter int64
}

// Interceptor is the §6 interceptor interface. onBeforePut/onBeforeRemove
// run under the entry lock (they can still cancel or rewrite the write);
// onAfterPut/onAfterRemove run after both locks are released.
type Interceptor interface {
	OnBeforePut(old *CacheObject, candidate *CacheObject) (newValue *CacheObject, ok bool)
	OnAfterPut(view EntryView)
	OnBeforeRemove(old *CacheObject) (cancel bool, overrideValue *CacheObject)
	OnAfterRemove(view EntryView)
}

// NopInterceptor is the default when a cache has no interceptor
// configured: never cancels, never rewrites.
type NopInterceptor struct{}

func (NopInterceptor) OnBeforePut(_ *CacheObject, candidate *CacheObject) (*CacheObject, bool) {
	return candidate, true
}
func (NopInterceptor) OnAfterPut(EntryView)    {}
func (NopInterceptor) OnBeforeRemove(_ *CacheObject) (bool, *CacheObject) {
	return false, nil
}
func (NopInterceptor) OnAfterRemove(EntryView) {}

// ConflictDecision is what a ConflictResolver returns (§4.2 step 4).
type ConflictDecision int

const (
	ConflictUseOld ConflictDecision = iota
	ConflictUseNew
	ConflictMerge
)

// ConflictContext carries resolver input/output for diagnostics and for
// the AtomicResult returned to callers.
type ConflictContext struct {
	OldVersion Version
	NewVersion Version
	Decision   ConflictDecision
	Merged     *CacheObject
}

// ConflictResolver is the pluggable cross-datacenter conflict resolver of
// C8 step 4. verCheckRequested tells the resolver whether the caller also
// wanted a plain version check; it is passed for the resolver's own use.
// Whether USE_OLD still writes through depends only on write-through,
// primary, and matching datacenter ids (§4.2 step 4).
type ConflictResolver interface {
	Resolve(old, new *CacheObject, oldVer, newVer Version, verCheckRequested bool) ConflictDecision
	Merge(old, new *CacheObject) *CacheObject
}

// EntryProcessor is the user transform callback for AtomicOp==OpTransform
// (§4.2 step 3). It observes the current value (nil if absent) and
// returns the new value, whether it modified anything, and an arbitrary
// invoke result handed back to the caller. A panic here is recovered by
// safeInvoke and turned into InvokeError, never propagated across the
// entry lock (§9 "Interceptor callbacks holding user code").
type EntryProcessor func(ctx context.Context, current *CacheObject, hadValue bool) (newValue *CacheObject, modified bool, result any, err error)

// Filter is a single predicate evaluated atomically in C8 step 6. All
// filters must pass for the update to proceed.
type Filter func(key []byte, current *CacheObject) bool

// TopologyValidator answers §9 Open Question 2: a pure boolean, no other
// side effect.
type TopologyValidator func(topologyVersion uint64) bool

// TxContext is the narrow seam a transaction manager implements to drive
// C9's transactional paths. The entry engine never implements 2PC itself
// (spec.md §1 Non-goals) — it only verifies lock ownership against this
// interface and reports back through it.
type TxContext interface {
	// Version is this transaction's logical version, used for MVCC-list
	// ownership checks.
	Version() Version
	// NodeID is the originating node of this transaction.
	NodeID() NodeID
	// IsOnePhaseCommitPrimary reports whether this call is a one-phase
	// commit primary applying on behalf of its coordinator, which is
	// allowed to bypass the explicit-ownership check (§4.1 set contract).
	IsOnePhaseCommitPrimary() bool
	// NearXidVersion is the id stamped into WAL records for this
	// transaction's updates (§4.3).
	NearXidVersion() Version
	// HasOtherActiveTransactions reports whether the originating node
	// still has other active transactions on the entry, used by remove's
	// reader-list cleanup (§4.1 remove).
	HasOtherActiveTransactions(nodeID NodeID, key []byte) bool
}

// DRNotifier is the cross-datacenter replication seam (spec.md §1 Out of
// scope: replication transport). The entry engine only calls Replicate
// after releasing its locks, carrying the new version so causal order is
// preserved across DCs for a given key (§5).
type DRNotifier interface {
	Replicate(ctx context.Context, key []byte, value *CacheObject, ver Version, drType DRType) error
}

// DRType selects how a mutation should be treated by cross-datacenter
// replication.
type DRType int

const (
	DRNone DRType = iota
	DRPrimary
	DRBackup
)

// NopDRNotifier is the default when DR is disabled.
type NopDRNotifier struct{}

func (NopDRNotifier) Replicate(context.Context, []byte, *CacheObject, Version, DRType) error {
	return nil
}

// ExternalStore is the read-through/write-through collaborator (C7's
// loader). Load returning (nil, false, nil) means "no such key".
type ExternalStore interface {
	Load(ctx context.Context, key []byte) (*CacheObject, bool, error)
	Store(ctx context.Context, key []byte, value *CacheObject) error
}

// PlatformCachePush is the best-effort, outside-lock mirror push of C11.
type PlatformCachePush interface {
	Push(ctx context.Context, key []byte, value *CacheObject, ver Version) error
}
