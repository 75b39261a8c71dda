package entry

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors for the exceptional paths of spec.md §7. Business-rule
// failures (version check, filter, interceptor, conflict resolution)
// are never errors — they are Outcome codes returned alongside a nil
// error. These sentinels are reserved for genuinely exceptional
// conditions a caller must branch on with errors.Is.
var (
	// ErrEntryRemoved is returned by every operation issued against an
	// obsolete entry (invariant 1).
	ErrEntryRemoved = errors.New("entry: entry removed")
	// ErrUnregisteredType is surfaced to the caller so type registration
	// can happen and the operation retried; never swallowed.
	ErrUnregisteredType = errors.New("entry: unregistered type")
	// ErrNodeStopping is swallowed at expiration paths (logged, not
	// rethrown) — exported so callers of lower-level helpers can still
	// recognize it if they choose not to swallow it themselves.
	ErrNodeStopping = errors.New("entry: node stopping")
	// ErrLockTimeout names a timed-out entry-lock wait. TryLockEntry
	// reports a timeout by returning false and does not return it.
	ErrLockTimeout = errors.New("entry: lock wait timed out")
)

// panicToError turns a recovered panic value into an error, used by the
// entry-processor panic barrier (safeInvoke).
func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return pkgerrors.Wrap(err, "entry: processor panicked")
	}
	return pkgerrors.Errorf("entry: processor panicked: %v", r)
}

// wrapStorage wraps a row-store or WAL failure with a stack trace using
// github.com/pkg/errors, per §7 "StorageFailure ... always surfaced".
func wrapStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

// Outcome is the visible result code of a mutation (§4.1).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeUnchanged
	OutcomeRemoveNoVal
	OutcomeFilterFailed
	OutcomeVersionCheckFailed
	OutcomeConflictUseOld
	OutcomeInvokeNoOp
	OutcomeInterceptorCancel
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeUnchanged:
		return "UNCHANGED"
	case OutcomeRemoveNoVal:
		return "REMOVE_NO_VAL"
	case OutcomeFilterFailed:
		return "FILTER_FAILED"
	case OutcomeVersionCheckFailed:
		return "VERSION_CHECK_FAILED"
	case OutcomeConflictUseOld:
		return "CONFLICT_USE_OLD"
	case OutcomeInvokeNoOp:
		return "INVOKE_NO_OP"
	case OutcomeInterceptorCancel:
		return "INTERCEPTOR_CANCEL"
	default:
		return "UNKNOWN"
	}
}

// UpdateResult is the return shape of Set/Remove/TxSet/TxRemove.
type UpdateResult struct {
	Outcome  Outcome
	OldValue *CacheObject
	NewValue *CacheObject
	Version  Version
}

// AtomicOp selects the atomic-update variant (§4.1 atomicUpdate).
type AtomicOp int

const (
	OpUpdate AtomicOp = iota
	OpDelete
	OpTransform
)

// AtomicResult is the return shape of the atomic update closure (§4.2
// step 13).
type AtomicResult struct {
	Outcome        Outcome
	OldValue       *CacheObject
	NewValue       *CacheObject
	InvokeResult   any
	InvokeError    error
	NewTTL         ttlState
	EnqueueVersion Version
	ConflictCtx    *ConflictContext
	UpdateCounter  int64
	Transformed    bool
	WALPointer     WALPointer
}
