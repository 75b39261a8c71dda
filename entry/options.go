package entry

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Context is the per-cache collaborator bundle every Entry operation is
// handed. It replaces the cyclic entry<->cache-context<->events-manager
// ownership of the source system (§9 "Cyclic ownership") with an
// explicit handle: each Entry keeps a direct pointer to its Context and
// no reference to the Cache that registers it.
//
// Capability flags (IsNear, IsDHT, DeferredDelete, TrackReaders) replace
// the source's deep near/DHT/atomic class hierarchy (§9 "Deep
// inheritance") with a flat set of booleans. TrackReaders only gates the
// reader-list cleanup call in remove; entryExtras stores no reader list.
type Context struct {
	CacheID   uint32
	NodeID    NodeID
	DCID      uint16
	Partition uint32

	RowStore RowStore
	WAL      WAL

	ExpiryPolicy      ExpiryPolicy
	Interceptor       Interceptor
	ConflictResolver  ConflictResolver // nil disables conflict resolution
	Filters           []Filter
	ExternalStore     ExternalStore // nil disables read-through/write-through
	TopologyValidator TopologyValidator

	IsNear         bool
	IsDHT          bool
	DeferredDelete bool
	TrackReaders   bool

	DREnabled bool

	logger   *zap.Logger
	lockWait time.Duration // frozen once, at construction (§9 "global statics")
	loader   singleflight.Group
	listen   *listenerRegistry

	deferredDeleteQueue chan deferredDeleteItem
}

type deferredDeleteItem struct {
	entry   *Entry
	prevVer Version
}

// Option configures a Context, following the teacher's functional-options
// shape (mvcc.Option) verbatim.
type Option func(*Context)

func WithLogger(l *zap.Logger) Option { return func(c *Context) { c.logger = l } }

func WithExpiryPolicy(p ExpiryPolicy) Option { return func(c *Context) { c.ExpiryPolicy = p } }

func WithInterceptor(i Interceptor) Option { return func(c *Context) { c.Interceptor = i } }

func WithConflictResolver(r ConflictResolver) Option {
	return func(c *Context) { c.ConflictResolver = r }
}

func WithFilters(f ...Filter) Option { return func(c *Context) { c.Filters = append(c.Filters, f...) } }

func WithExternalStore(s ExternalStore) Option { return func(c *Context) { c.ExternalStore = s } }

func WithTopologyValidator(v TopologyValidator) Option {
	return func(c *Context) { c.TopologyValidator = v }
}

func WithDeferredDelete(on bool) Option { return func(c *Context) { c.DeferredDelete = on } }

func WithNear(on bool) Option { return func(c *Context) { c.IsNear = on } }

func WithDHT(on bool) Option { return func(c *Context) { c.IsDHT = on; c.TrackReaders = on } }

func WithDR(notifier DRNotifier) Option {
	return func(c *Context) {
		c.DREnabled = true
		c.listen.SetDRNotifier(notifier)
	}
}

func WithPlatformCachePush(p PlatformCachePush) Option {
	return func(c *Context) { c.listen.SetPlatformPush(p) }
}

func WithDCID(dc uint16) Option { return func(c *Context) { c.DCID = dc } }

// envLockTimeoutKey is read once at NewContext and frozen, per §9's
// directive against process-wide statics: no operation consults the
// environment again after construction.
const envLockTimeoutKey = "ENTRY_LOCK_TIMEOUT_MS"

const defaultLockTimeout = 5 * time.Second

func defaultLockWait() time.Duration {
	if v := os.Getenv(envLockTimeoutKey); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultLockTimeout
}

// NewContext builds a per-cache Context. rowStore and wal are required
// collaborators; everything else defaults to the conservative/disabled
// case (eternal TTL, no interceptor, no conflict resolution, no
// read/write-through, deferred-delete off).
func NewContext(cacheID uint32, rowStore RowStore, wal WAL, opts ...Option) *Context {
	c := &Context{
		CacheID:     cacheID,
		NodeID:      NewNodeID(),
		RowStore:    rowStore,
		WAL:         wal,
		Interceptor: NopInterceptor{},
		lockWait:    defaultLockWait(),
		listen:      newListenerRegistry(nil),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.listen.logger = c.logger
	c.deferredDeleteQueue = make(chan deferredDeleteItem, 4096)
	return c
}

// Listeners exposes the listener registry for registering continuous
// query / dump listeners and draining the event channel.
func (c *Context) Listeners() *listenerRegistry { return c.listen }

// DeferredDeleteQueue is the external, single-consumer queue a cache-wide
// background worker drains to finalize deferred-delete tombstones into
// obsolete entries (§4.1 remove, deferred-delete caches).
func (c *Context) DeferredDeleteQueue() <-chan deferredDeleteItem {
	return c.deferredDeleteQueue
}

func (c *Context) enqueueDeferredDelete(e *Entry, prevVer Version) {
	select {
	case c.deferredDeleteQueue <- deferredDeleteItem{entry: e, prevVer: prevVer}:
	default:
		c.logger.Warn("deferred delete queue full, dropping tombstone finalize request")
	}
}
