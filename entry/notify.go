package entry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventCode is one of the fixed numeric event ids of §6.
type EventCode int

const (
	EventRead EventCode = iota
	EventPut
	EventRemoved
	EventExpired
	EventLocked
	EventUnlocked
)

func (c EventCode) String() string {
	switch c {
	case EventRead:
		return "READ"
	case EventPut:
		return "PUT"
	case EventRemoved:
		return "REMOVED"
	case EventExpired:
		return "EXPIRED"
	case EventLocked:
		return "LOCKED"
	case EventUnlocked:
		return "UNLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Event is what's fanned out on the event channel and to continuous
// query / dump listeners.
type Event struct {
	Code    EventCode
	Key     []byte
	Value   *CacheObject
	Old     *CacheObject
	Version Version
	At      time.Time
}

// ContinuousQueryListener receives every event in WAL order (§5: both are
// emitted while the entry lock is held, so their orders coincide).
type ContinuousQueryListener interface {
	OnEvent(Event)
}

// DumpListener mirrors events for a full data-region dump/snapshot
// consumer.
type DumpListener interface {
	OnEvent(Event)
}

// listenerRegistry is C11's fan-out hub, owning the listener lock of §5.
// Acquisition order is part of the public contract (listener, then
// entry) — see Entry.withMutation.
type listenerRegistry struct {
	mu       sync.RWMutex
	cq       []ContinuousQueryListener
	dump     []DumpListener
	eventsCh chan Event
	platform PlatformCachePush
	dr       DRNotifier
	logger   *zap.Logger
	backoff  backoff.BackOff
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &listenerRegistry{
		eventsCh: make(chan Event, 1024),
		platform: noopPlatformPush{},
		dr:       NopDRNotifier{},
		logger:   logger,
		backoff:  backoff.NewExponentialBackOff(),
	}
}

// RLock/RUnlock expose the listener read lock per §5 step 1/5 — mutators
// take it for the duration of their critical section so a concurrent
// listener registration (write lock) never observes partial state.
func (r *listenerRegistry) RLock()   { r.mu.RLock() }
func (r *listenerRegistry) RUnlock() { r.mu.RUnlock() }

func (r *listenerRegistry) AddContinuousQuery(l ContinuousQueryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cq = append(r.cq, l)
}

func (r *listenerRegistry) AddDumpListener(l DumpListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dump = append(r.dump, l)
}

func (r *listenerRegistry) SetPlatformPush(p PlatformCachePush) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform = p
}

func (r *listenerRegistry) SetDRNotifier(d DRNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dr = d
}

func (r *listenerRegistry) Events() <-chan Event {
	return r.eventsCh
}

// emit fans an event out to cq/dump listeners and the event channel.
// Must be called while the caller still holds both the listener read
// lock and the entry lock, per §5's ordering guarantee for notification
// order == WAL order.
func (r *listenerRegistry) emit(ev Event) {
	for _, l := range r.cq {
		l.OnEvent(ev)
	}
	for _, l := range r.dump {
		l.OnEvent(ev)
	}
	select {
	case r.eventsCh <- ev:
	default:
		r.logger.Warn("event channel full, dropping event", zap.String("code", ev.Code.String()))
	}
}

// deferredCallbacks is what runs outside both locks: DR replicate,
// onAfterPut/Remove and platform-cache push. Collected under lock,
// executed after. The deferred-delete enqueue and the obsolete mark are
// not among them: tombstoneLocked performs both under the entry lock.
type deferredCallbacks struct {
	drKey     []byte
	drValue   *CacheObject
	drVer     Version
	drType    DRType
	doDR      bool
	afterPut  func()
	afterRem  func()
	pushKey   []byte
	pushValue *CacheObject
	pushVer   Version
	doPush    bool
}

// run executes the collected callbacks. DR replicate and the platform
// push are best-effort: failures are logged and swallowed, retried with
// bounded backoff, never surfaced to the mutation's caller (they ran
// after the mutation already committed).
func (r *listenerRegistry) run(ctx context.Context, d deferredCallbacks) {
	if d.doDR {
		op := func() error { return r.dr.Replicate(ctx, d.drKey, d.drValue, d.drVer, d.drType) }
		if err := backoff.Retry(op, backoff.WithMaxRetries(r.backoff, 3)); err != nil {
			r.logger.Warn("dr replicate failed after retries", zap.Error(err))
		}
	}
	if d.afterPut != nil {
		d.afterPut()
	}
	if d.afterRem != nil {
		d.afterRem()
	}
	if d.doPush {
		op := func() error { return r.platform.Push(ctx, d.pushKey, d.pushValue, d.pushVer) }
		if err := backoff.Retry(op, backoff.WithMaxRetries(r.backoff, 3)); err != nil {
			r.logger.Warn("platform cache push failed after retries", zap.Error(err))
		}
	}
}

type noopPlatformPush struct{}

func (noopPlatformPush) Push(context.Context, []byte, *CacheObject, Version) error { return nil }
