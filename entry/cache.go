package entry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache is the per-cache registry of C7 entries: the "GridCacheMapEntry
// holder" that the source system tangles into its map/context/tx classes
// (§9 "Cyclic ownership") is replaced here with an explicit, narrow
// owner. It lazily creates an Entry on first touch (§3 Lifecycle) and
// drives the two background loops every per-cache deployment needs: a
// TTL sweep and a deferred-delete finalizer.
//
// Grounded on the teacher's NewMVCCMap/Close pattern: background
// goroutines are scoped to a context.CancelFunc captured at
// construction, and Close blocks until both loops have exited.
type Cache struct {
	ctx *Context

	mu      sync.RWMutex
	entries map[string]*Entry

	stop context.CancelFunc
	done chan struct{}
}

// NewCache builds a Cache around ctx and starts its background loops.
// The caller must call Close to stop them.
func NewCache(parent context.Context, ctx *Context, ttlSweep time.Duration) *Cache {
	loopCtx, stop := context.WithCancel(parent)
	c := &Cache{
		ctx:     ctx,
		entries: make(map[string]*Entry),
		stop:    stop,
		done:    make(chan struct{}),
	}
	go c.run(loopCtx, ttlSweep)
	return c
}

// Close stops the background loops and blocks until they exit.
func (c *Cache) Close() {
	c.stop()
	<-c.done
}

// GetOrCreate returns the Entry for key, creating it at StartVersion with
// no value if this is the first touch (§3 Lifecycle).
func (c *Cache) GetOrCreate(key []byte, hash uint64, partition uint32) *Entry {
	k := string(key)

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e
	}
	e = newEntry(c.ctx, key, hash, partition)
	c.entries[k] = e
	return e
}

// Peek returns the Entry for key without creating one.
func (c *Cache) Peek(key []byte) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[string(key)]
	return e, ok
}

// finalize drops an obsolete entry from the registry so it can be
// garbage collected and a future touch starts a fresh Entry at
// StartVersion.
func (c *Cache) finalize(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, string(key))
}

// snapshot copies the current entry set for the TTL sweep, so the sweep
// never holds c.mu while it calls into an individual Entry's lock.
func (c *Cache) snapshot() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// run drives both background loops from a single goroutine: a ttlSweep
// tick expires eligible entries, and the deferred-delete queue drains
// into obsolete-marking as soon as items arrive. Grounded on the
// teacher's runGC: ticker + context.Done + deferred close(done).
func (c *Cache) run(ctx context.Context, ttlSweep time.Duration) {
	defer close(c.done)

	if ttlSweep <= 0 {
		ttlSweep = time.Second
	}
	ticker := time.NewTicker(ttlSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		case item, ok := <-c.ctx.DeferredDeleteQueue():
			if !ok {
				continue
			}
			c.finalizeDeferred(ctx, item)
		}
	}
}

// sweepExpired calls Expire on every live entry; Expire itself is a
// no-op unless the entry's TTL has actually elapsed, so this is safe to
// run unconditionally on every tick (§4.5).
func (c *Cache) sweepExpired(ctx context.Context) {
	for _, e := range c.snapshot() {
		if err := e.Expire(ctx); err != nil {
			c.ctx.logger.Warn("ttl sweep: expire failed", zap.ByteString("key", e.key), zap.Error(err))
		}
	}
}

// finalizeDeferred completes a deferred-delete tombstone (§3 Lifecycle,
// §4.1 remove's deferred-delete discipline): attempt the obsolete mark
// again now that the enqueue-time MVCC snapshot may have cleared, and
// drop it from the registry on success so it stops being visited by the
// TTL sweep.
func (c *Cache) finalizeDeferred(ctx context.Context, item deferredDeleteItem) {
	ok, err := item.entry.MarkObsolete(ctx, item.prevVer)
	if err != nil {
		c.ctx.logger.Warn("deferred delete: mark obsolete failed", zap.ByteString("key", item.entry.key), zap.Error(err))
		return
	}
	if ok {
		c.finalize(item.entry.key)
	}
}
