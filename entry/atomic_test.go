package entry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/okreda1/ignite/entry"
)

// Invariant (§9): a panicking EntryProcessor must never propagate across
// the entry lock — it is recovered and turned into InvokeError.
func TestAtomicUpdate_ProcessorPanicIsRecovered(t *testing.T) {
	c := newTestCache(t)
	e := c.GetOrCreate([]byte("panicky"), 1, 0)
	ctx := context.Background()

	res, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{
		Op: entry.OpTransform,
		Processor: func(context.Context, *entry.CacheObject, bool) (*entry.CacheObject, bool, any, error) {
			panic("boom")
		},
		NewVersion: entry.StartVersion.Next(0, 1),
	})
	require.NoError(t, err, "panic must surface as InvokeError, not a returned error")
	require.Equal(t, entry.OutcomeInvokeNoOp, res.Outcome)
	require.Error(t, res.InvokeError)
	require.Contains(t, res.InvokeError.Error(), "processor panicked")

	// The entry must still be fully usable afterward — the panic must not
	// have left the lock held or the state corrupted.
	setRes, err := e.Set(ctx, entry.SetArgs{Value: entry.NewCacheObject("still alive"), Version: entry.StartVersion.Next(0, 1)})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeSuccess, setRes.Outcome)
}

func TestAtomicUpdate_DeleteOnMissingIsNoOp(t *testing.T) {
	c := newTestCache(t)
	e := c.GetOrCreate([]byte("nothing-to-delete"), 1, 0)
	ctx := context.Background()

	res, err := e.AtomicUpdate(ctx, entry.AtomicUpdateArgs{Op: entry.OpDelete, NewVersion: entry.StartVersion.Next(0, 1)})
	require.NoError(t, err)
	require.Equal(t, entry.OutcomeRemoveNoVal, res.Outcome)
}
