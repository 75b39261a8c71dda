package entry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okreda1/ignite/entry"
)

// Invariant (§5): WAL append order matches the order mutations were
// applied, and that order matches the order events were emitted —
// checked here by recording events alongside WAL records from the same
// sequence of calls and comparing version sequences.
func TestInvariant_WALOrderMatchesEventOrder(t *testing.T) {
	rows, err := entry.NewLRUStore(64)
	require.NoError(t, err)
	wal := entry.NewMemWAL()
	ctx := entry.NewContext(1, rows, wal)
	c := entry.NewCache(context.Background(), ctx, time.Hour)
	t.Cleanup(c.Close)

	e := c.GetOrCreate([]byte("ordered"), 1, 0)
	background := context.Background()

	var versions []entry.Version
	v := entry.StartVersion
	for i := 0; i < 5; i++ {
		v = v.Next(0, 1)
		versions = append(versions, v)
		_, err := e.Set(background, entry.SetArgs{Value: entry.NewCacheObject(i), Version: v})
		require.NoError(t, err)
	}

	recs := wal.Records()
	require.Len(t, recs, 5)
	for i, rec := range recs {
		require.Equal(t, versions[i], rec.WriteVer, "WAL record %d out of order", i)
	}

	events := ctx.Listeners().Events()
	for i := range versions {
		select {
		case ev := <-events:
			require.Equal(t, entry.EventPut, ev.Code)
			require.Equal(t, versions[i], ev.Version, "event %d out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("event %d was never emitted", i)
		}
	}
}
