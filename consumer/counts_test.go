package consumer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
)

func TestRecordCountsInitializedToZero(t *testing.T) {
	a := protocol.StreamID{Namespace: "ns1", Name: "a"}
	b := protocol.StreamID{Namespace: "ns2", Name: "b"}
	rc := NewRecordCounts([]protocol.StreamID{a, b})

	for _, id := range []protocol.StreamID{a, b} {
		n, ok := rc.Get(id)
		require.True(t, ok, "counter for %s must exist before any record", id)
		require.Zero(t, n)
	}
}

func TestRecordCountsUnknownStream(t *testing.T) {
	rc := NewRecordCounts([]protocol.StreamID{{Namespace: "ns1", Name: "a"}})

	err := rc.Increment(protocol.StreamID{Namespace: "ns1", Name: "ghost"})
	require.Error(t, err)

	_, ok := rc.Get(protocol.StreamID{Namespace: "ns1", Name: "ghost"})
	require.False(t, ok)

	// The failed increment created nothing.
	require.Len(t, rc.Snapshot(), 1)
}

func TestRecordCountsConcurrentIncrement(t *testing.T) {
	a := protocol.StreamID{Namespace: "ns1", Name: "a"}
	b := protocol.StreamID{Namespace: "ns1", Name: "b"}
	rc := NewRecordCounts([]protocol.StreamID{a, b})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := rc.Increment(a); err != nil {
					t.Error(err)
				}
				if i%2 == 0 {
					if err := rc.Increment(b); err != nil {
						t.Error(err)
					}
				}
			}
		}()
	}
	wg.Wait()

	na, _ := rc.Get(a)
	nb, _ := rc.Get(b)
	require.Equal(t, int64(workers*perWorker), na)
	require.Equal(t, int64(workers*perWorker/2), nb)
}

func TestRecordCountsSnapshotIsPointInTime(t *testing.T) {
	a := protocol.StreamID{Namespace: "ns1", Name: "a"}
	rc := NewRecordCounts([]protocol.StreamID{a})

	require.NoError(t, rc.Increment(a))
	snap := rc.Snapshot()
	require.NoError(t, rc.Increment(a))

	require.Equal(t, int64(1), snap[a])
	n, _ := rc.Get(a)
	require.Equal(t, int64(2), n)
}
