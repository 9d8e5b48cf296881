package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	b := New[int](5, DropNewest)
	require.Equal(t, 8, b.Capacity())
}

func TestDropNewestRejectsWhenFull(t *testing.T) {
	b := New[int](4, DropNewest)
	for i := 0; i < 4; i++ {
		require.True(t, b.TryPush(i))
	}
	require.True(t, b.IsFull())
	require.False(t, b.TryPush(99))
	require.EqualValues(t, 1, b.Dropped())

	v, ok := b.TryPop()
	require.True(t, ok)
	require.Equal(t, 0, v)
}

func TestOverwriteOldestEvictsOnFull(t *testing.T) {
	b := New[int](4, OverwriteOldest)
	for i := 0; i < 5; i++ {
		require.True(t, b.TryPush(i))
	}
	// Element 0 should have been evicted.
	var got []int
	for {
		v, ok := b.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestEmptyPop(t *testing.T) {
	b := New[int](4, DropNewest)
	_, ok := b.TryPop()
	require.False(t, ok)
}

func TestConcurrentSPSCNoLossNoDuplication(t *testing.T) {
	const n = 200_000
	b := New[int](256, DropNewest)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !b.TryPush(i) {
			}
		}
	}()
	seen := make([]bool, n)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			var v int
			var ok bool
			for {
				v, ok = b.TryPop()
				if ok {
					break
				}
			}
			require.False(t, seen[v])
			seen[v] = true
		}
	}()
	wg.Wait()
	for i, s := range seen {
		require.True(t, s, "missing element %d", i)
	}
}
