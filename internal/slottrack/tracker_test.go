package slottrack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerAdvancesOnHigherSlot(t *testing.T) {
	tr := New()
	tr.Advance(5)
	require.Equal(t, uint64(5), tr.Current())
	tr.Advance(12)
	require.Equal(t, uint64(12), tr.Current())
}

func TestTrackerIgnoresLowerOrEqualSlot(t *testing.T) {
	tr := New()
	tr.Advance(10)
	tr.Advance(3)
	tr.Advance(10)
	require.Equal(t, uint64(10), tr.Current())
}

func TestTrackerConcurrentAdvanceKeepsHighest(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(slot uint64) {
			defer wg.Done()
			tr.Advance(slot)
		}(i)
	}
	wg.Wait()
	require.Equal(t, uint64(100), tr.Current())
}
