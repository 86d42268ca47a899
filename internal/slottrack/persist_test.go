package slottrack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistentTrackerWithNilRedisIsANoop(t *testing.T) {
	pt := NewPersistent(nil, "hyperstack:slot")
	resumed, err := pt.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), resumed)

	pt.Advance(42)
	require.NoError(t, pt.Save(context.Background()))
	require.Equal(t, uint64(42), pt.Current())
}
