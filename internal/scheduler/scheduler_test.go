package scheduler

import (
	"testing"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/stretchr/testify/require"
)

func cb(entity, key, field string) ScheduledCallback {
	return ScheduledCallback{
		EntityName:  entity,
		Key:         key,
		TargetField: field,
		URLTemplate: "https://example.com/{core.mint}",
		Strategy:    specast.StrategyLastWrite,
	}
}

func TestSlotSchedulerTakeDueReturnsOnlyDueCallbacks(t *testing.T) {
	s := New()
	s.Register(100, cb("Token", "k1", "price"))
	s.Register(200, cb("Token", "k2", "price"))

	due := s.TakeDue(150)
	require.Len(t, due, 1)
	require.Equal(t, "k1", due[0].Key)
	require.Equal(t, 1, s.PendingCount())

	due = s.TakeDue(200)
	require.Len(t, due, 1)
	require.Equal(t, "k2", due[0].Key)
	require.Equal(t, 0, s.PendingCount())
}

func TestSlotSchedulerRegisterDedupesByEntityKeyField(t *testing.T) {
	s := New()
	s.Register(100, cb("Token", "k1", "price"))
	s.Register(500, cb("Token", "k1", "price")) // re-registration moves it, doesn't duplicate

	require.Equal(t, 1, s.PendingCount())
	due := s.TakeDue(100)
	require.Empty(t, due) // still parked at slot 500, not 100

	due = s.TakeDue(500)
	require.Len(t, due, 1)
}

func TestSlotSchedulerReRegisterCarriesRetryCountForward(t *testing.T) {
	s := New()
	c := cb("Token", "k1", "price")
	c.RetryCount = 3
	s.ReRegister(c, 1000)

	due := s.TakeDue(1000)
	require.Len(t, due, 1)
	require.Equal(t, 3, due[0].RetryCount)
}

func TestSlotSchedulerTakeDueIsOrderedDeterministically(t *testing.T) {
	s := New()
	s.Register(10, cb("Zebra", "k1", "f"))
	s.Register(10, cb("Alpha", "k1", "f"))
	s.Register(10, cb("Alpha", "k0", "f"))

	due := s.TakeDue(10)
	require.Len(t, due, 3)
	require.Equal(t, "Alpha", due[0].EntityName)
	require.Equal(t, "k0", due[0].Key)
	require.Equal(t, "Alpha", due[1].EntityName)
	require.Equal(t, "k1", due[1].Key)
	require.Equal(t, "Zebra", due[2].EntityName)
}

func TestBuildURLSubstitutesFields(t *testing.T) {
	// Snapshot maps key fields bare; both bare and section-qualified
	// placeholders must resolve against them.
	fields := map[string]interface{}{"mint": "Aaa111"}

	url, err := buildURL("https://api.example.com/tokens/{mint}/price", fields)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/tokens/Aaa111/price", url)

	url, err = buildURL("https://api.example.com/tokens/{core.mint}/price", fields)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/tokens/Aaa111/price", url)
}

func TestBuildURLMissingFieldErrors(t *testing.T) {
	_, err := buildURL("https://api.example.com/{core.missing}", map[string]interface{}{})
	require.Error(t, err)
}
