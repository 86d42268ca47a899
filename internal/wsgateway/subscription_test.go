package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestSubscriptionMatchesExactKey(t *testing.T) {
	sub := Subscription{View: "SettlementGame/kv", Key: strp("835")}
	require.True(t, sub.Matches("SettlementGame/kv", "835"))
	require.False(t, sub.Matches("SettlementGame/kv", "836"))
	require.False(t, sub.Matches("SettlementGame/list", "835"))
}

func TestSubscriptionWithNoKeyMatchesEveryKey(t *testing.T) {
	sub := Subscription{View: "SettlementGame/kv"}
	require.True(t, sub.Matches("SettlementGame/kv", "835"))
	require.True(t, sub.Matches("SettlementGame/kv", "836"))
	require.False(t, sub.Matches("SettlementGame/list", "835"))
}
