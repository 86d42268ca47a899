package vm

import (
	"strings"
	"testing"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vmcompile"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/stretchr/testify/require"
)

func testVM(t *testing.T, doc string) (*VM, *vmcompile.CompiledEntity) {
	t.Helper()
	spec, err := specast.Decode(strings.NewReader(doc))
	require.NoError(t, err)

	compiled := vmcompile.Compile(spec, 0)
	entity := compiled.Entities[spec.EntityOrder[0]]

	m := metrics.NewWithRegistry(nil)
	machine := New(entity, Config{
		PendingMaxTotal:      1000,
		PendingMaxPerPDA:     64,
		PendingMaxRetries:    10,
		FlushCascadeMaxDepth: 16,
		UniqueCountExactCap:  100,
		DefaultMaxAppendLen:  5,
	}, m, nil, nil)
	return machine, entity
}

const tokenSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "name", "base_type": "string"},
				{"field_name": "trade_count", "base_type": "integer"}
			]
		}],
		"handlers": [
			{
				"event_type": "TokenCreated",
				"entity_name": "PumpfunToken",
				"mappings": [
					{"target_field": "mint", "source": {"kind": "map", "field_path": "mint"}, "strategy": "set_once"},
					{"target_field": "name", "source": {"kind": "map", "field_path": "name"}, "strategy": "set_once"}
				]
			},
			{
				"event_type": "Trade",
				"entity_name": "PumpfunToken",
				"mappings": [
					{"target_field": "trade_count", "source": {"kind": "map", "field_path": "mint"}, "strategy": "count"}
				]
			}
		]
	}]
}`

func TestProcessEventSetOnceKeepsFirstValue(t *testing.T) {
	machine, _ := testVM(t, tokenSpec)

	payload := []byte(`{"mint": "Aaa111", "name": "Rocket"}`)
	mutations := machine.ProcessEvent("TokenCreated", payload, nil, EventContext{Slot: 10, SlotIndex: 0})
	require.Len(t, mutations, 1)
	require.Equal(t, "PumpfunToken", mutations[0].Export)
	require.Equal(t, "Aaa111", mutations[0].Key)
	require.Equal(t, "Rocket", mutations[0].Patch["name"])

	// set_once must not overwrite on a second event for the same key;
	// with nothing dirtied, the repeat event emits no mutation at all.
	payload2 := []byte(`{"mint": "Aaa111", "name": "Renamed"}`)
	mutations2 := machine.ProcessEvent("TokenCreated", payload2, nil, EventContext{Slot: 11, SlotIndex: 0})
	require.Empty(t, mutations2)

	rec, ok := machine.state.Get("Aaa111")
	require.True(t, ok)
	require.Equal(t, "Rocket", rec.Fields["name"])
}

func TestProcessEventCountAggregation(t *testing.T) {
	machine, _ := testVM(t, tokenSpec)

	machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Aaa111", "name": "Rocket"}`), nil, EventContext{Slot: 1})
	machine.ProcessEvent("Trade", []byte(`{"mint": "Aaa111"}`), nil, EventContext{Slot: 2})
	mutations := machine.ProcessEvent("Trade", []byte(`{"mint": "Aaa111"}`), nil, EventContext{Slot: 3})

	require.Len(t, mutations, 1)
	require.Equal(t, float64(2), mutations[0].Patch["trade_count"])
}

func TestProcessEventUninterestedEventTypeReturnsEmpty(t *testing.T) {
	machine, _ := testVM(t, tokenSpec)
	mutations := machine.ProcessEvent("SomeOtherEvent", []byte(`{}`), nil, EventContext{})
	require.Nil(t, mutations)
}

const conditionSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "big_trade_count", "base_type": "integer"}
			]
		}],
		"handlers": [{
			"event_type": "Trade",
			"entity_name": "PumpfunToken",
			"mappings": [
				{"target_field": "big_trade_count", "source": {"kind": "map", "field_path": "mint"}, "strategy": "count", "condition": {"raw": "amount >= 1000"}}
			]
		}]
	}]
}`

func TestProcessEventConditionGatesOpcode(t *testing.T) {
	machine, _ := testVM(t, conditionSpec)

	small := machine.ProcessEvent("Trade", []byte(`{"mint": "Aaa111", "amount": 5}`), nil, EventContext{Slot: 1})
	require.Nil(t, small)

	big := machine.ProcessEvent("Trade", []byte(`{"mint": "Aaa111", "amount": 5000}`), nil, EventContext{Slot: 2})
	require.Len(t, big, 1)
	require.Equal(t, float64(1), big[0].Patch["big_trade_count"])
}

const appendSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "recent_trades", "base_type": "integer", "is_array": true}
			]
		}],
		"handlers": [{
			"event_type": "Trade",
			"entity_name": "PumpfunToken",
			"mappings": [
				{"target_field": "recent_trades", "source": {"kind": "map", "field_path": "amount"}, "strategy": "append"}
			]
		}]
	}]
}`

func TestProcessEventAppendCapsLength(t *testing.T) {
	machine, _ := testVM(t, appendSpec)

	for i := 0; i < 7; i++ {
		machine.ProcessEvent("Trade", []byte(`{"mint": "Aaa111", "amount": 1}`), nil, EventContext{Slot: uint64(i)})
	}

	rec, ok := machine.state.Get("Aaa111")
	require.True(t, ok)
	arr, _ := rec.Fields["recent_trades"].([]interface{})
	require.Len(t, arr, 5) // DefaultMaxAppendLen from testVM's Config
}

const lookupSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "bonding_curve", "base_type": "pubkey", "lookup_index": true},
				{"field_name": "curve_trade_count", "base_type": "integer"}
			]
		}],
		"handlers": [
			{
				"event_type": "TokenCreated",
				"entity_name": "PumpfunToken",
				"mappings": [
					{"target_field": "mint", "source": {"kind": "map", "field_path": "mint"}, "strategy": "set_once"},
					{"target_field": "bonding_curve", "source": {"kind": "map", "field_path": "bonding_curve"}, "strategy": "set_once"}
				]
			},
			{
				"event_type": "CurveTrade",
				"entity_name": "PumpfunToken",
				"mappings": [
					{"target_field": "curve_trade_count", "source": {"kind": "map", "field_path": "bonding_curve"}, "strategy": "count"}
				]
			}
		]
	}]
}`

func TestProcessEventLookupIndexRecoversPrimaryKey(t *testing.T) {
	machine, _ := testVM(t, lookupSpec)

	machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Aaa111", "bonding_curve": "Curve1"}`), nil, EventContext{Slot: 1})

	// The trade carries only the secondary identifier; the lookup index
	// built from the creation event recovers the primary key.
	mutations := machine.ProcessEvent("CurveTrade", []byte(`{"bonding_curve": "Curve1"}`), nil, EventContext{Slot: 2})
	require.Len(t, mutations, 1)
	require.Equal(t, "Aaa111", mutations[0].Key)
	require.Equal(t, float64(1), mutations[0].Patch["curve_trade_count"])
}

const cappedSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "name", "base_type": "string"}
			]
		}],
		"handlers": [{
			"event_type": "TokenCreated",
			"entity_name": "PumpfunToken",
			"mappings": [
				{"target_field": "name", "source": {"kind": "map", "field_path": "name"}, "strategy": "last_write"}
			]
		}]
	}],
	"capacity": [{"entity": "PumpfunToken", "max_entries": 2}]
}`

func TestProcessEventCapacityEvictsLRU(t *testing.T) {
	machine, _ := testVM(t, cappedSpec)

	machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Aaa", "name": "a"}`), nil, EventContext{Slot: 1})
	machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Bbb", "name": "b"}`), nil, EventContext{Slot: 2})
	// Touch Aaa so Bbb becomes the least-recently-updated record.
	machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Aaa", "name": "a2"}`), nil, EventContext{Slot: 3})

	mutations := machine.ProcessEvent("TokenCreated", []byte(`{"mint": "Ccc", "name": "c"}`), nil, EventContext{Slot: 4})
	require.Len(t, mutations, 2)
	require.Equal(t, "Bbb", mutations[0].Key)
	require.Equal(t, true, mutations[0].Patch["_deleted"])
	require.Equal(t, "Ccc", mutations[1].Key)

	require.Equal(t, 2, machine.state.Len())
	_, evicted := machine.state.Get("Bbb")
	require.False(t, evicted)
}
