package vmcompile

import (
	"strings"
	"testing"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/stretchr/testify/require"
)

func loadSpec(t *testing.T, doc string) *specast.Spec {
	t.Helper()
	spec, err := specast.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	return spec
}

const sampleSpec = `{
	"entities": [{
		"state_name": "PumpfunToken",
		"sections": [{
			"name": "core",
			"fields": [
				{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
				{"field_name": "supply", "base_type": "integer"},
				{"field_name": "display_supply", "base_type": "float"}
			]
		}],
		"handlers": [{
			"event_type": "TokenCreated",
			"entity_name": "PumpfunToken",
			"mappings": [
				{"target_field": "supply", "source": {"kind": "map", "field_path": "core.supply"}, "strategy": "last_write"}
			]
		}],
		"computed_field_specs": [
			{"entity_name": "PumpfunToken", "field_name": "display_supply", "expression": "supply as f64", "depends_on": ["core.supply"]}
		]
	}],
	"views": [{"id": "tokens", "entity": "PumpfunToken", "mode": "state"}]
}`

func TestCompileIsDeterministic(t *testing.T) {
	spec := loadSpec(t, sampleSpec)

	first := Compile(spec, 0)
	second := Compile(spec, 0)

	require.Equal(t, first.EntityOrder, second.EntityOrder)
	for name, entity := range first.Entities {
		other := second.Entities[name]
		require.Equal(t, entity.EventOpcodes, other.EventOpcodes)
		require.Equal(t, entity.ComputedOpcodes, other.ComputedOpcodes)
	}
}

func TestCompileBuildsHandlerOpcodeWithSourcePath(t *testing.T) {
	spec := loadSpec(t, sampleSpec)
	compiled := Compile(spec, 0)

	entity := compiled.Entities["PumpfunToken"]
	require.Contains(t, entity.EventOpcodes, "TokenCreated")
	opcodes := entity.EventOpcodes["TokenCreated"]
	require.Len(t, opcodes, 1)
	require.Equal(t, "supply", opcodes[0].TargetField)
	require.NotNil(t, opcodes[0].SourcePath)
	require.Equal(t, "core.supply", opcodes[0].SourcePath.Path)
}

func TestCompileTopoSortsComputedFields(t *testing.T) {
	spec := loadSpec(t, sampleSpec)
	compiled := Compile(spec, 0)

	entity := compiled.Entities["PumpfunToken"]
	require.Len(t, entity.ComputedOpcodes, 1)
	require.Equal(t, "display_supply", entity.ComputedOpcodes[0].FieldName)
}

func TestCompileTopoSortsQualifiedComputedDeps(t *testing.T) {
	// "ratio" depends on "display_supply" through the "section.field"
	// spelling; it must still be ordered after it.
	ordered := topoSortComputed([]specast.ComputedFieldSpec{
		{FieldName: "ratio", Expression: "display_supply / 2", DependsOn: []string{"core.display_supply"}},
		{FieldName: "display_supply", Expression: "supply as f64", DependsOn: []string{"core.supply"}},
	})
	require.Len(t, ordered, 2)
	require.Equal(t, "display_supply", ordered[0].FieldName)
	require.Equal(t, "ratio", ordered[1].FieldName)
}

func TestPathCacheInternsSharedAccessor(t *testing.T) {
	cache := NewPathCache(4)
	a := cache.Intern("core.mint")
	b := cache.Intern("core.mint")
	require.Same(t, a, b)
}
