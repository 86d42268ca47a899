package specast

import (
	"strings"
	"testing"

	hserrors "github.com/R3E-Network/hyperstack/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalEntityJSON() string {
	return `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [
					{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
					{"field_name": "supply", "base_type": "integer"}
				]
			}],
			"handlers": [{
				"event_type": "TokenCreated",
				"entity_name": "PumpfunToken",
				"mappings": [
					{"target_field": "supply", "source": {"kind": "event", "fields": ["supply"]}, "strategy": "last_write"}
				]
			}],
			"resolver_hooks": [],
			"instruction_hooks": [],
			"computed_field_specs": []
		}],
		"views": [
			{"id": "tokens", "entity": "PumpfunToken", "mode": "state"}
		]
	}`
}

func TestDecodeValidMinimalSpec(t *testing.T) {
	spec, err := Decode(strings.NewReader(minimalEntityJSON()))
	require.NoError(t, err)
	require.NotNil(t, spec)

	assert.Equal(t, []string{"PumpfunToken"}, spec.EntityOrder)
	entity, ok := spec.Entities["PumpfunToken"]
	require.True(t, ok)
	assert.Equal(t, "core.mint", entity.PrimaryKey)

	view, ok := spec.ViewByID("tokens")
	require.True(t, ok)
	assert.Equal(t, ModeState, view.Mode)
	assert.Len(t, spec.ViewsForEntity("PumpfunToken"), 1)
}

func TestDecodeMissingPrimaryKeyRejected(t *testing.T) {
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [{"field_name": "supply", "base_type": "integer"}]
			}]
		}]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecInvalid, svcErr.Code)
}

func TestDecodeDuplicateViewIDRejected(t *testing.T) {
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [{"field_name": "mint", "base_type": "pubkey", "primary_key": true}]
			}]
		}],
		"views": [
			{"id": "tokens", "entity": "PumpfunToken", "mode": "state"},
			{"id": "tokens", "entity": "PumpfunToken", "mode": "kv"}
		]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecDuplicate, svcErr.Code)
}

func TestDecodeDuplicateEntityRejected(t *testing.T) {
	doc := `{
		"entities": [
			{"state_name": "PumpfunToken", "sections": [{"name": "core", "fields": [{"field_name": "mint", "base_type": "pubkey", "primary_key": true}]}]},
			{"state_name": "PumpfunToken", "sections": [{"name": "core", "fields": [{"field_name": "mint", "base_type": "pubkey", "primary_key": true}]}]}
		]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecDuplicate, svcErr.Code)
}

func TestDecodeCyclicComputedFieldRejected(t *testing.T) {
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [
					{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
					{"field_name": "a", "base_type": "integer"},
					{"field_name": "b", "base_type": "integer"}
				]
			}],
			"computed_field_specs": [
				{"entity_name": "PumpfunToken", "field_name": "a", "expression": "b + 1", "depends_on": ["b"]},
				{"entity_name": "PumpfunToken", "field_name": "b", "expression": "a + 1", "depends_on": ["a"]}
			]
		}]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecCycle, svcErr.Code)
}

func TestDecodeCyclicComputedFieldRejectedQualifiedDeps(t *testing.T) {
	// Same cycle as above, but with depends_on written in the
	// "section.field" spelling; a computed field that is also declared
	// in a section must still resolve as a computed dependency.
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [
					{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
					{"field_name": "a", "base_type": "integer"},
					{"field_name": "b", "base_type": "integer"}
				]
			}],
			"computed_field_specs": [
				{"entity_name": "PumpfunToken", "field_name": "a", "expression": "b + 1", "depends_on": ["core.b"]},
				{"entity_name": "PumpfunToken", "field_name": "b", "expression": "a + 1", "depends_on": ["core.a"]}
			]
		}]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecCycle, svcErr.Code)
}

func TestDecodeUnknownViewEntityRejected(t *testing.T) {
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{"name": "core", "fields": [{"field_name": "mint", "base_type": "pubkey", "primary_key": true}]}]
		}],
		"views": [{"id": "missing", "entity": "DoesNotExist", "mode": "state"}]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecInvalid, svcErr.Code)
}

func TestDecodeAggregateMissingLookupByRejected(t *testing.T) {
	doc := `{
		"entities": [{
			"state_name": "PumpfunToken",
			"sections": [{
				"name": "core",
				"fields": [
					{"field_name": "mint", "base_type": "pubkey", "primary_key": true},
					{"field_name": "holder_count", "base_type": "integer", "binding": {
						"kind": "aggregate",
						"instruction_types": ["Transfer"],
						"field": "amount",
						"strategy": "count"
					}}
				]
			}]
		}]
	}`
	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	svcErr := hserrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, hserrors.ErrCodeSpecInvalid, svcErr.Code)
}
