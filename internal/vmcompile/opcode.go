// Package vmcompile turns a validated specast.Spec into the per-entity
// bytecode tables internal/vm executes against. It is pure — no I/O, no
// global state — so two calls over the same Spec produce byte-for-byte
// identical output (spec.md §4.2).
package vmcompile

import (
	"github.com/R3E-Network/hyperstack/internal/specast"
)

// FieldOpcode is one compiled instruction in an event type's field-
// application list (spec.md §4.3.2 step 4): apply binding, then strategy,
// then transform, gated by an optional condition.
type FieldOpcode struct {
	TargetField string
	Binding     specast.Binding
	Strategy    specast.Strategy
	Transform   specast.TransformKind
	Condition   *specast.Condition

	// SourcePath is the interned compiled accessor for the binding's
	// source path, when the binding reads one (nil for bindings like
	// Resolve/Computed that don't read a static path).
	SourcePath *PathAccessor
}

// ComputedOpcode is one entry of a computed-field post-pass list, already
// ordered so that every dependency appears before its dependents
// (spec.md §4.3.4's "compiler topologically sorts them").
type ComputedOpcode struct {
	FieldName  string
	Expression string
	DependsOn  []string
}

// InstructionHookOpcode mirrors specast.InstructionHook with its
// DirectFieldSets' value paths pre-interned.
type InstructionHookOpcode struct {
	InstructionType string
	Discriminator   string
	RegisterLookup  *specast.ReverseLookupRegistration
	DirectFieldSets []DirectFieldSetOpcode
}

// DirectFieldSetOpcode is one InstructionHook side-effect with its value
// path pre-interned.
type DirectFieldSetOpcode struct {
	TargetField string
	Strategy    specast.Strategy
	ValuePath   *PathAccessor
}

// ResolveOpcode is a field populated by a scheduled external fetch
// (spec.md §3.1's `Resolve(url_template | address, extract?)` binding)
// rather than by any incoming event. cmd/hyperstack registers one
// internal/scheduler slot callback per ResolveOpcode for each record key an
// event mutates, due ResolveDelaySlots after the event's slot; a failed
// fetch is re-registered one slot later, up to scheduler.MaxRetries times.
type ResolveOpcode struct {
	TargetField string
	URLTemplate string
	Extract     string
	Strategy    specast.Strategy
	Transform   specast.TransformKind
}

// CompiledEntity is one entity's full compiled form.
type CompiledEntity struct {
	Name string

	// EventOpcodes maps event_type -> ordered FieldOpcode list, in the
	// declaration order the handler's mappings were written in.
	EventOpcodes map[string][]FieldOpcode

	// ResolveOpcodes lists every field whose value comes from a scheduled
	// URL fetch instead of an event handler.
	ResolveOpcodes []ResolveOpcode

	// ComputedOpcodes is the topologically sorted computed-field list,
	// run once per event after all direct mappings (step 5).
	ComputedOpcodes []ComputedOpcode

	// InstructionHooks runs after field application for instruction
	// events (step 6), in declaration order.
	InstructionHooks []InstructionHookOpcode

	Resolvers map[string]specast.ResolverHook // event_type -> resolver
	Capacity  specast.CapacityPolicy

	PrimaryKey     string
	PrimaryKeyPath *PathAccessor // compiled accessor for the PK field's own binding source path, when it has one

	LookupIndexes     []string
	LookupIndexPaths  map[string]*PathAccessor // "section.field" -> compiled accessor, for fields present directly on the event
}

// InterestedIn reports whether this entity has any reason to process
// eventType at all: a field handler, a resolver, or an instruction hook
// (spec.md §4.3.2 step 1's dispatch gate).
func (c *CompiledEntity) InterestedIn(eventType string) bool {
	if _, ok := c.EventOpcodes[eventType]; ok {
		return true
	}
	if _, ok := c.Resolvers[eventType]; ok {
		return true
	}
	for _, h := range c.InstructionHooks {
		if h.InstructionType == eventType {
			return true
		}
	}
	return false
}

// CompiledSpec is the output handed to internal/vm: one CompiledEntity per
// entity, plus the shared interned path cache.
type CompiledSpec struct {
	Entities    map[string]*CompiledEntity
	EntityOrder []string
	Views       []*specast.View

	paths *PathCache
}

// Paths exposes the shared interned path cache for callers that need to
// resolve a raw "section.field" string into the same *PathAccessor the
// compiler used. Nothing in this module calls it; the VM reads resolver
// and hook paths through its own extractPath/gjsonGet helpers.
func (c *CompiledSpec) Paths() *PathCache { return c.paths }
