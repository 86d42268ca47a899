// Package specast loads and validates the declarative stream specification
// (spec.md §3.1, §6.2) into the in-memory tables the rest of HyperStack
// compiles and runs against. It is pure: no I/O beyond the single JSON
// document it is handed, no global state, so its output can be compared
// byte-for-byte across runs (spec.md §4.2's "compiler is pure" requirement
// leans on this package producing a stable, deterministic Spec).
package specast

import "strings"

// BaseType is a field's primitive wire type.
type BaseType string

const (
	TypeInteger   BaseType = "integer"
	TypeFloat     BaseType = "float"
	TypeString    BaseType = "string"
	TypeBool      BaseType = "bool"
	TypeTimestamp BaseType = "timestamp"
	TypeBinary    BaseType = "binary"
	TypePubkey    BaseType = "pubkey"
	TypeArray     BaseType = "array"
	TypeObject    BaseType = "object"
	TypeAny       BaseType = "any"
)

// Strategy is how a field absorbs incoming values (spec.md §3.1).
type Strategy string

const (
	StrategySetOnce     Strategy = "set_once"
	StrategyLastWrite    Strategy = "last_write"
	StrategyAppend       Strategy = "append"
	StrategySum          Strategy = "sum"
	StrategyCount        Strategy = "count"
	StrategyMin          Strategy = "min"
	StrategyMax          Strategy = "max"
	StrategyUniqueCount  Strategy = "unique_count"
)

// TransformKind is a pure, total per-field value transform.
type TransformKind string

const (
	TransformNone        TransformKind = ""
	TransformBase58Encode TransformKind = "base58_encode"
	TransformBase58Decode TransformKind = "base58_decode"
	TransformHexEncode    TransformKind = "hex_encode"
	TransformHexDecode    TransformKind = "hex_decode"
	TransformToString     TransformKind = "to_string"
	TransformToNumber     TransformKind = "to_number"
)

// BindingKind tags the union of field-population sources (spec.md §3.1).
type BindingKind string

const (
	BindingMap             BindingKind = "map"
	BindingFromInstruction BindingKind = "from_instruction"
	BindingEvent           BindingKind = "event"
	BindingSnapshot        BindingKind = "snapshot"
	BindingAggregate       BindingKind = "aggregate"
	BindingDeriveFrom      BindingKind = "derive_from"
	BindingComputed        BindingKind = "computed"
	BindingResolve         BindingKind = "resolve"
)

// Binding describes where a field's value comes from and how it is
// combined into the record. Exactly the fields relevant to Kind are
// populated; the rest are zero-valued.
type Binding struct {
	Kind BindingKind

	// Map / FromInstruction
	SourceType string // account_type or instruction_type
	FieldPath  string

	// Event
	InstructionTypes []string
	EventFields      []string

	// Snapshot
	SnapshotTransforms map[string]TransformKind

	// Aggregate / DeriveFrom
	InstructionTypesAgg []string
	AggField            string
	LookupBy            string // account name within the instruction
	DeriveCondition      *Condition

	// Computed
	Expression string

	// Resolve
	URLTemplate string
	Extract     string

	Strategy  Strategy
	Transform TransformKind
}

// Condition is a parsed boolean expression evaluated over the raw event
// payload (spec.md §4.3.5). Raw holds the original text; gval/ad-hoc
// evaluation happens in internal/vm.
type Condition struct {
	Raw string
}

// Field is one projected attribute of an Entity.
type Field struct {
	Name      string
	Section   string
	Base      BaseType
	Optional  bool
	IsArray   bool
	InnerType BaseType
	Binding   Binding
	Condition *Condition // nil means unconditional

	IsPrimaryKey bool
	IsLookupIndex bool
}

// Section is a named group of fields, in declaration order.
type Section struct {
	Name   string
	Fields []Field
}

// CapacityPolicy bounds one entity's state table (spec.md §4.3.6).
type CapacityPolicy struct {
	MaxEntries      int
	MaxMemoryBytes  int64
	MaxAppendLen    int // supplemented feature, SPEC_FULL.md §C.3
	ApproximateUniqueCount bool
	UniqueCountExactCap    int
}

// ResolverHook maps an incoming account address (or payload field) to a
// primary key for one event type on one entity.
type ResolverHook struct {
	EntityName string
	EventType  string
	// QueueDiscriminators is the set of instruction discriminators whose
	// arrival should flush this PDA's pending queue, when the hook's
	// first attempt can't resolve a key (KeyResolution::QueueUntil).
	QueueDiscriminators []string
	PDAFieldPath        string // which payload field carries the PDA address to park on
}

// InstructionHook is a post-instruction side effect (spec.md §3.1):
// register a PDA reverse lookup and/or directly mutate fields.
type InstructionHook struct {
	EntityName       string
	InstructionType  string
	Discriminator    string
	RegisterLookup   *ReverseLookupRegistration
	DirectFieldSets  []DirectFieldSet
}

// ReverseLookupRegistration records (pda_address_field) -> (seed_field)
// into a named reverse-lookup table.
type ReverseLookupRegistration struct {
	TableName     string
	PDAFieldPath  string
	SeedFieldPath string
}

// DirectFieldSet is the "side door" instruction-hook field mutation that
// doesn't fit the declarative bindings (spec.md §4.3.2 step 6).
type DirectFieldSet struct {
	TargetField string
	Strategy    Strategy
	ValuePath   string
}

// ComputedFieldSpec is a post-pass expression evaluated after direct
// mappings, in the compiler's topologically-sorted order.
type ComputedFieldSpec struct {
	EntityName string
	FieldName  string
	Expression string
	DependsOn  []string // fields this expression reads, bare or "section.field" qualified
}

// Mode is a view's delivery semantics (spec.md glossary).
type Mode string

const (
	ModeState  Mode = "state"
	ModeKv     Mode = "kv"
	ModeList   Mode = "list"
	ModeAppend Mode = "append"
)

// View projects an Entity through a mode, optional key filter, and field
// allow-list.
type View struct {
	ID         string
	EntityName string
	Mode       Mode
	Projection []string // empty means "all fields"
	KeyFilter  *Condition

	// CoalesceMs is a supplemented delivery knob (DESIGN.md C5, ported
	// from the original's Delivery.coalesce_ms): when non-zero, the
	// projector drops all but the most recent frame per (view, key)
	// produced within this window instead of publishing every one.
	CoalesceMs int64
}

// Entity is a named projection with ordered sections and exactly one
// primary key field.
type Entity struct {
	Name           string
	Sections       []Section
	PrimaryKey     string // "section.field"
	LookupIndexes  []string // "section.field" entries
	Handlers       map[string][]FieldMapping // event_type -> ordered mappings
	Resolvers      map[string]ResolverHook   // event_type -> resolver
	InstructionHooks []InstructionHook
	ComputedFields []ComputedFieldSpec
	Capacity       CapacityPolicy
}

// FieldMapping is one entry of an entity's handler chain for a given event
// type: apply Binding/Strategy/Transform/Condition to TargetField.
type FieldMapping struct {
	TargetField string
	Binding     Binding
	Strategy    Strategy
	Transform   TransformKind
	Condition   *Condition
}

// Spec is the fully validated, in-memory specification: the AST loader's
// sole output. EntityOrder/Views preserve declaration order so downstream
// compilation is deterministic (spec.md §4.2, §4.3.1's ordering guarantee).
type Spec struct {
	Entities     map[string]*Entity
	EntityOrder  []string
	Views        []*View
	viewsByID    map[string]*View
}

// Finalize builds the lookup indexes derived from Views/Entities. Called by
// the loader once parsing succeeds.
func (s *Spec) Finalize() {
	s.viewsByID = make(map[string]*View, len(s.Views))
	for _, v := range s.Views {
		s.viewsByID[v.ID] = v
	}
}

// BaseFieldName strips a "section.field" path down to its trailing field
// name. Record fields, computed-field names, and handler target fields
// are keyed bare; primary-key/lookup-index declarations and DependsOn
// entries may use either form, so consumers normalize through this.
func BaseFieldName(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// ViewByID looks up a view by its declared id.
func (s *Spec) ViewByID(id string) (*View, bool) {
	v, ok := s.viewsByID[id]
	return v, ok
}

// ViewsForEntity returns every view projecting entityName, in declaration
// order, for determinism (spec.md §4.3.1(a)).
func (s *Spec) ViewsForEntity(entityName string) []*View {
	var out []*View
	for _, v := range s.Views {
		if v.EntityName == entityName {
			out = append(out, v)
		}
	}
	return out
}
