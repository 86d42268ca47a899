package specast

// The wireXxx types mirror spec.md §6.2's SerializableStreamSpec JSON shape
// as produced by the (out-of-scope) macro system. They are the on-disk
// representation; Load converts them into the Spec/Entity/Field tables the
// rest of the runtime compiles against.

// wireRoot is the document Load() reads from disk: one SerializableStreamSpec
// per entity (spec.md §6.2 describes the singular per-entity shape) plus the
// cross-entity view list that is compiled alongside it.
type wireRoot struct {
	Entities []wireEntityDoc `json:"entities"`
	Views    []wireView      `json:"views"`
	Capacity []wireCapacity  `json:"capacity,omitempty"`
}

// wireEntityDoc is spec.md §6.2's SerializableStreamSpec.
type wireEntityDoc struct {
	StateName           string                  `json:"state_name"`
	Sections            []wireSection           `json:"sections"`
	Handlers            []wireHandler           `json:"handlers"`
	ResolverHooks       []wireResolverHook      `json:"resolver_hooks"`
	InstructionHooks    []wireInstructionHook   `json:"instruction_hooks"`
	ComputedFieldSpecs  []wireComputedField     `json:"computed_field_specs"`
}

type wireSection struct {
	Name   string          `json:"name"`
	Fields []wireFieldInfo `json:"fields"`
}

type wireFieldInfo struct {
	FieldName    string            `json:"field_name"`
	RustTypeName string            `json:"rust_type_name"`
	BaseType     string            `json:"base_type"`
	IsOptional   bool              `json:"is_optional"`
	IsArray      bool              `json:"is_array"`
	InnerType    string            `json:"inner_type,omitempty"`
	SourcePath   string            `json:"source_path,omitempty"`
	ResolvedType string            `json:"resolved_type,omitempty"`
	Emit         bool              `json:"emit"`
	PrimaryKey   bool              `json:"primary_key,omitempty"`
	LookupIndex  bool              `json:"lookup_index,omitempty"`
	Binding      *wireBinding      `json:"binding,omitempty"`
	Condition    *wireCondition    `json:"condition,omitempty"`
}

type wireBinding struct {
	Kind string `json:"kind"`

	AccountType     string `json:"account_type,omitempty"`
	InstructionType string `json:"instruction_type,omitempty"`
	FieldPath       string `json:"field_path,omitempty"`
	Strategy        string `json:"strategy,omitempty"`
	Transform       string `json:"transform,omitempty"`

	InstructionTypes []string `json:"instruction_types,omitempty"`
	Fields           []string `json:"fields,omitempty"`

	Transforms map[string]string `json:"transforms,omitempty"`

	AggField string `json:"field,omitempty"`
	LookupBy string `json:"lookup_by,omitempty"`

	DeriveCondition *wireCondition `json:"derive_condition,omitempty"`

	Expression string `json:"expression,omitempty"`

	URLTemplate string `json:"url_template,omitempty"`
	Address     string `json:"address,omitempty"`
	Extract     string `json:"extract,omitempty"`
}

type wireCondition struct {
	Raw string `json:"raw"`
}

type wireHandler struct {
	EventType string            `json:"event_type"`
	EntityName string           `json:"entity_name"`
	Mappings  []wireFieldMapping `json:"mappings"`
}

type wireFieldMapping struct {
	TargetField string         `json:"target_field"`
	Source      wireBinding    `json:"source"`
	Strategy    string         `json:"strategy"`
	Transform   string         `json:"transform,omitempty"`
	Condition   *wireCondition `json:"condition,omitempty"`
}

type wireResolverHook struct {
	EntityName          string   `json:"entity_name"`
	EventType            string   `json:"event_type"`
	QueueDiscriminators   []string `json:"queue_discriminators,omitempty"`
	PDAFieldPath          string   `json:"pda_field_path,omitempty"`
}

type wireInstructionHook struct {
	EntityName      string                  `json:"entity_name"`
	InstructionType string                  `json:"instruction_type"`
	Discriminator   string                  `json:"discriminator,omitempty"`
	RegisterLookup  *wireReverseLookup      `json:"register_lookup,omitempty"`
	DirectFieldSets []wireDirectFieldSet    `json:"direct_field_sets,omitempty"`
}

type wireReverseLookup struct {
	TableName     string `json:"table_name"`
	PDAFieldPath  string `json:"pda_field_path"`
	SeedFieldPath string `json:"seed_field_path"`
}

type wireDirectFieldSet struct {
	TargetField string `json:"target_field"`
	Strategy    string `json:"strategy"`
	ValuePath   string `json:"value_path"`
}

type wireComputedField struct {
	EntityName string   `json:"entity_name"`
	FieldName  string   `json:"field_name"`
	Expression string   `json:"expression"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

type wireView struct {
	ID          string         `json:"id"`
	Entity      string         `json:"entity"`
	Mode        string         `json:"mode"`
	Projection  []string       `json:"projection,omitempty"`
	KeyFilter   *wireCondition `json:"key_filter,omitempty"`
	CoalesceMs  int64          `json:"coalesce_ms,omitempty"`
}

type wireCapacity struct {
	Entity                 string `json:"entity"`
	MaxEntries             int    `json:"max_entries,omitempty"`
	MaxMemoryBytes         int64  `json:"max_memory_bytes,omitempty"`
	MaxAppendLen           int    `json:"max_append_len,omitempty"`
	ApproximateUniqueCount bool   `json:"approximate_unique_count,omitempty"`
	UniqueCountExactCap    int    `json:"unique_count_exact_cap,omitempty"`
}
