package vmcompile

import (
	"sort"

	"github.com/R3E-Network/hyperstack/internal/specast"
)

// Compile produces the bytecode tables internal/vm runs against, with
// pathCacheSize bounding the shared interned path-accessor table (0 uses
// the package default).
func Compile(spec *specast.Spec, pathCacheSize int) *CompiledSpec {
	paths := NewPathCache(pathCacheSize)

	compiled := &CompiledSpec{
		Entities:    make(map[string]*CompiledEntity, len(spec.Entities)),
		EntityOrder: append([]string(nil), spec.EntityOrder...),
		Views:       append([]*specast.View(nil), spec.Views...),
		paths:       paths,
	}

	for _, name := range spec.EntityOrder {
		entity := spec.Entities[name]
		compiled.Entities[name] = compileEntity(entity, paths)
	}
	return compiled
}

func compileEntity(entity *specast.Entity, paths *PathCache) *CompiledEntity {
	ce := &CompiledEntity{
		Name:             entity.Name,
		EventOpcodes:     make(map[string][]FieldOpcode, len(entity.Handlers)),
		Resolvers:        entity.Resolvers,
		Capacity:         entity.Capacity,
		PrimaryKey:       entity.PrimaryKey,
		LookupIndexes:    append([]string(nil), entity.LookupIndexes...),
		LookupIndexPaths: make(map[string]*PathAccessor, len(entity.LookupIndexes)),
	}

	for _, section := range entity.Sections {
		for _, field := range section.Fields {
			fieldPath := section.Name + "." + field.Name
			if field.IsPrimaryKey {
				ce.PrimaryKeyPath = paths.Intern(bindingSourcePath(field.Binding))
			}
			if field.IsLookupIndex {
				ce.LookupIndexPaths[fieldPath] = paths.Intern(bindingSourcePath(field.Binding))
			}
			if field.Binding.Kind == specast.BindingResolve {
				// Record fields are keyed bare, like every other opcode
				// kind's TargetField; the qualified path would write a
				// key nothing downstream (projection allow-lists, URL
				// snapshots) ever reads.
				ce.ResolveOpcodes = append(ce.ResolveOpcodes, ResolveOpcode{
					TargetField: field.Name,
					URLTemplate: field.Binding.URLTemplate,
					Extract:     field.Binding.Extract,
					Strategy:    field.Binding.Strategy,
					Transform:   field.Binding.Transform,
				})
			}
		}
	}

	// entity.Handlers is a map, so iterate its event types in sorted
	// order for deterministic compiled output (spec.md §4.2's
	// byte-for-byte reproducibility requirement), while each event
	// type's own mapping slice already preserves declaration order from
	// the AST loader.
	eventTypes := make([]string, 0, len(entity.Handlers))
	for eventType := range entity.Handlers {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)

	for _, eventType := range eventTypes {
		mappings := entity.Handlers[eventType]
		opcodes := make([]FieldOpcode, 0, len(mappings))
		for _, m := range mappings {
			opcodes = append(opcodes, FieldOpcode{
				TargetField: m.TargetField,
				Binding:     m.Binding,
				Strategy:    m.Strategy,
				Transform:   m.Transform,
				Condition:   m.Condition,
				SourcePath:  paths.Intern(bindingSourcePath(m.Binding)),
			})
		}
		ce.EventOpcodes[eventType] = opcodes
	}

	ce.ComputedOpcodes = topoSortComputed(entity.ComputedFields)

	for _, hook := range entity.InstructionHooks {
		iho := InstructionHookOpcode{
			InstructionType: hook.InstructionType,
			Discriminator:   hook.Discriminator,
			RegisterLookup:  hook.RegisterLookup,
		}
		for _, d := range hook.DirectFieldSets {
			iho.DirectFieldSets = append(iho.DirectFieldSets, DirectFieldSetOpcode{
				TargetField: d.TargetField,
				Strategy:    d.Strategy,
				ValuePath:   paths.Intern(d.ValuePath),
			})
		}
		ce.InstructionHooks = append(ce.InstructionHooks, iho)
	}

	return ce
}

// bindingSourcePath returns the static "section.field"-style path a
// binding reads, when it has one. Aggregate/DeriveFrom/Resolve/Computed
// bindings resolve their source dynamically at runtime (account lookups,
// fetched URLs, expression evaluation) and carry no single static path.
func bindingSourcePath(b specast.Binding) string {
	switch b.Kind {
	case specast.BindingMap, specast.BindingFromInstruction:
		return b.FieldPath
	default:
		return ""
	}
}

// topoSortComputed orders computed fields so each appears after every
// field it DependsOn. specast.validateComputedFields already rejected
// cycles, so this only needs to produce a stable ordering, not detect
// errors again.
func topoSortComputed(fields []specast.ComputedFieldSpec) []ComputedOpcode {
	if len(fields) == 0 {
		return nil
	}

	byName := make(map[string]specast.ComputedFieldSpec, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		byName[f.FieldName] = f
		names = append(names, f.FieldName)
	}
	sort.Strings(names)

	visited := make(map[string]bool, len(fields))
	var out []ComputedOpcode

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		spec, ok := byName[name]
		if !ok {
			return // not a computed field itself, just a declared source field
		}
		visited[name] = true
		for _, dep := range spec.DependsOn {
			// DependsOn entries may be "section.field" qualified while
			// computed-field names are bare; normalize before recursing
			// so computed-to-computed ordering holds in either spelling.
			if _, ok := byName[dep]; !ok {
				dep = specast.BaseFieldName(dep)
			}
			visit(dep)
		}
		out = append(out, ComputedOpcode{
			FieldName:  spec.FieldName,
			Expression: spec.Expression,
			DependsOn:  append([]string(nil), spec.DependsOn...),
		})
	}

	for _, name := range names {
		visit(name)
	}
	return out
}
