package specast

import (
	"fmt"
	"sort"

	hserrors "github.com/R3E-Network/hyperstack/pkg/errors"
)

// validate runs spec.md §4.1's structural checks across the whole Spec,
// after per-entity shape has already been built by convertEntity. Checks
// that require cross-entity or cross-field context live here rather than
// in convertEntity so they see the fully assembled Spec.
func validate(spec *Spec) error {
	names := make([]string, 0, len(spec.Entities))
	for name := range spec.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entity := spec.Entities[name]
		if err := validateFieldReferences(entity); err != nil {
			return err
		}
		if err := validateLookupBy(entity); err != nil {
			return err
		}
		if err := validateComputedFields(entity); err != nil {
			return err
		}
	}
	return nil
}

// fieldSet returns every "section.field" path declared on entity.
func fieldSet(entity *Entity) map[string]bool {
	set := make(map[string]bool)
	for _, s := range entity.Sections {
		for _, f := range s.Fields {
			set[s.Name+"."+f.Name] = true
		}
	}
	return set
}

// validateFieldReferences checks that handler target fields and the
// entity's primary key resolve to fields actually declared in a section
// (spec.md §4.1: "primary key ... appears in the declared sections").
func validateFieldReferences(entity *Entity) error {
	declared := fieldSet(entity)

	if entity.PrimaryKey == "" || !declared[entity.PrimaryKey] {
		return hserrors.SpecInvalid(fmt.Sprintf(
			"entity %q primary key %q does not resolve to a declared field", entity.Name, entity.PrimaryKey))
	}

	for eventType, mappings := range entity.Handlers {
		for _, m := range mappings {
			found := false
			for path := range declared {
				if hasSuffixField(path, m.TargetField) {
					found = true
					break
				}
			}
			if !found {
				return hserrors.SpecInvalid(fmt.Sprintf(
					"entity %q handler %q targets undeclared field %q", entity.Name, eventType, m.TargetField))
			}
		}
	}
	return nil
}

// hasSuffixField reports whether "section.field" path matches targetField,
// which may be given either as a bare field name or as "section.field".
func hasSuffixField(path, targetField string) bool {
	if path == targetField {
		return true
	}
	for i := range path {
		if path[i] == '.' && path[i+1:] == targetField {
			return true
		}
	}
	return false
}

// validateLookupBy checks that every Aggregate/DeriveFrom binding has a
// non-empty LookupBy and at least one instruction type to aggregate over.
// The AST document doesn't embed IDL account layouts, so LookupBy is not
// checked against the accounts the bound instruction types carry, here or
// in internal/vmcompile.
func validateLookupBy(entity *Entity) error {
	check := func(context string, b Binding) error {
		if b.Kind != BindingAggregate && b.Kind != BindingDeriveFrom {
			return nil
		}
		if b.LookupBy == "" {
			return hserrors.SpecInvalid(fmt.Sprintf(
				"entity %q %s: %s binding missing lookup_by account name", entity.Name, context, b.Kind))
		}
		if len(b.InstructionTypesAgg) == 0 {
			return hserrors.SpecInvalid(fmt.Sprintf(
				"entity %q %s: %s binding declares no instruction_types to aggregate over", entity.Name, context, b.Kind))
		}
		return nil
	}

	for eventType, mappings := range entity.Handlers {
		for _, m := range mappings {
			if err := check(fmt.Sprintf("handler %q field %q", eventType, m.TargetField), m.Binding); err != nil {
				return err
			}
		}
	}
	for _, s := range entity.Sections {
		for _, f := range s.Fields {
			if err := check(fmt.Sprintf("field %q", f.Name), f.Binding); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateComputedFields rejects cyclic DependsOn chains via DFS, and
// confirms every dependency resolves to a declared field or another
// computed field (spec.md §4.1, §4.3.4's topological-sort requirement).
func validateComputedFields(entity *Entity) error {
	if len(entity.ComputedFields) == 0 {
		return nil
	}

	declared := fieldSet(entity)
	declaredBare := make(map[string]bool, len(declared))
	for path := range declared {
		declaredBare[BaseFieldName(path)] = true
	}

	byField := make(map[string]ComputedFieldSpec, len(entity.ComputedFields))
	for _, c := range entity.ComputedFields {
		byField[c.FieldName] = c
	}

	// canonicalComputed resolves a DependsOn entry — written bare or
	// "section.field" qualified — to the computed field it names, if
	// any. Computed resolution is tried before the plain-declared check
	// below: a computed field also declared in a section is still a
	// computed dependency, and a cycle through it must be caught.
	canonicalComputed := func(dep string) (string, bool) {
		if _, ok := byField[dep]; ok {
			return dep, true
		}
		bare := BaseFieldName(dep)
		if _, ok := byField[bare]; ok {
			return bare, true
		}
		return "", false
	}

	for _, c := range entity.ComputedFields {
		for _, dep := range c.DependsOn {
			if _, isComputed := canonicalComputed(dep); isComputed {
				continue
			}
			if declared[dep] || declaredBare[dep] {
				continue
			}
			return hserrors.SpecInvalid(fmt.Sprintf(
				"entity %q computed field %q depends on unresolved field %q", entity.Name, c.FieldName, dep))
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(entity.ComputedFields))
	var chain []string

	// visit takes canonical (bare) computed-field names only; deps are
	// normalized through canonicalComputed before recursing.
	var visit func(field string) error
	visit = func(field string) error {
		switch state[field] {
		case done:
			return nil
		case visiting:
			return hserrors.SpecCycle(entity.Name, append(append([]string{}, chain...), field))
		}
		spec := byField[field]
		state[field] = visiting
		chain = append(chain, field)
		for _, dep := range spec.DependsOn {
			canon, isComputed := canonicalComputed(dep)
			if !isComputed {
				continue // plain declared field, nothing to recurse into
			}
			if err := visit(canon); err != nil {
				return err
			}
		}
		chain = chain[:len(chain)-1]
		state[field] = done
		return nil
	}

	names := make([]string, 0, len(entity.ComputedFields))
	for _, c := range entity.ComputedFields {
		names = append(names, c.FieldName)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
