package specast

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	hserrors "github.com/R3E-Network/hyperstack/pkg/errors"
)

// Load reads and validates the AST JSON document at path (spec.md §6.2),
// returning a fully validated Spec or a *errors.ServiceError wrapping
// SpecInvalid (spec.md §4.1, §7.1).
func Load(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hserrors.Wrap(hserrors.ErrCodeSpecInvalid, "open spec file", 400, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and validates an AST JSON document from r.
func Decode(r io.Reader) (*Spec, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, hserrors.Wrap(hserrors.ErrCodeSpecInvalid, "read spec document", 400, err)
	}

	var root wireRoot
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, hserrors.Wrap(hserrors.ErrCodeSpecInvalid, "parse spec JSON", 400, err)
	}

	spec := &Spec{Entities: make(map[string]*Entity)}

	for _, doc := range root.Entities {
		if doc.StateName == "" {
			return nil, hserrors.SpecInvalid("entity document missing state_name")
		}
		if _, dup := spec.Entities[doc.StateName]; dup {
			return nil, hserrors.SpecDuplicate("entity", doc.StateName)
		}
		entity, err := convertEntity(doc)
		if err != nil {
			return nil, err
		}
		spec.Entities[doc.StateName] = entity
		spec.EntityOrder = append(spec.EntityOrder, doc.StateName)
	}

	for _, wc := range root.Capacity {
		e, ok := spec.Entities[wc.Entity]
		if !ok {
			return nil, hserrors.SpecInvalid(fmt.Sprintf("capacity policy references unknown entity %q", wc.Entity))
		}
		e.Capacity = CapacityPolicy{
			MaxEntries:             wc.MaxEntries,
			MaxMemoryBytes:         wc.MaxMemoryBytes,
			MaxAppendLen:           wc.MaxAppendLen,
			ApproximateUniqueCount: wc.ApproximateUniqueCount,
			UniqueCountExactCap:    wc.UniqueCountExactCap,
		}
	}

	seenViewIDs := make(map[string]bool, len(root.Views))
	for _, wv := range root.Views {
		if wv.ID == "" {
			return nil, hserrors.SpecInvalid("view missing id")
		}
		if seenViewIDs[wv.ID] {
			return nil, hserrors.SpecDuplicate("view", wv.ID)
		}
		seenViewIDs[wv.ID] = true

		if _, ok := spec.Entities[wv.Entity]; !ok {
			return nil, hserrors.SpecInvalid(fmt.Sprintf("view %q references unknown entity %q", wv.ID, wv.Entity))
		}
		mode := Mode(wv.Mode)
		switch mode {
		case ModeState, ModeKv, ModeList, ModeAppend:
		default:
			return nil, hserrors.SpecInvalid(fmt.Sprintf("view %q has unknown mode %q", wv.ID, wv.Mode))
		}

		view := &View{
			ID:         wv.ID,
			EntityName: wv.Entity,
			Mode:       mode,
			Projection: wv.Projection,
			CoalesceMs: wv.CoalesceMs,
		}
		if wv.KeyFilter != nil {
			view.KeyFilter = &Condition{Raw: wv.KeyFilter.Raw}
		}
		spec.Views = append(spec.Views, view)
	}

	if err := validate(spec); err != nil {
		return nil, err
	}

	spec.Finalize()
	return spec, nil
}

func convertEntity(doc wireEntityDoc) (*Entity, error) {
	entity := &Entity{
		Name:     doc.StateName,
		Handlers: make(map[string][]FieldMapping),
		Resolvers: make(map[string]ResolverHook),
		Capacity: CapacityPolicy{MaxEntries: 100000, MaxMemoryBytes: 512 << 20, MaxAppendLen: 1000, UniqueCountExactCap: 10000},
	}

	var primaryKeyCount int

	for _, ws := range doc.Sections {
		section := Section{Name: ws.Name}
		for _, wf := range ws.Fields {
			field := Field{
				Name:          wf.FieldName,
				Section:       ws.Name,
				Base:          BaseType(wf.BaseType),
				Optional:      wf.IsOptional,
				IsArray:       wf.IsArray,
				InnerType:     BaseType(wf.InnerType),
				IsPrimaryKey:  wf.PrimaryKey,
				IsLookupIndex: wf.LookupIndex,
			}
			if wf.Condition != nil {
				field.Condition = &Condition{Raw: wf.Condition.Raw}
			}
			if wf.Binding != nil {
				field.Binding = convertBinding(*wf.Binding)
			}
			if field.IsPrimaryKey {
				primaryKeyCount++
				entity.PrimaryKey = ws.Name + "." + wf.FieldName
			}
			if field.IsLookupIndex {
				entity.LookupIndexes = append(entity.LookupIndexes, ws.Name+"."+wf.FieldName)
			}
			section.Fields = append(section.Fields, field)
		}
		entity.Sections = append(entity.Sections, section)
	}

	if primaryKeyCount != 1 {
		return nil, hserrors.SpecInvalid(fmt.Sprintf(
			"entity %q must declare exactly one primary key field, found %d", doc.StateName, primaryKeyCount))
	}

	for _, wh := range doc.Handlers {
		mappings := make([]FieldMapping, 0, len(wh.Mappings))
		for _, wm := range wh.Mappings {
			fm := FieldMapping{
				TargetField: wm.TargetField,
				Binding:     convertBinding(wm.Source),
				Strategy:    Strategy(wm.Strategy),
				Transform:   TransformKind(wm.Transform),
			}
			if wm.Condition != nil {
				fm.Condition = &Condition{Raw: wm.Condition.Raw}
			}
			mappings = append(mappings, fm)
		}
		entity.Handlers[wh.EventType] = mappings
	}

	for _, wr := range doc.ResolverHooks {
		entity.Resolvers[wr.EventType] = ResolverHook{
			EntityName:          doc.StateName,
			EventType:           wr.EventType,
			QueueDiscriminators: wr.QueueDiscriminators,
			PDAFieldPath:        wr.PDAFieldPath,
		}
	}

	for _, wi := range doc.InstructionHooks {
		hook := InstructionHook{
			EntityName:      doc.StateName,
			InstructionType: wi.InstructionType,
			Discriminator:   wi.Discriminator,
		}
		if wi.RegisterLookup != nil {
			hook.RegisterLookup = &ReverseLookupRegistration{
				TableName:     wi.RegisterLookup.TableName,
				PDAFieldPath:  wi.RegisterLookup.PDAFieldPath,
				SeedFieldPath: wi.RegisterLookup.SeedFieldPath,
			}
		}
		for _, d := range wi.DirectFieldSets {
			hook.DirectFieldSets = append(hook.DirectFieldSets, DirectFieldSet{
				TargetField: d.TargetField,
				Strategy:    Strategy(d.Strategy),
				ValuePath:   d.ValuePath,
			})
		}
		entity.InstructionHooks = append(entity.InstructionHooks, hook)
	}

	for _, wc := range doc.ComputedFieldSpecs {
		entity.ComputedFields = append(entity.ComputedFields, ComputedFieldSpec{
			EntityName: doc.StateName,
			FieldName:  wc.FieldName,
			Expression: wc.Expression,
			DependsOn:  wc.DependsOn,
		})
	}

	return entity, nil
}

func convertBinding(wb wireBinding) Binding {
	b := Binding{
		Kind:       BindingKind(wb.Kind),
		FieldPath:  wb.FieldPath,
		Strategy:   Strategy(wb.Strategy),
		Transform:  TransformKind(wb.Transform),
		LookupBy:   wb.LookupBy,
		AggField:   wb.AggField,
		Expression: wb.Expression,
		URLTemplate: wb.URLTemplate,
		Extract:    wb.Extract,
	}
	if wb.AccountType != "" {
		b.SourceType = wb.AccountType
	} else if wb.InstructionType != "" {
		b.SourceType = wb.InstructionType
	} else if wb.Address != "" {
		b.SourceType = wb.Address
	}
	b.InstructionTypes = wb.InstructionTypes
	b.EventFields = wb.Fields
	b.InstructionTypesAgg = wb.InstructionTypes
	if wb.Transforms != nil {
		b.SnapshotTransforms = make(map[string]TransformKind, len(wb.Transforms))
		for k, v := range wb.Transforms {
			b.SnapshotTransforms[k] = TransformKind(v)
		}
	}
	if wb.DeriveCondition != nil {
		b.DeriveCondition = &Condition{Raw: wb.DeriveCondition.Raw}
	}
	return b
}
