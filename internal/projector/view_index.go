package projector

import "github.com/R3E-Network/hyperstack/internal/specast"

// ViewIndex is the projector's read-only lookup over a loaded Spec's
// views, grounded on the original's view/registry.rs ViewIndex: a
// by-export map for the hot path plus a by-id map for direct lookups
// (used by internal/wsgateway to validate subscription requests).
type ViewIndex struct {
	byExport map[string][]*specast.View
	byID     map[string]*specast.View
}

// NewViewIndex builds an index from every view in spec.
func NewViewIndex(spec *specast.Spec) *ViewIndex {
	idx := &ViewIndex{
		byExport: make(map[string][]*specast.View),
		byID:     make(map[string]*specast.View),
	}
	for _, v := range spec.Views {
		idx.byExport[v.EntityName] = append(idx.byExport[v.EntityName], v)
		idx.byID[v.ID] = v
	}
	return idx
}

// ByExport returns every view projecting entity, in declaration order.
func (idx *ViewIndex) ByExport(entity string) []*specast.View {
	return idx.byExport[entity]
}

// ByID looks up a view by its declared id.
func (idx *ViewIndex) ByID(id string) (*specast.View, bool) {
	v, ok := idx.byID[id]
	return v, ok
}
