package provenance

import (
	"context"

	"github.com/roach88/briefsync/internal/ir"
)

// RemapTable maps source ids to target ids for one transformation run. It
// caches what it learns from the provenance store and writes new mappings
// through to it.
type RemapTable struct {
	prov      *Store
	ids       map[ir.Ref]ir.ID
	codeSpecs map[ir.ID]ir.ID
}

// NewRemapTable returns a table over prov with the bootstrap entities mapped
// onto themselves.
func NewRemapTable(prov *Store) *RemapTable {
	t := &RemapTable{
		prov:      prov,
		ids:       map[ir.Ref]ir.ID{},
		codeSpecs: map[ir.ID]ir.ID{},
	}
	for _, id := range []ir.ID{ir.RootSubjectID, ir.DictionaryModelID} {
		t.ids[ir.Ref{Kind: ir.KindElement, ID: id}] = id
	}
	return t
}

// Provenance returns the store the table writes through to.
func (t *RemapTable) Provenance() *Store { return t.prov }

// Lookup returns the target id of a source entity. ok is false when the
// entity has not been imported into this scope.
func (t *RemapTable) Lookup(ctx context.Context, kind ir.Kind, sourceID ir.ID) (ir.ID, bool, error) {
	if kind == ir.KindCodeSpec {
		id, ok := t.codeSpecs[sourceID]
		return id, ok, nil
	}
	if kind == ir.KindModel {
		kind = ir.KindElement
	}
	ref := ir.Ref{Kind: kind, ID: sourceID}
	if id, ok := t.ids[ref]; ok {
		return id, true, nil
	}
	rec, err := t.prov.Lookup(ctx, kind, sourceID)
	if ir.IsNotFound(err) {
		return ir.InvalidID, false, nil
	}
	if err != nil {
		return ir.InvalidID, false, err
	}
	t.ids[ref] = rec.Target
	return rec.Target, true, nil
}

// Record maps a source entity onto its target and writes the provenance
// record through. Code specs are matched by name and are only cached.
func (t *RemapTable) Record(ctx context.Context, l Link) (*Record, error) {
	switch l.Kind {
	case ir.KindCodeSpec:
		t.codeSpecs[l.SourceID] = l.Target
		return nil, nil
	case ir.KindModel:
		l.Kind = ir.KindElement
	}
	rec, err := t.prov.Upsert(ctx, l)
	if err != nil {
		return nil, err
	}
	t.ids[ir.Ref{Kind: l.Kind, ID: l.SourceID}] = rec.Target
	return rec, nil
}

// Set caches a mapping without touching provenance. Used for entities the
// caller has matched by other means.
func (t *RemapTable) Set(kind ir.Kind, sourceID, targetID ir.ID) {
	if kind == ir.KindCodeSpec {
		t.codeSpecs[sourceID] = targetID
		return
	}
	if kind == ir.KindModel {
		kind = ir.KindElement
	}
	t.ids[ir.Ref{Kind: kind, ID: sourceID}] = targetID
}

// Forget drops a mapping and its provenance record.
func (t *RemapTable) Forget(ctx context.Context, kind ir.Kind, sourceID ir.ID) error {
	if kind == ir.KindCodeSpec {
		delete(t.codeSpecs, sourceID)
		return nil
	}
	if kind == ir.KindModel {
		kind = ir.KindElement
	}
	delete(t.ids, ir.Ref{Kind: kind, ID: sourceID})
	return t.prov.Delete(ctx, kind, sourceID)
}

// Len returns the number of cached mappings.
func (t *RemapTable) Len() int { return len(t.ids) + len(t.codeSpecs) }
