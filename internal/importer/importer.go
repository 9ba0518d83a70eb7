// Package importer applies exported operations to a target replica. Source
// ids are resolved through provenance, so importing the same source twice
// updates what the first import created instead of duplicating it.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/export"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/provenance"
	"github.com/roach88/briefsync/internal/store"
)

// Counts records what an import wrote. Entities whose provenance shows they
// are unchanged are not counted as written.
type Counts struct {
	InsertedModels        int `json:"insertedModels"`
	UpdatedModels         int `json:"updatedModels"`
	DeletedModels         int `json:"deletedModels"`
	InsertedElements      int `json:"insertedElements"`
	UpdatedElements       int `json:"updatedElements"`
	DeletedElements       int `json:"deletedElements"`
	InsertedAspects       int `json:"insertedAspects"`
	UpdatedAspects        int `json:"updatedAspects"`
	DeletedAspects        int `json:"deletedAspects"`
	InsertedRelationships int `json:"insertedRelationships"`
	UpdatedRelationships  int `json:"updatedRelationships"`
	DeletedRelationships  int `json:"deletedRelationships"`
	InsertedCodeSpecs     int `json:"insertedCodeSpecs"`
	UpdatedCodeSpecs      int `json:"updatedCodeSpecs"`
	DeletedCodeSpecs      int `json:"deletedCodeSpecs"`
	// Unchanged counts operations skipped because the target already held
	// the same state.
	Unchanged int `json:"unchanged"`
	// Skipped counts deletes of entities the target never received.
	Skipped int `json:"skipped"`
}

// Written returns the number of target writes.
func (c Counts) Written() int {
	return c.InsertedModels + c.UpdatedModels + c.DeletedModels +
		c.InsertedElements + c.UpdatedElements + c.DeletedElements +
		c.InsertedAspects + c.UpdatedAspects + c.DeletedAspects +
		c.InsertedRelationships + c.UpdatedRelationships + c.DeletedRelationships +
		c.InsertedCodeSpecs + c.UpdatedCodeSpecs + c.DeletedCodeSpecs
}

func (c *Counts) add(kind ir.Kind, op changeset.Op) {
	var fields [3]*int
	switch kind {
	case ir.KindModel:
		fields = [3]*int{&c.InsertedModels, &c.UpdatedModels, &c.DeletedModels}
	case ir.KindElement:
		fields = [3]*int{&c.InsertedElements, &c.UpdatedElements, &c.DeletedElements}
	case ir.KindAspect:
		fields = [3]*int{&c.InsertedAspects, &c.UpdatedAspects, &c.DeletedAspects}
	case ir.KindRelationship:
		fields = [3]*int{&c.InsertedRelationships, &c.UpdatedRelationships, &c.DeletedRelationships}
	case ir.KindCodeSpec:
		fields = [3]*int{&c.InsertedCodeSpecs, &c.UpdatedCodeSpecs, &c.DeletedCodeSpecs}
	default:
		return
	}
	*fields[op-changeset.OpInsert]++
}

// Importer writes into one target replica within one provenance scope. It
// is not safe for concurrent use.
type Importer struct {
	target *store.Store
	remap  *provenance.RemapTable
	// deferred holds relationships waiting for an endpoint, keyed by the
	// source id of the missing element.
	deferred map[ir.ID][]export.Operation
	counts   Counts
	// codeSpecName names source code specs missing from the remap table.
	codeSpecName CodeSpecNamer
}

// CodeSpecNamer returns the target name of a source code spec.
type CodeSpecNamer func(ctx context.Context, sourceID ir.ID) (string, error)

// New returns an importer writing provenance under scope. It fails with
// SchemaViolation when the target cannot hold provenance.
func New(target *store.Store, scope ir.ID) (*Importer, error) {
	prov, err := provenance.New(target, scope)
	if err != nil {
		return nil, err
	}
	return &Importer{
		target:   target,
		remap:    provenance.NewRemapTable(prov),
		deferred: map[ir.ID][]export.Operation{},
	}, nil
}

// Target returns the replica being written.
func (im *Importer) Target() *store.Store { return im.target }

// Remap returns the source to target id table.
func (im *Importer) Remap() *provenance.RemapTable { return im.remap }

// ResolveCodeSpecsBy lets the importer resolve a code spec the stream never
// carried, as in an incremental run, by its name in the target.
func (im *Importer) ResolveCodeSpecsBy(fn CodeSpecNamer) { im.codeSpecName = fn }

// Counts returns what has been written so far.
func (im *Importer) Counts() Counts { return im.counts }

// ResetCounts zeroes the counts, for an importer reused across runs.
func (im *Importer) ResetCounts() { im.counts = Counts{} }

// Deferred returns the number of relationships still waiting for an
// endpoint.
func (im *Importer) Deferred() int {
	n := 0
	for _, ops := range im.deferred {
		n += len(ops)
	}
	return n
}

// Import applies one operation. Op.Entity is in source terms: its own id
// and every id it refers to are source ids.
func (im *Importer) Import(ctx context.Context, op export.Operation) error {
	var err error
	switch op.Kind {
	case ir.KindCodeSpec:
		err = im.importCodeSpec(ctx, op)
	case ir.KindElement:
		err = im.importElement(ctx, op)
	case ir.KindModel:
		err = im.importModel(ctx, op)
	case ir.KindAspect:
		err = im.importAspect(ctx, op)
	case ir.KindRelationship:
		err = im.importRelationship(ctx, op)
	default:
		err = fmt.Errorf("unknown entity kind %s", op.Kind)
	}
	if err != nil {
		return fmt.Errorf("import %s %s: %w", op.Op, op.Ref(), err)
	}
	return nil
}

// Finish fails with NotFound when relationships are still waiting for
// endpoints that never arrived.
func (im *Importer) Finish() error {
	if len(im.deferred) == 0 {
		return nil
	}
	missing := make([]ir.ID, 0, len(im.deferred))
	var first ir.ID
	for id, ops := range im.deferred {
		missing = append(missing, id)
		for _, op := range ops {
			if !first.IsValid() || op.ID < first {
				first = op.ID
			}
		}
	}
	slices.Sort(missing)
	names := make([]string, len(missing))
	for i, id := range missing {
		names[i] = id.String()
	}
	return ir.NewNotFound(ir.KindRelationship, first,
		"%d relationships reference source elements never imported: %s",
		im.Deferred(), strings.Join(names, ", ")).WithRepo(im.target.RepositoryID())
}

func (im *Importer) written(kind ir.Kind, op changeset.Op, source, target ir.ID) {
	im.counts.add(kind, op)
	slog.Debug("imported", "op", op.String(), "kind", kind.String(), "source", source, "target", target)
}

func (im *Importer) unchanged(op export.Operation) {
	im.counts.Unchanged++
	slog.Debug("import unchanged", "ref", op.Ref().String())
}

// resolve maps a source reference to the target. Bootstrap ids map to
// themselves unless the remap table says otherwise.
func (im *Importer) resolve(ctx context.Context, kind ir.Kind, id ir.ID) (ir.ID, error) {
	if !id.IsValid() {
		return ir.InvalidID, nil
	}
	target, ok, err := im.remap.Lookup(ctx, kind, id)
	if err != nil {
		return ir.InvalidID, err
	}
	if ok {
		return target, nil
	}
	if id.IsReserved() {
		return id, nil
	}
	if kind == ir.KindCodeSpec && im.codeSpecName != nil {
		return im.resolveCodeSpec(ctx, id)
	}
	return ir.InvalidID, ir.NewNotFound(kind, id, "source entity has not been imported")
}

// resolveCodeSpec matches a source code spec to the target code spec of the
// same name and caches the mapping.
func (im *Importer) resolveCodeSpec(ctx context.Context, id ir.ID) (ir.ID, error) {
	name, err := im.codeSpecName(ctx, id)
	if err != nil {
		return ir.InvalidID, err
	}
	spec, err := im.target.CodeSpecByName(ctx, name)
	if ir.IsNotFound(err) {
		return ir.InvalidID, ir.NewNotFound(ir.KindCodeSpec, id, "code spec %s has not been imported", name)
	}
	if err != nil {
		return ir.InvalidID, err
	}
	im.remap.Set(ir.KindCodeSpec, id, spec.ID)
	return spec.ID, nil
}

func version(e ir.Entity) int64 {
	if el, ok := e.(*ir.Element); ok {
		return el.LastMod
	}
	return 0
}

// record looks up the provenance record of a source entity, nil when absent.
func (im *Importer) record(ctx context.Context, kind ir.Kind, id ir.ID) (*provenance.Record, error) {
	rec, err := im.remap.Provenance().Lookup(ctx, kind, id)
	if ir.IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

func (im *Importer) importCodeSpec(ctx context.Context, op export.Operation) error {
	if op.Op == changeset.OpDelete {
		target, ok, err := im.remap.Lookup(ctx, ir.KindCodeSpec, op.ID)
		if err != nil {
			return err
		}
		if !ok {
			im.counts.Skipped++
			return nil
		}
		if err := im.target.DeleteCodeSpec(ctx, target); err != nil && !ir.IsNotFound(err) {
			return err
		}
		im.written(ir.KindCodeSpec, changeset.OpDelete, op.ID, target)
		return im.remap.Forget(ctx, ir.KindCodeSpec, op.ID)
	}

	src, ok := op.Entity.(*ir.CodeSpec)
	if !ok {
		return fmt.Errorf("expected a code spec, got %T", op.Entity)
	}
	existing, err := im.target.CodeSpecByName(ctx, src.Name)
	switch {
	case ir.IsNotFound(err):
		id, err := im.target.InsertCodeSpec(ctx, &ir.CodeSpec{Name: src.Name, Properties: src.Properties.Clone()})
		if err != nil {
			return err
		}
		im.remap.Set(ir.KindCodeSpec, src.ID, id)
		im.written(ir.KindCodeSpec, changeset.OpInsert, src.ID, id)
		return nil
	case err != nil:
		return err
	}

	im.remap.Set(ir.KindCodeSpec, src.ID, existing.ID)
	if existing.Properties.Equal(src.Properties) {
		im.unchanged(op)
		return nil
	}
	if err := im.target.UpdateCodeSpec(ctx, &ir.CodeSpec{ID: existing.ID, Name: src.Name, Properties: src.Properties.Clone()}); err != nil {
		return err
	}
	im.written(ir.KindCodeSpec, changeset.OpUpdate, src.ID, existing.ID)
	return nil
}

func (im *Importer) importElement(ctx context.Context, op export.Operation) error {
	rec, err := im.record(ctx, ir.KindElement, op.ID)
	if err != nil {
		return err
	}
	if op.Op == changeset.OpDelete {
		if rec == nil {
			im.counts.Skipped++
			return nil
		}
		if err := im.target.DeleteElement(ctx, rec.Target); err != nil && !ir.IsNotFound(err) {
			return err
		}
		im.written(ir.KindElement, changeset.OpDelete, op.ID, rec.Target)
		return im.remap.Forget(ctx, ir.KindElement, op.ID)
	}

	src, ok := op.Entity.(*ir.Element)
	if !ok {
		return fmt.Errorf("expected an element, got %T", op.Entity)
	}
	checksum, err := ir.Checksum(src)
	if err != nil {
		return err
	}
	if rec != nil && rec.Unchanged(checksum, src.LastMod) {
		im.remap.Set(ir.KindElement, src.ID, rec.Target)
		im.unchanged(op)
		return nil
	}

	e, selfScoped, err := im.mapElement(ctx, src)
	if err != nil {
		return err
	}
	link := provenance.Link{Kind: ir.KindElement, SourceID: src.ID, Checksum: checksum, Version: src.LastMod}

	if rec == nil {
		code := e.Code
		if selfScoped {
			e.Code = ir.Code{}
		}
		id, err := im.target.InsertElement(ctx, e)
		if err != nil {
			return err
		}
		if selfScoped {
			e.Code = code
			e.Code.ScopeID = id
			if err := im.target.UpdateElement(ctx, e); err != nil {
				return err
			}
		}
		link.Owner, link.Target = id, id
		if _, err := im.remap.Record(ctx, link); err != nil {
			return err
		}
		im.written(ir.KindElement, changeset.OpInsert, src.ID, id)
		return im.flush(ctx, src.ID)
	}

	e.ID = rec.Target
	if selfScoped {
		e.Code.ScopeID = rec.Target
	}
	if err := im.target.UpdateElement(ctx, e); err != nil {
		return err
	}
	link.Owner, link.Target = rec.Target, rec.Target
	if _, err := im.remap.Record(ctx, link); err != nil {
		return err
	}
	im.written(ir.KindElement, changeset.OpUpdate, src.ID, rec.Target)
	return im.flush(ctx, src.ID)
}

// mapElement translates the references of a source element into target ids.
// selfScoped reports a code scoped to the element itself, which cannot be
// resolved before the element exists.
func (im *Importer) mapElement(ctx context.Context, src *ir.Element) (e *ir.Element, selfScoped bool, err error) {
	e = ir.Clone(src).(*ir.Element)
	e.ID = ir.InvalidID
	e.LastMod = 0
	if e.ModelID, err = im.resolve(ctx, ir.KindModel, src.ModelID); err != nil {
		return nil, false, err
	}
	if e.ParentID, err = im.resolve(ctx, ir.KindElement, src.ParentID); err != nil {
		return nil, false, err
	}
	if src.Code.IsEmpty() {
		e.Code = ir.Code{}
		return e, false, nil
	}
	if e.Code.SpecID, err = im.resolve(ctx, ir.KindCodeSpec, src.Code.SpecID); err != nil {
		return nil, false, err
	}
	if src.Code.ScopeID == src.ID {
		return e, true, nil
	}
	if e.Code.ScopeID, err = im.resolve(ctx, ir.KindElement, src.Code.ScopeID); err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (im *Importer) importModel(ctx context.Context, op export.Operation) error {
	target, ok, err := im.remap.Lookup(ctx, ir.KindModel, op.ID)
	if err != nil {
		return err
	}
	if op.Op == changeset.OpDelete {
		exists := false
		if ok {
			if exists, err = im.target.Exists(ctx, ir.KindModel, target); err != nil {
				return err
			}
		}
		if !exists {
			im.counts.Skipped++
			return nil
		}
		if err := im.target.DeleteModel(ctx, target); err != nil {
			return err
		}
		im.written(ir.KindModel, changeset.OpDelete, op.ID, target)
		return nil
	}

	src, isModel := op.Entity.(*ir.Model)
	if !isModel {
		return fmt.Errorf("expected a model, got %T", op.Entity)
	}
	if !ok {
		return ir.NewNotFound(ir.KindElement, src.ModeledElementID, "modeled element has not been imported")
	}
	parent, err := im.resolve(ctx, ir.KindModel, src.ParentModelID)
	if err != nil {
		return err
	}
	m := &ir.Model{
		ID:               target,
		ClassFullName:    src.ClassFullName,
		ModeledElementID: target,
		ParentModelID:    parent,
		IsPrivate:        src.IsPrivate,
		Properties:       src.Properties.Clone(),
	}

	current, err := im.target.GetModel(ctx, target)
	if ir.IsNotFound(err) {
		if _, err := im.target.InsertModel(ctx, m); err != nil {
			return err
		}
		im.written(ir.KindModel, changeset.OpInsert, src.ID, target)
		return nil
	}
	if err != nil {
		return err
	}
	if current.ClassFullName == m.ClassFullName && current.ParentModelID == m.ParentModelID &&
		current.IsPrivate == m.IsPrivate && current.Properties.Equal(m.Properties) {
		im.unchanged(op)
		return nil
	}
	if err := im.target.UpdateModel(ctx, m); err != nil {
		return err
	}
	im.written(ir.KindModel, changeset.OpUpdate, src.ID, target)
	return nil
}

func (im *Importer) importAspect(ctx context.Context, op export.Operation) error {
	rec, err := im.record(ctx, ir.KindAspect, op.ID)
	if err != nil {
		return err
	}
	if op.Op == changeset.OpDelete {
		if rec == nil {
			im.counts.Skipped++
			return nil
		}
		if err := im.target.DeleteAspect(ctx, rec.Target); err != nil && !ir.IsNotFound(err) {
			return err
		}
		im.written(ir.KindAspect, changeset.OpDelete, op.ID, rec.Target)
		return im.remap.Forget(ctx, ir.KindAspect, op.ID)
	}

	src, ok := op.Entity.(*ir.Aspect)
	if !ok {
		return fmt.Errorf("expected an aspect, got %T", op.Entity)
	}
	checksum, err := ir.Checksum(src)
	if err != nil {
		return err
	}
	if rec != nil && rec.Unchanged(checksum, 0) {
		im.unchanged(op)
		return nil
	}
	owner, err := im.resolve(ctx, ir.KindElement, src.ElementID)
	if err != nil {
		return err
	}
	a := &ir.Aspect{ClassFullName: src.ClassFullName, ElementID: owner, Properties: src.Properties.Clone()}
	link := provenance.Link{Kind: ir.KindAspect, SourceID: src.ID, Owner: owner, Checksum: checksum}

	if rec == nil {
		id, err := im.target.InsertAspect(ctx, a)
		if err != nil {
			return err
		}
		link.Target = id
		if _, err := im.remap.Record(ctx, link); err != nil {
			return err
		}
		im.written(ir.KindAspect, changeset.OpInsert, src.ID, id)
		return nil
	}

	a.ID = rec.Target
	if err := im.target.UpdateAspect(ctx, a); err != nil {
		return err
	}
	link.Target = rec.Target
	if _, err := im.remap.Record(ctx, link); err != nil {
		return err
	}
	im.written(ir.KindAspect, changeset.OpUpdate, src.ID, rec.Target)
	return nil
}

func (im *Importer) importRelationship(ctx context.Context, op export.Operation) error {
	rec, err := im.record(ctx, ir.KindRelationship, op.ID)
	if err != nil {
		return err
	}
	if op.Op == changeset.OpDelete {
		if rec == nil {
			im.counts.Skipped++
			return nil
		}
		if err := im.target.DeleteRelationship(ctx, rec.Target); err != nil && !ir.IsNotFound(err) {
			return err
		}
		im.written(ir.KindRelationship, changeset.OpDelete, op.ID, rec.Target)
		return im.remap.Forget(ctx, ir.KindRelationship, op.ID)
	}

	src, ok := op.Entity.(*ir.Relationship)
	if !ok {
		return fmt.Errorf("expected a relationship, got %T", op.Entity)
	}
	checksum, err := ir.Checksum(src)
	if err != nil {
		return err
	}
	if rec != nil && rec.Unchanged(checksum, 0) {
		im.unchanged(op)
		return nil
	}

	var ends [2]ir.ID
	for i, id := range []ir.ID{src.SourceID, src.TargetID} {
		target, ok, err := im.remap.Lookup(ctx, ir.KindElement, id)
		if err != nil {
			return err
		}
		if !ok {
			im.deferred[id] = append(im.deferred[id], op)
			slog.Debug("relationship deferred", "source", src.ID, "waiting_for", id)
			return nil
		}
		ends[i] = target
	}

	r := &ir.Relationship{ClassFullName: src.ClassFullName, SourceID: ends[0], TargetID: ends[1], Properties: src.Properties.Clone()}
	link := provenance.Link{Kind: ir.KindRelationship, SourceID: src.ID, Owner: ends[0], Checksum: checksum}

	if rec == nil {
		id, err := im.target.InsertRelationship(ctx, r)
		if err != nil {
			return err
		}
		link.Target = id
		if _, err := im.remap.Record(ctx, link); err != nil {
			return err
		}
		im.written(ir.KindRelationship, changeset.OpInsert, src.ID, id)
		return nil
	}

	r.ID = rec.Target
	if err := im.target.UpdateRelationship(ctx, r); err != nil {
		return err
	}
	link.Target = rec.Target
	if _, err := im.remap.Record(ctx, link); err != nil {
		return err
	}
	im.written(ir.KindRelationship, changeset.OpUpdate, src.ID, rec.Target)
	return nil
}

// flush retries the relationships that were waiting for a source element.
func (im *Importer) flush(ctx context.Context, sourceID ir.ID) error {
	waiting := im.deferred[sourceID]
	if len(waiting) == 0 {
		return nil
	}
	delete(im.deferred, sourceID)
	for _, op := range waiting {
		if err := im.importRelationship(ctx, op); err != nil {
			return fmt.Errorf("deferred %s: %w", op.Ref(), err)
		}
	}
	return nil
}
