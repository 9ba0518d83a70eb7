// Package provenance records where target entities came from. Each record is
// a Core:ExternalSourceAspect on a target element naming the source entity by
// (scope, kind, identifier); the remap table built on top of it is what keeps
// repeated transformations from duplicating entities.
package provenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// Source kinds as written to the aspect's kind property.
const (
	KindElement      = "Element"
	KindRelationship = "Relationship"
	KindAspect       = "ElementAspect"
)

// Property names of Core:ExternalSourceAspect.
const (
	propScope      = "scope"
	propIdentifier = "identifier"
	propKind       = "kind"
	propChecksum   = "checksum"
	propVersion    = "version"
	propTargetID   = "targetId"
)

// SourceKind maps an entity kind onto the provenance kind recording it.
// Models share their modeled element's record; code specs have none.
func SourceKind(kind ir.Kind) (string, bool) {
	switch kind {
	case ir.KindElement, ir.KindModel:
		return KindElement, true
	case ir.KindRelationship:
		return KindRelationship, true
	case ir.KindAspect:
		return KindAspect, true
	default:
		return "", false
	}
}

// Record is one provenance record.
type Record struct {
	// AspectID is the id of the ExternalSourceAspect holding the record.
	AspectID ir.ID
	// Owner is the target element carrying the aspect.
	Owner ir.ID
	// Target is the target entity: the owner itself for elements, the
	// target relationship or aspect otherwise.
	Target     ir.ID
	Scope      ir.ID
	Kind       string
	Identifier string
	Checksum   string
	Version    int64
}

// SourceID parses the identifier back into the source id.
func (r *Record) SourceID() (ir.ID, error) {
	return ir.ParseID(r.Identifier)
}

// Unchanged reports whether the record already describes a source entity
// with this checksum and version.
func (r *Record) Unchanged(checksum string, version int64) bool {
	return r.Checksum != "" && r.Checksum == checksum && r.Version == version
}

func recordFromAspect(a *ir.Aspect) *Record {
	r := &Record{
		AspectID:   a.ID,
		Owner:      a.ElementID,
		Target:     a.ElementID,
		Kind:       a.Properties.GetString(propKind),
		Identifier: a.Properties.GetString(propIdentifier),
		Checksum:   a.Properties.GetString(propChecksum),
	}
	if scope, err := ir.ParseID(a.Properties.GetString(propScope)); err == nil {
		r.Scope = scope
	}
	if target, err := ir.ParseID(a.Properties.GetString(propTargetID)); err == nil && target.IsValid() {
		r.Target = target
	}
	if v, ok := a.Properties[propVersion].(ir.Int); ok {
		r.Version = int64(v)
	}
	return r
}

func (r *Record) properties() ir.Object {
	props := ir.Object{
		propScope:      ir.String(r.Scope.String()),
		propKind:       ir.String(r.Kind),
		propIdentifier: ir.String(r.Identifier),
		propVersion:    ir.Int(r.Version),
	}
	if r.Checksum != "" {
		props[propChecksum] = ir.String(r.Checksum)
	}
	if r.Target != r.Owner {
		props[propTargetID] = ir.String(r.Target.String())
	}
	return props
}

// Store reads and writes provenance records of one scope in a target
// replica.
type Store struct {
	target *store.Store
	scope  ir.ID
}

// New returns the provenance store for scope in target. A target whose
// schemas lack Core:ExternalSourceAspect cannot hold provenance.
func New(target *store.Store, scope ir.ID) (*Store, error) {
	if !target.Schemas().HasClass(schema.ClassExternalSourceAspect) {
		return nil, ir.NewSchemaViolation(ir.KindAspect, ir.InvalidID,
			"target repository has no %s class", schema.ClassExternalSourceAspect).WithRepo(target.RepositoryID())
	}
	if !scope.IsValid() {
		scope = ir.RootSubjectID
	}
	return &Store{target: target, scope: scope}, nil
}

// Scope returns the scope id every record of this store carries.
func (p *Store) Scope() ir.ID { return p.scope }

// Lookup finds the record of one source entity. It fails with NotFound when
// there is none and with DuplicateProvenance when there are several.
func (p *Store) Lookup(ctx context.Context, kind ir.Kind, sourceID ir.ID) (*Record, error) {
	sk, ok := SourceKind(kind)
	if !ok {
		return nil, fmt.Errorf("provenance lookup: %s has no provenance", kind)
	}
	aspects, err := p.target.QueryAspects(ctx, schema.ClassExternalSourceAspect, ir.Object{
		propScope:      ir.String(p.scope.String()),
		propKind:       ir.String(sk),
		propIdentifier: ir.String(sourceID.String()),
	})
	if err != nil {
		return nil, err
	}
	switch len(aspects) {
	case 0:
		return nil, ir.NewNotFound(kind, sourceID, "no provenance in scope %s", p.scope)
	case 1:
		return recordFromAspect(aspects[0]), nil
	default:
		return nil, ir.NewDuplicateProvenance(kind, sourceID, len(aspects)).WithRepo(p.target.RepositoryID())
	}
}

// Link describes the provenance of one target entity.
type Link struct {
	Kind     ir.Kind
	SourceID ir.ID
	// Owner is the target element the record is attached to.
	Owner ir.ID
	// Target is the target entity; equal to Owner for elements.
	Target   ir.ID
	Checksum string
	Version  int64
}

// Upsert creates the record for a source entity or updates the existing one.
func (p *Store) Upsert(ctx context.Context, l Link) (*Record, error) {
	sk, ok := SourceKind(l.Kind)
	if !ok {
		return nil, fmt.Errorf("provenance upsert: %s has no provenance", l.Kind)
	}
	if !l.Target.IsValid() {
		l.Target = l.Owner
	}
	rec := &Record{
		Owner:      l.Owner,
		Target:     l.Target,
		Scope:      p.scope,
		Kind:       sk,
		Identifier: l.SourceID.String(),
		Checksum:   l.Checksum,
		Version:    l.Version,
	}

	existing, err := p.Lookup(ctx, l.Kind, l.SourceID)
	switch {
	case ir.IsNotFound(err):
		id, err := p.target.InsertAspect(ctx, &ir.Aspect{
			ClassFullName: schema.ClassExternalSourceAspect,
			ElementID:     l.Owner,
			Properties:    rec.properties(),
		})
		if err != nil {
			return nil, fmt.Errorf("record provenance of %s %s: %w", l.Kind, l.SourceID, err)
		}
		rec.AspectID = id
		slog.Debug("provenance recorded", "kind", sk, "source", l.SourceID, "target", l.Target)
		return rec, nil
	case err != nil:
		return nil, err
	}

	rec.AspectID = existing.AspectID
	if *existing == *rec {
		return rec, nil
	}
	err = p.target.UpdateAspect(ctx, &ir.Aspect{
		ID:            existing.AspectID,
		ClassFullName: schema.ClassExternalSourceAspect,
		ElementID:     l.Owner,
		Properties:    rec.properties(),
	})
	if err != nil {
		return nil, fmt.Errorf("update provenance of %s %s: %w", l.Kind, l.SourceID, err)
	}
	return rec, nil
}

// Delete removes the record of one source entity, if any. Records on a
// deleted element are already gone with it.
func (p *Store) Delete(ctx context.Context, kind ir.Kind, sourceID ir.ID) error {
	rec, err := p.Lookup(ctx, kind, sourceID)
	if ir.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.target.DeleteAspect(ctx, rec.AspectID)
}

// Records lists every record of one kind in this scope, ordered by aspect id.
func (p *Store) Records(ctx context.Context, kind ir.Kind) ([]*Record, error) {
	sk, ok := SourceKind(kind)
	if !ok {
		return nil, fmt.Errorf("provenance records: %s has no provenance", kind)
	}
	aspects, err := p.target.QueryAspects(ctx, schema.ClassExternalSourceAspect, ir.Object{
		propScope: ir.String(p.scope.String()),
		propKind:  ir.String(sk),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(aspects))
	for i, a := range aspects {
		out[i] = recordFromAspect(a)
	}
	return out, nil
}
