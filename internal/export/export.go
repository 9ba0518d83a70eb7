// Package export turns a source replica, or a run of its changesets, into an
// ordered stream of insert, update and delete operations.
//
// Inserts and updates come first: code specs, then elements and models with
// every node after the nodes it refers to, then aspects, then relationships.
// Deletes come last, dependents first. A consumer that applies the
// operations in stream order never meets a dangling reference.
//
// Planning keeps refs, classes and dependencies only. Each entity is read
// from the source when the stream hands out its operation, so at most one
// entity is held at a time.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// Operation is one step of an export. Entity holds the current source state
// for inserts and updates, read when the stream hands the operation out, and
// is nil for deletes.
type Operation struct {
	Op     changeset.Op `json:"op"`
	Kind   ir.Kind      `json:"kind"`
	ID     ir.ID        `json:"id"`
	Entity ir.Entity    `json:"entity,omitempty"`
}

// Ref names the source entity the operation is about.
func (o Operation) Ref() ir.Ref { return ir.Ref{Kind: o.Kind, ID: o.ID} }

// Option configures an Exporter.
type Option func(*Exporter)

// WithExcludedClasses leaves out entities of the given classes and their
// subclasses, together with everything that depends on them.
func WithExcludedClasses(classes ...string) Option {
	return func(x *Exporter) { x.excluded = append(x.excluded, classes...) }
}

// WithSourceProvenance controls whether the source's own
// Core:ExternalSourceAspects are exported. They are left out by default.
func WithSourceProvenance(include bool) Option {
	return func(x *Exporter) { x.sourceProvenance = include }
}

// Exporter reads one source replica.
type Exporter struct {
	src              *store.Store
	excluded         []string
	sourceProvenance bool
}

// New returns an exporter over src.
func New(src *store.Store, opts ...Option) *Exporter {
	x := &Exporter{src: src}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Source returns the replica the exporter reads.
func (x *Exporter) Source() *store.Store { return x.src }

// ExportAll plans the export of every non-bootstrap entity of the source.
// Every operation is tagged Insert.
func (x *Exporter) ExportAll(ctx context.Context) (*Stream, error) {
	p := x.newPlan(ModeFull)
	slog.Info("export started", "repo", x.src.RepositoryID(), "mode", ModeFull)

	for _, kind := range []ir.Kind{ir.KindCodeSpec, ir.KindElement, ir.KindModel, ir.KindAspect, ir.KindRelationship} {
		ids, err := x.src.IDs(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("export all: %w", err)
		}
		for _, id := range ids {
			if id.IsReserved() {
				continue
			}
			e, err := x.src.Get(ctx, kind, id)
			if err != nil {
				return nil, fmt.Errorf("export all: %w", err)
			}
			p.stage(changeset.OpInsert, e)
		}
	}
	if err := p.finish(ctx, x.requireInSource); err != nil {
		return nil, fmt.Errorf("export all: %w", err)
	}
	return p.stream(), nil
}

// ExportChanges plans the export of the net effect of sets, given in
// ascending index order. Only entities the changesets name are visited. An
// entity a changeset inserted or updated that no longer exists in the
// source is reported as an anomaly and skipped.
func (x *Exporter) ExportChanges(ctx context.Context, sets []*changeset.ChangeSet) (*Stream, error) {
	u := changeset.UnionOf(sets...)
	p := x.newPlan(ModeChanges)
	p.summary.ChangeSets = len(sets)
	p.summary.ChangedElements = u.ChangedElements()
	p.summary.ChangedModels = u.ChangedModels()
	slog.Info("export started", "repo", x.src.RepositoryID(), "mode", ModeChanges, "changesets", len(sets))

	var deleted []ir.Entity
	for _, kind := range ir.Kinds {
		for _, entry := range u.Entries(kind) {
			if entry.Ref.ID.IsReserved() {
				continue
			}
			if entry.Op == changeset.OpDelete {
				before := entry.Before
				if before == nil {
					before = stub(entry.Ref)
				}
				deleted = append(deleted, before)
				continue
			}
			e, err := x.src.Get(ctx, kind, entry.Ref.ID)
			if ir.IsNotFound(err) {
				p.anomaly(entry.Ref, "named by a changeset but missing from the source")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("export changes: %w", err)
			}
			p.stage(entry.Op, e)
		}
	}
	if err := p.finish(ctx, x.requireInSource); err != nil {
		return nil, fmt.Errorf("export changes: %w", err)
	}
	if err := p.deletes(ctx, deleted); err != nil {
		return nil, fmt.Errorf("export changes: %w", err)
	}
	return p.stream(), nil
}

// requireInSource fails when an element or model refers to an entity that
// is neither exported alongside it nor present in the source.
func (x *Exporter) requireInSource(ctx context.Context, from, dep ir.Ref) error {
	ok, err := x.src.Exists(ctx, dep.Kind, dep.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ir.NewSchemaViolation(from.Kind, from.ID,
			"depends on %s which does not exist", dep).WithRepo(x.src.RepositoryID())
	}
	return nil
}

// classExcluded reports whether an entity's own class keeps it out of the
// export.
func (x *Exporter) classExcluded(class string) bool {
	if class == "" {
		return false
	}
	if !x.sourceProvenance && class == schema.ClassExternalSourceAspect {
		return true
	}
	for _, ex := range x.excluded {
		if x.src.Schemas().IsA(class, ex) {
			return true
		}
	}
	return false
}

// OrderDeletes orders the deletion of the given entities, dependents first:
// relationships, aspects, then elements and models so that children go
// before their parent, elements before their model and a model before its
// modeled element, and code specs last. The entities are the states before
// deletion.
func OrderDeletes(before []ir.Entity) ([]ir.Ref, error) {
	var rels, aspects, specs []ir.Ref
	g := newDepGraph()
	for _, e := range before {
		switch e.EntityKind() {
		case ir.KindRelationship:
			rels = append(rels, ir.RefOf(e))
		case ir.KindAspect:
			aspects = append(aspects, ir.RefOf(e))
		case ir.KindCodeSpec:
			specs = append(specs, ir.RefOf(e))
		default:
			g.add(ir.RefOf(e), dependencies(e))
		}
	}
	if err := g.link(context.Background(), nil); err != nil {
		return nil, err
	}
	forward, err := g.order()
	if err != nil {
		return nil, err
	}
	slices.Reverse(forward)

	out := make([]ir.Ref, 0, len(before))
	for _, refs := range [][]ir.Ref{rels, aspects} {
		slices.SortFunc(refs, compareRefs)
		out = append(out, refs...)
	}
	out = append(out, forward...)
	slices.SortFunc(specs, compareRefs)
	return append(out, specs...), nil
}

// stub stands in for a deleted entity whose prior state is unknown.
func stub(ref ir.Ref) ir.Entity {
	switch ref.Kind {
	case ir.KindCodeSpec:
		return &ir.CodeSpec{ID: ref.ID}
	case ir.KindModel:
		return &ir.Model{ID: ref.ID}
	case ir.KindAspect:
		return &ir.Aspect{ID: ref.ID}
	case ir.KindRelationship:
		return &ir.Relationship{ID: ref.ID}
	default:
		return &ir.Element{ID: ref.ID}
	}
}
