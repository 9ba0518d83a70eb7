// Package transform copies the content of a source replica into a target
// replica, remapping ids, classes and codes on the way, and keeps the copy
// current from later source changesets.
//
// A Transformer drives an export stream from the source through optional
// hooks into an importer writing the target. Everything one run needs
// lives in its Context; there is no package-level state. Saving the target
// is left to the caller; a failed run abandons the target's unsaved
// changes.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/export"
	"github.com/roach88/briefsync/internal/importer"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/metrics"
	"github.com/roach88/briefsync/internal/provenance"
	"github.com/roach88/briefsync/internal/store"
)

// FederationGUIDPolicy decides what happens to source federation guids.
type FederationGUIDPolicy string

const (
	FederationGUIDsKeep  FederationGUIDPolicy = "keep"
	FederationGUIDsClear FederationGUIDPolicy = "clear"
)

// Options configure a transformation.
type Options struct {
	// Scope is the target element provenance records are scoped to, and
	// where the source root subject lands. Defaults to the target root
	// subject.
	Scope ir.ID
	// ClassRemap renames source classes to target classes.
	ClassRemap map[string]string
	// CodeSpecRemap renames source code specs to target code specs.
	CodeSpecRemap map[string]string
	// FederationGUIDs defaults to keep.
	FederationGUIDs FederationGUIDPolicy
	// DetectDeletes makes ProcessAll delete target entities whose source
	// entity no longer exists.
	DetectDeletes bool
	// IncludeSourceProvenance exports the source's own
	// ExternalSourceAspects.
	IncludeSourceProvenance bool
	// ExcludedClasses are left out together with their dependents.
	ExcludedClasses []string
}

// Hooks are optional extension points, called in stream order.
type Hooks struct {
	// OnExportEntity filters operations; returning false skips one.
	OnExportEntity func(op export.Operation) bool
	// OnImportEntity rewrites an entity after class, code spec and guid
	// remapping and before import. It receives a copy and must not keep it.
	OnImportEntity func(e ir.Entity) (ir.Entity, error)
	// OnDelete is told about every delete handed to the importer.
	OnDelete func(ref ir.Ref)
}

// Context is the state of one transformer: options, hooks and the remap
// table shared by every run.
type Context struct {
	Options Options
	Hooks   Hooks
	Remap   *provenance.RemapTable
}

// Result reports one run.
type Result struct {
	Counts importer.Counts `json:"counts"`
	Export export.Summary  `json:"export"`
	// Filtered counts operations dropped by OnExportEntity.
	Filtered int `json:"filtered"`
	// DetectedDeletes counts deletes synthesized by deletion detection.
	DetectedDeletes int `json:"detectedDeletes"`
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithHooks installs extension hooks.
func WithHooks(h Hooks) Option {
	return func(t *Transformer) { t.tctx.Hooks = h }
}

// WithMetrics records run outcomes and entity counts.
func WithMetrics(rec metrics.Recorder) Option {
	return func(t *Transformer) { t.metrics = rec }
}

// Transformer copies one source replica into one target replica.
type Transformer struct {
	src      *store.Store
	target   *store.Store
	tctx     *Context
	exporter *export.Exporter
	importer *importer.Importer
	metrics  metrics.Recorder
	disposed bool
}

// New prepares a transformation. It fails with SchemaViolation when the
// target cannot hold provenance or lacks a class the remap table names.
func New(src, target *store.Store, opts Options, options ...Option) (*Transformer, error) {
	if opts.FederationGUIDs == "" {
		opts.FederationGUIDs = FederationGUIDsKeep
	}
	if opts.FederationGUIDs != FederationGUIDsKeep && opts.FederationGUIDs != FederationGUIDsClear {
		return nil, fmt.Errorf("transform: unknown federation guid policy %q", opts.FederationGUIDs)
	}
	if !opts.Scope.IsValid() {
		opts.Scope = ir.RootSubjectID
	}
	opts.ClassRemap = maps.Clone(opts.ClassRemap)
	opts.CodeSpecRemap = maps.Clone(opts.CodeSpecRemap)
	for from, to := range opts.ClassRemap {
		if !target.Schemas().HasClass(to) {
			return nil, ir.NewSchemaViolation(0, ir.InvalidID,
				"class %s is remapped to %s, which the target does not define", from, to).WithRepo(target.RepositoryID())
		}
	}

	if opts.Scope != ir.RootSubjectID {
		ok, err := target.Exists(context.Background(), ir.KindElement, opts.Scope)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		if !ok {
			return nil, ir.NewNotFound(ir.KindElement, opts.Scope, "scope element not found").WithRepo(target.RepositoryID())
		}
	}

	exportOpts := []export.Option{export.WithSourceProvenance(opts.IncludeSourceProvenance)}
	if len(opts.ExcludedClasses) > 0 {
		exportOpts = append(exportOpts, export.WithExcludedClasses(opts.ExcludedClasses...))
	}
	t := &Transformer{
		src:      src,
		target:   target,
		tctx:     &Context{Options: opts},
		exporter: export.New(src, exportOpts...),
		metrics:  metrics.Nop{},
	}
	if err := t.resetImporter(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	for _, o := range options {
		o(t)
	}
	return t, nil
}

// resetImporter starts over with an empty remap table. Mappings cached by a
// run whose target changes were abandoned would point at rolled back ids.
func (t *Transformer) resetImporter() error {
	im, err := importer.New(t.target, t.tctx.Options.Scope)
	if err != nil {
		return err
	}
	if scope := t.tctx.Options.Scope; scope != ir.RootSubjectID {
		im.Remap().Set(ir.KindElement, ir.RootSubjectID, scope)
	}
	im.ResolveCodeSpecsBy(t.codeSpecName)
	t.importer = im
	t.tctx.Remap = im.Remap()
	return nil
}

// codeSpecName maps a source code spec to its name in the target. Code
// specs carry no provenance, so they are found again by name.
func (t *Transformer) codeSpecName(ctx context.Context, sourceID ir.ID) (string, error) {
	spec, err := t.src.GetCodeSpec(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return remapName(t.tctx.Options.CodeSpecRemap, spec.Name), nil
}

// Context returns the transformation context.
func (t *Transformer) Context() *Context { return t.tctx }

// ProcessAll copies every source entity, then, with DetectDeletes, deletes
// target entities whose source is gone.
func (t *Transformer) ProcessAll(ctx context.Context) (res Result, err error) {
	defer metrics.Since(ctx, t.metrics, "transform.process_all", time.Now(), &err)
	if err := t.check(); err != nil {
		return Result{}, err
	}
	defer t.abandonOnError(&err)
	t.importer.ResetCounts()

	stream, err := t.exporter.ExportAll(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := t.run(ctx, stream, &res); err != nil {
		return res, err
	}
	if t.tctx.Options.DetectDeletes {
		if err := t.detectDeletes(ctx, &res); err != nil {
			return res, err
		}
	}
	res.Counts = t.importer.Counts()
	t.finish(ctx, "all", &res)
	return res, nil
}

// ProcessChanges applies the net effect of sets, given in ascending index
// order. No changesets, or only empty ones, leave the target untouched.
func (t *Transformer) ProcessChanges(ctx context.Context, sets []*changeset.ChangeSet) (res Result, err error) {
	defer metrics.Since(ctx, t.metrics, "transform.process_changes", time.Now(), &err)
	if err := t.check(); err != nil {
		return Result{}, err
	}
	defer t.abandonOnError(&err)
	t.importer.ResetCounts()

	stream, err := t.exporter.ExportChanges(ctx, sets)
	if err != nil {
		return Result{}, err
	}
	if err := t.run(ctx, stream, &res); err != nil {
		return res, err
	}
	res.Counts = t.importer.Counts()
	t.finish(ctx, "changes", &res)
	return res, nil
}

// Dispose releases cached statements of both replicas. It is safe to call
// more than once; a disposed transformer cannot run again.
func (t *Transformer) Dispose() {
	if t.disposed {
		return
	}
	t.disposed = true
	t.src.ReleaseStatements()
	t.target.ReleaseStatements()
	slog.Debug("transformer disposed", "source", t.src.RepositoryID(), "target", t.target.RepositoryID())
}

func (t *Transformer) check() error {
	if t.disposed {
		return errors.New("transform: transformer is disposed")
	}
	return nil
}

func (t *Transformer) abandonOnError(errp *error) {
	if *errp == nil {
		return
	}
	slog.Error("transform failed, abandoning target changes", "target", t.target.RepositoryID(), "error", *errp)
	if err := t.target.AbandonChanges(); err != nil {
		*errp = errors.Join(*errp, fmt.Errorf("abandon target changes: %w", err))
	}
	if err := t.resetImporter(); err != nil {
		*errp = errors.Join(*errp, err)
	}
}

// run pulls the stream one operation at a time into the importer.
func (t *Transformer) run(ctx context.Context, stream *export.Stream, res *Result) error {
	for {
		op, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := t.process(ctx, op, res); err != nil {
			return err
		}
	}
	res.Export = stream.Summary()
	return t.importer.Finish()
}

func (t *Transformer) process(ctx context.Context, op export.Operation, res *Result) error {
	h := t.tctx.Hooks
	if h.OnExportEntity != nil && !h.OnExportEntity(op) {
		res.Filtered++
		return nil
	}
	if op.Op == changeset.OpDelete {
		if h.OnDelete != nil {
			h.OnDelete(op.Ref())
		}
		return t.importer.Import(ctx, op)
	}
	e, err := t.transformEntity(op.Entity)
	if err != nil {
		return fmt.Errorf("transform %s: %w", op.Ref(), err)
	}
	op.Entity = e
	return t.importer.Import(ctx, op)
}

// transformEntity applies the remap tables, the guid policy and the import
// hook to a copy of a source entity.
func (t *Transformer) transformEntity(src ir.Entity) (ir.Entity, error) {
	opts := t.tctx.Options
	e := ir.Clone(src)
	switch v := e.(type) {
	case *ir.Element:
		v.ClassFullName = remapName(opts.ClassRemap, v.ClassFullName)
		if opts.FederationGUIDs == FederationGUIDsClear {
			v.FederationGUID = ""
		}
	case *ir.Model:
		v.ClassFullName = remapName(opts.ClassRemap, v.ClassFullName)
	case *ir.Aspect:
		v.ClassFullName = remapName(opts.ClassRemap, v.ClassFullName)
	case *ir.Relationship:
		v.ClassFullName = remapName(opts.ClassRemap, v.ClassFullName)
	case *ir.CodeSpec:
		v.Name = remapName(opts.CodeSpecRemap, v.Name)
	default:
		return nil, fmt.Errorf("unknown entity %T", e)
	}
	if t.tctx.Hooks.OnImportEntity == nil {
		return e, nil
	}
	out, err := t.tctx.Hooks.OnImportEntity(e)
	if err != nil {
		return nil, err
	}
	if out == nil || ir.RefOf(out) != ir.RefOf(src) {
		return nil, fmt.Errorf("import hook must return an entity with the same kind and id")
	}
	return out, nil
}

func remapName(table map[string]string, name string) string {
	if to, ok := table[name]; ok {
		return to
	}
	return name
}

func (t *Transformer) finish(ctx context.Context, mode string, res *Result) {
	c := res.Counts
	for kind, n := range map[string][3]int{
		ir.KindModel.String():        {c.InsertedModels, c.UpdatedModels, c.DeletedModels},
		ir.KindElement.String():      {c.InsertedElements, c.UpdatedElements, c.DeletedElements},
		ir.KindAspect.String():       {c.InsertedAspects, c.UpdatedAspects, c.DeletedAspects},
		ir.KindRelationship.String(): {c.InsertedRelationships, c.UpdatedRelationships, c.DeletedRelationships},
		ir.KindCodeSpec.String():     {c.InsertedCodeSpecs, c.UpdatedCodeSpecs, c.DeletedCodeSpecs},
	} {
		for i, op := range []changeset.Op{changeset.OpInsert, changeset.OpUpdate, changeset.OpDelete} {
			t.metrics.Entities(kind, op.String(), n[i])
		}
	}
	slog.Info("transform finished",
		"mode", mode,
		"source", t.src.RepositoryID(),
		"target", t.target.RepositoryID(),
		"written", c.Written(),
		"unchanged", c.Unchanged,
		"filtered", res.Filtered,
		"detected_deletes", res.DetectedDeletes,
		"anomalies", len(res.Export.Anomalies))
}
