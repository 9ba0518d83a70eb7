package transform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/export"
	"github.com/roach88/briefsync/internal/importer"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
	"github.com/roach88/briefsync/internal/testutil"
)

type fixture struct {
	src    *store.Store
	target *store.Store
	f      *testutil.Fixture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := testutil.NewReplica(t, testutil.ReplicaOptions{RepositoryID: "source"})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	target := testutil.NewReplica(t, testutil.ReplicaOptions{RepositoryID: "target"})
	return &fixture{src: src, target: target, f: f}
}

func newTransformer(t *testing.T, fx *fixture, opts Options, options ...Option) *Transformer {
	t.Helper()
	tr, err := New(fx.src, fx.target, opts, options...)
	require.NoError(t, err)
	t.Cleanup(tr.Dispose)
	return tr
}

func push(t *testing.T, s *store.Store, index int64) *changeset.ChangeSet {
	t.Helper()
	ctx := context.Background()
	cs, err := s.BuildChangeSet(ctx, "")
	require.NoError(t, err)
	cs.Index = index
	require.NoError(t, s.MarkPushed(ctx, index, cs.ID))
	return cs
}

func mapped(t *testing.T, tr *Transformer, kind ir.Kind, source ir.ID) ir.ID {
	t.Helper()
	id, ok, err := tr.Context().Remap.Lookup(context.Background(), kind, source)
	require.NoError(t, err)
	require.True(t, ok, "%s %s not mapped", kind, source)
	return id
}

type recorder struct {
	mu       sync.Mutex
	ops      map[string]bool
	entities map[string]int
}

func (r *recorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = map[string]bool{}
	}
	r.ops[op] = success
}

func (r *recorder) Entities(kind, op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entities == nil {
		r.entities = map[string]int{}
	}
	r.entities[kind+"/"+op] += n
}

func TestNew_Validation(t *testing.T) {
	fx := newFixture(t)

	_, err := New(fx.src, fx.target, Options{ClassRemap: map[string]string{"Test:Widget": "Nope:Thing"}})
	require.Error(t, err)
	assert.True(t, ir.IsSchemaViolation(err))

	_, err = New(fx.src, fx.target, Options{Scope: ir.MakeID(0, 0x999)})
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))

	_, err = New(fx.src, fx.target, Options{FederationGUIDs: "shuffle"})
	require.Error(t, err)

	bare := testutil.NewReplica(t, testutil.ReplicaOptions{RepositoryID: "bare", WithoutProvenance: true})
	_, err = New(fx.src, bare, Options{})
	require.Error(t, err)
	assert.True(t, ir.IsSchemaViolation(err))
}

func TestProcessAll(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	rec := &recorder{}
	tr := newTransformer(t, fx, Options{}, WithMetrics(rec))

	res, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, importer.Counts{
		InsertedModels:        1,
		InsertedElements:      5,
		InsertedAspects:       3,
		InsertedRelationships: 1,
		InsertedCodeSpecs:     1,
	}, res.Counts)
	assert.Equal(t, export.ModeFull, res.Export.Mode)
	assert.True(t, fx.target.HasUnsavedChanges(), "the caller saves the target")
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	assert.Equal(t, 3, testutil.Count(t, fx.target, ir.KindElement, "Test:Widget"))
	assert.Equal(t, 9, testutil.Count(t, fx.target, ir.KindAspect, schema.ClassExternalSourceAspect))
	assert.True(t, rec.ops["transform.process_all"])
	assert.Equal(t, 5, rec.entities["Element/Insert"])

	w, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[0]))
	require.NoError(t, err)
	assert.Equal(t, "widget red", w.UserLabel)
	assert.Equal(t, "W-1", w.Code.Value)
	assert.Equal(t, mapped(t, tr, ir.KindModel, fx.f.Model), w.ModelID)
}

func TestProcess_Idempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	push(t, fx.src, 1)
	tr := newTransformer(t, fx, Options{})

	_, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	res, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Written())
	assert.Equal(t, 11, res.Counts.Unchanged)
	assert.False(t, fx.target.HasUnsavedChanges())

	res, err = tr.ProcessChanges(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Written())

	empty, err := fx.src.BuildChangeSet(ctx, "")
	require.NoError(t, err)
	empty.Index = 2
	res, err = tr.ProcessChanges(ctx, []*changeset.ChangeSet{empty})
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Written())
	assert.False(t, fx.target.HasUnsavedChanges())

	// A fresh transformer over the same scope finds the first run's work
	// through provenance alone.
	again := newTransformer(t, fx, Options{})
	res, err = again.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Written())
	assert.Equal(t, 5+2, testutil.Count(t, fx.target, ir.KindElement, ""))
}

func TestProcessChanges_DeletedPartition(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	e1, err := fx.src.InsertElement(ctx, &ir.Element{
		ClassFullName: schema.ClassPhysicalPartition,
		ModelID:       ir.RepositoryModelID,
		ParentID:      ir.RootSubjectID,
		UserLabel:     "E1",
	})
	require.NoError(t, err)
	_, err = fx.src.InsertModel(ctx, &ir.Model{ClassFullName: schema.ClassPhysicalModel, ModeledElementID: e1})
	require.NoError(t, err)
	require.NoError(t, fx.src.SaveChanges(ctx, "add E1"))
	push(t, fx.src, 1)

	tr := newTransformer(t, fx, Options{})
	_, err = tr.ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))
	target := mapped(t, tr, ir.KindElement, e1)

	require.NoError(t, fx.src.DeleteModel(ctx, e1))
	require.NoError(t, fx.src.DeleteElement(ctx, e1))
	require.NoError(t, fx.src.SaveChanges(ctx, "drop E1"))
	cs := push(t, fx.src, 2)

	res, err := tr.ProcessChanges(ctx, []*changeset.ChangeSet{cs})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.DeletedModels)
	assert.Equal(t, 1, res.Counts.DeletedElements)
	assert.Equal(t, 2, res.Counts.Written())
	require.NoError(t, fx.target.SaveChanges(ctx, "transform changes"))

	for _, kind := range []ir.Kind{ir.KindElement, ir.KindModel} {
		ok, err := fx.target.Exists(ctx, kind, target)
		require.NoError(t, err)
		assert.False(t, ok, "%s %s still in target", kind, target)
	}
	_, err = tr.Context().Remap.Provenance().Lookup(ctx, ir.KindElement, e1)
	assert.True(t, ir.IsNotFound(err))
}

func TestProcessChanges_Updates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	push(t, fx.src, 1)
	tr := newTransformer(t, fx, Options{})
	_, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	w, err := fx.src.GetElement(ctx, fx.f.Widgets[2])
	require.NoError(t, err)
	w.Properties["size"] = ir.Int(42)
	require.NoError(t, fx.src.UpdateElement(ctx, w))
	require.NoError(t, fx.src.SaveChanges(ctx, "resize"))
	first := push(t, fx.src, 2)

	w.Properties["size"] = ir.Int(43)
	require.NoError(t, fx.src.UpdateElement(ctx, w))
	require.NoError(t, fx.src.SaveChanges(ctx, "resize again"))
	second := push(t, fx.src, 3)

	res, err := tr.ProcessChanges(ctx, []*changeset.ChangeSet{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.UpdatedElements)
	assert.Equal(t, 1, res.Counts.Written())
	assert.Equal(t, 2, res.Export.ChangeSets)

	got, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[2]))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(43), got.Properties["size"])
}

func TestProcessChanges_FreshTransformerResolvesCodes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	push(t, fx.src, 1)
	opts := Options{CodeSpecRemap: map[string]string{"Test:Serial": "Target:Serial"}}
	_, err := newTransformer(t, fx, opts).ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	w, err := fx.src.GetElement(ctx, fx.f.Widgets[2])
	require.NoError(t, err)
	w.Properties["size"] = ir.Int(42)
	require.NoError(t, fx.src.UpdateElement(ctx, w))
	require.NoError(t, fx.src.SaveChanges(ctx, "resize"))
	cs := push(t, fx.src, 2)

	tr := newTransformer(t, fx, opts)
	res, err := tr.ProcessChanges(ctx, []*changeset.ChangeSet{cs})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.UpdatedElements)
	assert.Equal(t, 1, res.Counts.Written())

	spec, err := fx.target.CodeSpecByName(ctx, "Target:Serial")
	require.NoError(t, err)
	got, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[2]))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(42), got.Properties["size"])
	assert.Equal(t, spec.ID, got.Code.SpecID)
	assert.Equal(t, "W-3", got.Code.Value)
}

func TestProcessChanges_AfterFailedRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	push(t, fx.src, 1)
	tr := newTransformer(t, fx, Options{})
	_, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	w, err := fx.src.GetElement(ctx, fx.f.Widgets[1])
	require.NoError(t, err)
	w.UserLabel = "widget lime"
	require.NoError(t, fx.src.UpdateElement(ctx, w))
	require.NoError(t, fx.src.SaveChanges(ctx, "relabel"))
	cs := push(t, fx.src, 2)

	boom := errors.New("boom")
	tr.Context().Hooks = Hooks{OnImportEntity: func(ir.Entity) (ir.Entity, error) { return nil, boom }}
	_, err = tr.ProcessChanges(ctx, []*changeset.ChangeSet{cs})
	require.ErrorIs(t, err, boom)

	// The failed run emptied the remap table; the retry finds the code
	// spec again.
	tr.Context().Hooks = Hooks{}
	res, err := tr.ProcessChanges(ctx, []*changeset.ChangeSet{cs})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.UpdatedElements)
	got, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[1]))
	require.NoError(t, err)
	assert.Equal(t, "widget lime", got.UserLabel)
}

func TestProcessAll_ClassAndCodeSpecRemap(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tr := newTransformer(t, fx, Options{
		ClassRemap:    map[string]string{"Test:Widget": "Target:Part", "Test:Tag": "Target:Label"},
		CodeSpecRemap: map[string]string{"Test:Serial": "Target:Serial"},
	})

	_, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, testutil.Count(t, fx.target, ir.KindElement, "Target:Part"))
	assert.Zero(t, testutil.Count(t, fx.target, ir.KindElement, "Test:Widget"))
	assert.Equal(t, 1, testutil.Count(t, fx.target, ir.KindElement, "Test:Gadget"))
	assert.Equal(t, 1, testutil.Count(t, fx.target, ir.KindAspect, "Target:Label"))

	spec, err := fx.target.CodeSpecByName(ctx, "Target:Serial")
	require.NoError(t, err)
	w, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[1]))
	require.NoError(t, err)
	assert.Equal(t, spec.ID, w.Code.SpecID)
}

func TestProcessAll_FederationGUIDs(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []FederationGUIDPolicy{FederationGUIDsKeep, FederationGUIDsClear} {
		t.Run(string(policy), func(t *testing.T) {
			fx := newFixture(t)
			tr := newTransformer(t, fx, Options{FederationGUIDs: policy})
			_, err := tr.ProcessAll(ctx)
			require.NoError(t, err)

			src, err := fx.src.GetElement(ctx, fx.f.Widgets[0])
			require.NoError(t, err)
			got, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[0]))
			require.NoError(t, err)
			if policy == FederationGUIDsKeep {
				assert.Equal(t, src.FederationGUID, got.FederationGUID)
			} else {
				assert.Empty(t, got.FederationGUID)
			}
		})
	}
}

func TestProcessAll_Scope(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	subject, err := fx.target.InsertElement(ctx, &ir.Element{
		ClassFullName: schema.ClassSubject,
		ModelID:       ir.RepositoryModelID,
		ParentID:      ir.RootSubjectID,
		UserLabel:     "from source",
	})
	require.NoError(t, err)
	require.NoError(t, fx.target.SaveChanges(ctx, "add subject"))

	tr := newTransformer(t, fx, Options{Scope: subject})
	_, err = tr.ProcessAll(ctx)
	require.NoError(t, err)

	p, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Partition))
	require.NoError(t, err)
	assert.Equal(t, subject, p.ParentID)

	recs, err := tr.Context().Remap.Provenance().Records(ctx, ir.KindElement)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for _, r := range recs {
		assert.Equal(t, subject, r.Scope)
	}
}

func TestProcessAll_Hooks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	var deleted []ir.Ref
	tr := newTransformer(t, fx, Options{DetectDeletes: true}, WithHooks(Hooks{
		OnExportEntity: func(op export.Operation) bool {
			return op.Kind != ir.KindRelationship
		},
		OnImportEntity: func(e ir.Entity) (ir.Entity, error) {
			if el, ok := e.(*ir.Element); ok {
				el.UserLabel = strings.ToUpper(el.UserLabel)
			}
			return e, nil
		},
		OnDelete: func(ref ir.Ref) { deleted = append(deleted, ref) },
	}))

	res, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filtered)
	assert.Zero(t, res.Counts.InsertedRelationships)
	assert.Zero(t, testutil.Count(t, fx.target, ir.KindRelationship, "Test:Feeds"))

	w, err := fx.target.GetElement(ctx, mapped(t, tr, ir.KindElement, fx.f.Widgets[0]))
	require.NoError(t, err)
	assert.Equal(t, "WIDGET RED", w.UserLabel)

	// Labels written by the hook stay stable across runs.
	res, err = tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Written())

	require.NoError(t, fx.src.DeleteElement(ctx, fx.f.Child))
	require.NoError(t, fx.src.SaveChanges(ctx, "drop child"))
	_, err = tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.Ref{{Kind: ir.KindElement, ID: fx.f.Child}}, deleted)
}

func TestProcessAll_ImportHookMustKeepIdentity(t *testing.T) {
	fx := newFixture(t)
	tr := newTransformer(t, fx, Options{}, WithHooks(Hooks{
		OnImportEntity: func(e ir.Entity) (ir.Entity, error) {
			if el, ok := e.(*ir.Element); ok {
				el.ID++
			}
			return e, nil
		},
	}))
	_, err := tr.ProcessAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same kind and id")
}

func TestProcessAll_DetectDeletes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tr := newTransformer(t, fx, Options{DetectDeletes: true})
	res, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DetectedDeletes)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	require.NoError(t, fx.src.DeleteElement(ctx, fx.f.Child))
	require.NoError(t, fx.src.DeleteRelationship(ctx, fx.f.Feeds))
	require.NoError(t, fx.src.DeleteAspect(ctx, fx.f.Notes[0]))
	require.NoError(t, fx.src.SaveChanges(ctx, "prune"))

	res, err = tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.DetectedDeletes)
	assert.Equal(t, importer.Counts{
		DeletedElements:      1,
		DeletedAspects:       1,
		DeletedRelationships: 1,
		Unchanged:            8,
	}, res.Counts)
	require.NoError(t, fx.target.SaveChanges(ctx, "transform"))

	assert.Equal(t, 1, testutil.Count(t, fx.target, ir.KindAspect, "Test:Note"))
	assert.Zero(t, testutil.Count(t, fx.target, ir.KindElement, "Test:Gadget"))
	assert.Equal(t, 6, testutil.Count(t, fx.target, ir.KindAspect, schema.ClassExternalSourceAspect))

	// Without detection the target keeps what the source dropped.
	keep := newTransformer(t, fx, Options{})
	require.NoError(t, fx.src.DeleteElement(ctx, fx.f.Widgets[1]))
	require.NoError(t, fx.src.SaveChanges(ctx, "drop widget"))
	res, err = keep.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DetectedDeletes)
	assert.Equal(t, 3, testutil.Count(t, fx.target, ir.KindElement, "Test:Widget"))
}

func TestProcessAll_AbandonsOnError(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	rec := &recorder{}
	boom := errors.New("boom")
	tr := newTransformer(t, fx, Options{}, WithMetrics(rec), WithHooks(Hooks{
		OnImportEntity: func(e ir.Entity) (ir.Entity, error) {
			if ir.ClassOf(e) == "Test:Gadget" {
				return nil, boom
			}
			return e, nil
		},
	}))

	_, err := tr.ProcessAll(ctx)
	require.ErrorIs(t, err, boom)
	assert.False(t, fx.target.HasUnsavedChanges())
	assert.Zero(t, testutil.Count(t, fx.target, ir.KindElement, "Test:Widget"))
	assert.Zero(t, testutil.Count(t, fx.target, ir.KindAspect, schema.ClassExternalSourceAspect))
	assert.False(t, rec.ops["transform.process_all"])

	// Mappings from the abandoned run are gone, so a clean rerun inserts
	// everything again.
	tr.Context().Hooks = Hooks{}
	res, err := tr.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Counts.InsertedElements)
	assert.True(t, rec.ops["transform.process_all"])
}

func TestDispose(t *testing.T) {
	fx := newFixture(t)
	tr, err := New(fx.src, fx.target, Options{})
	require.NoError(t, err)
	tr.Dispose()
	tr.Dispose()

	_, err = tr.ProcessAll(context.Background())
	require.Error(t, err)
	_, err = tr.ProcessChanges(context.Background(), nil)
	require.Error(t, err)
}
