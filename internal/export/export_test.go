package export

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
	"github.com/roach88/briefsync/internal/testutil"
)

// render prints one operation per line for golden comparison.
func render(ops []Operation) []byte {
	var b strings.Builder
	for _, op := range ops {
		label := "-"
		switch e := op.Entity.(type) {
		case nil:
		case *ir.CodeSpec:
			label = e.Name
		default:
			label = ir.ClassOf(e)
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", op.Op, op.Kind, op.ID, label)
	}
	return []byte(b.String())
}

func assertGolden(t *testing.T, name string, ops []Operation) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, render(ops))
}

func collect(t *testing.T, s *Stream) []Operation {
	t.Helper()
	ops, err := Collect(context.Background(), s)
	require.NoError(t, err)
	return ops
}

// push builds the pending changes into a changeset and marks it pushed at
// index.
func push(t *testing.T, s *store.Store, index int64) *changeset.ChangeSet {
	t.Helper()
	ctx := context.Background()
	cs, err := s.BuildChangeSet(ctx, "")
	require.NoError(t, err)
	cs.Index = index
	require.NoError(t, s.MarkPushed(ctx, index, cs.ID))
	return cs
}

// edit applies a second round of changes to a populated fixture: one
// update, one insert under an existing parent and three deletes.
func edit(t *testing.T, s *store.Store, f *testutil.Fixture) ir.ID {
	t.Helper()
	ctx := context.Background()
	w, err := s.GetElement(ctx, f.Widgets[1])
	require.NoError(t, err)
	w.UserLabel = "widget green, relabeled"
	require.NoError(t, s.UpdateElement(ctx, w))

	added, err := s.InsertElement(ctx, &ir.Element{
		ClassFullName: "Test:Widget",
		ModelID:       f.Model,
		ParentID:      f.Widgets[2],
		UserLabel:     "widget added",
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteElement(ctx, f.Child))
	require.NoError(t, s.DeleteRelationship(ctx, f.Feeds))
	require.NoError(t, s.DeleteAspect(ctx, f.Notes[0]))
	require.NoError(t, s.SaveChanges(ctx, "edit fixture"))
	return added
}

func TestExportAll_Order(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	testutil.Populate(t, src, testutil.NewDeterministicGUIDs())

	stream, err := New(src).ExportAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, stream.Len())
	ops := collect(t, stream)
	assertGolden(t, "export_all", ops)

	sum := stream.Summary()
	assert.Equal(t, ModeFull, sum.Mode)
	assert.Equal(t, KindCounts{Inserted: 5}, sum.Counts[ir.KindElement])
	assert.Equal(t, KindCounts{Inserted: 3}, sum.Counts[ir.KindAspect])
	assert.Equal(t, 11, sum.Total())
	assert.Empty(t, sum.Anomalies)
}

func TestExportAll_EveryReferenceComesFirst(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	edit(t, src, f)

	stream, err := New(src).ExportAll(context.Background())
	require.NoError(t, err)
	seen := map[ir.Ref]bool{}
	for _, op := range collect(t, stream) {
		for _, dep := range dependencies(op.Entity) {
			assert.True(t, seen[dep], "%s exported before its dependency %s", op.Ref(), dep)
		}
		if e, ok := op.Entity.(*ir.Element); ok && e.Code.SpecID.IsValid() {
			assert.True(t, seen[ir.Ref{Kind: ir.KindCodeSpec, ID: e.Code.SpecID}])
		}
		seen[op.Ref()] = true
	}
}

func TestExportAll_SkipsBootstrapAndEmptyRepository(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	stream, err := New(src).ExportAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, collect(t, stream))
	assert.Zero(t, stream.Summary().Total())
}

func TestExportAll_CycleIsSchemaViolation(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())

	// Move the partition into the model it models.
	p, err := src.GetElement(ctx, f.Partition)
	require.NoError(t, err)
	p.ModelID = f.Model
	require.NoError(t, src.UpdateElement(ctx, p))
	require.NoError(t, src.SaveChanges(ctx, "make a cycle"))

	_, err = New(src).ExportAll(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsSchemaViolation(err))
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestExportChanges_Order(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	push(t, src, 1)
	edit(t, src, f)
	cs2 := push(t, src, 2)

	stream, err := New(src).ExportChanges(context.Background(), []*changeset.ChangeSet{cs2})
	require.NoError(t, err)
	assertGolden(t, "export_changes", collect(t, stream))

	sum := stream.Summary()
	assert.Equal(t, ModeChanges, sum.Mode)
	assert.Equal(t, 1, sum.ChangeSets)
	assert.Equal(t, KindCounts{Inserted: 1, Updated: 1, Deleted: 1}, sum.Counts[ir.KindElement])
	assert.Equal(t, KindCounts{Deleted: 1}, sum.Counts[ir.KindRelationship])
	assert.Equal(t, []ir.ID{f.Model}, sum.ChangedModels)
}

func TestExportChanges_UnionFoldsLaterWins(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	cs1 := push(t, src, 1)
	added := edit(t, src, f)
	cs2 := push(t, src, 2)

	stream, err := New(src).ExportChanges(context.Background(), []*changeset.ChangeSet{cs1, cs2})
	require.NoError(t, err)
	ops := map[ir.Ref]changeset.Op{}
	for _, op := range collect(t, stream) {
		ops[op.Ref()] = op.Op
	}

	// insert then delete cancels
	assert.NotContains(t, ops, ir.Ref{Kind: ir.KindElement, ID: f.Child})
	assert.NotContains(t, ops, ir.Ref{Kind: ir.KindRelationship, ID: f.Feeds})
	assert.NotContains(t, ops, ir.Ref{Kind: ir.KindAspect, ID: f.Notes[0]})
	// insert then update stays insert
	assert.Equal(t, changeset.OpInsert, ops[ir.Ref{Kind: ir.KindElement, ID: f.Widgets[1]}])
	assert.Equal(t, changeset.OpInsert, ops[ir.Ref{Kind: ir.KindElement, ID: added}])
	assert.Empty(t, stream.Summary().Anomalies)
}

func TestExportChanges_MissingEntityIsAnomaly(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	cs1 := push(t, src, 1)
	edit(t, src, f)
	push(t, src, 2)

	// Exporting only the first changeset names entities the source no longer
	// has.
	stream, err := New(src).ExportChanges(context.Background(), []*changeset.ChangeSet{cs1})
	require.NoError(t, err)
	ops := collect(t, stream)

	var missing []ir.Ref
	for _, a := range stream.Summary().Anomalies {
		missing = append(missing, a.Ref)
	}
	assert.ElementsMatch(t, []ir.Ref{
		{Kind: ir.KindElement, ID: f.Child},
		{Kind: ir.KindAspect, ID: f.Notes[0]},
		{Kind: ir.KindRelationship, ID: f.Feeds},
	}, missing)
	assert.Len(t, ops, 8)
}

func TestExportChanges_NoChangeSets(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	testutil.Populate(t, src, testutil.NewDeterministicGUIDs())

	stream, err := New(src).ExportChanges(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stream.Len())
	assert.Empty(t, stream.Summary().ChangedElements)
}

func TestExportChanges_AspectOnlyChangeMarksElement(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	push(t, src, 1)

	tag, err := src.GetAspect(ctx, f.Tag)
	require.NoError(t, err)
	tag.Properties["label"] = ir.String("secondary")
	require.NoError(t, src.UpdateAspect(ctx, tag))
	require.NoError(t, src.SaveChanges(ctx, "retag"))
	cs := push(t, src, 2)

	stream, err := New(src).ExportChanges(ctx, []*changeset.ChangeSet{cs})
	require.NoError(t, err)
	ops := collect(t, stream)
	require.Len(t, ops, 1)
	assert.Equal(t, ir.Ref{Kind: ir.KindAspect, ID: f.Tag}, ops[0].Ref())

	changed := stream.Summary().ChangedElements
	require.Len(t, changed, 1)
	assert.Equal(t, f.Widgets[0], changed[0].ID)
	assert.NotZero(t, changed[0].Change&changeset.ChangeIndirect)
}

func TestExport_ExcludedClassesTakeDependents(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())

	stream, err := New(src, WithExcludedClasses("Test:Widget")).ExportAll(context.Background())
	require.NoError(t, err)
	ops := collect(t, stream)

	refs := map[ir.Ref]bool{}
	for _, op := range ops {
		refs[op.Ref()] = true
	}
	assert.True(t, refs[ir.Ref{Kind: ir.KindModel, ID: f.Model}])
	// Gadget derives from Widget; aspects and relationships hang off widgets.
	assert.False(t, refs[ir.Ref{Kind: ir.KindElement, ID: f.Child}])
	assert.False(t, refs[ir.Ref{Kind: ir.KindAspect, ID: f.Tag}])
	assert.False(t, refs[ir.Ref{Kind: ir.KindRelationship, ID: f.Feeds}])
	assert.Len(t, ops, 3)
	assert.Equal(t, 8, stream.Summary().Excluded)
}

func TestExport_SourceProvenance(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	_, err := src.InsertAspect(ctx, &ir.Aspect{
		ClassFullName: schema.ClassExternalSourceAspect,
		ElementID:     f.Widgets[0],
		Properties:    ir.Object{"scope": ir.String("0x1"), "kind": ir.String("Element"), "identifier": ir.String("0x999")},
	})
	require.NoError(t, err)
	require.NoError(t, src.SaveChanges(ctx, "add provenance"))

	count := func(x *Exporter) int {
		stream, err := x.ExportAll(ctx)
		require.NoError(t, err)
		return stream.Summary().Counts[ir.KindAspect].Inserted
	}
	assert.Equal(t, 3, count(New(src)))
	assert.Equal(t, 4, count(New(src, WithSourceProvenance(true))))
}

func TestOrderDeletes(t *testing.T) {
	partition := &ir.Element{ID: 0x200, ClassFullName: schema.ClassPhysicalPartition, ModelID: ir.RepositoryModelID, ParentID: ir.RootSubjectID}
	model := &ir.Model{ID: 0x200, ClassFullName: schema.ClassPhysicalModel, ModeledElementID: 0x200, ParentModelID: ir.RepositoryModelID}
	parent := &ir.Element{ID: 0x201, ClassFullName: "Test:Widget", ModelID: 0x200}
	child := &ir.Element{ID: 0x202, ClassFullName: "Test:Gadget", ModelID: 0x200, ParentID: 0x201}
	spec := &ir.CodeSpec{ID: 0x300, Name: "Test:Serial"}
	aspect := &ir.Aspect{ID: 0x400, ClassFullName: "Test:Tag", ElementID: 0x201}
	rel := &ir.Relationship{ID: 0x500, ClassFullName: "Test:Feeds", SourceID: 0x201, TargetID: 0x202}

	refs, err := OrderDeletes([]ir.Entity{spec, partition, parent, model, child, aspect, rel})
	require.NoError(t, err)
	assert.Equal(t, []ir.Ref{
		{Kind: ir.KindRelationship, ID: 0x500},
		{Kind: ir.KindAspect, ID: 0x400},
		{Kind: ir.KindElement, ID: 0x202},
		{Kind: ir.KindElement, ID: 0x201},
		{Kind: ir.KindModel, ID: 0x200},
		{Kind: ir.KindElement, ID: 0x200},
		{Kind: ir.KindCodeSpec, ID: 0x300},
	}, refs)
}

func TestStream_HonorsContext(t *testing.T) {
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	testutil.Populate(t, src, testutil.NewDeterministicGUIDs())
	stream, err := New(src).ExportAll(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 11, stream.Len())
}

func TestStream_ReadsEntitiesWhenHandedOut(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewReplica(t, testutil.ReplicaOptions{})
	f := testutil.Populate(t, src, testutil.NewDeterministicGUIDs())

	stream, err := New(src).ExportAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 11, stream.Len())

	// Edits made after planning show up in the stream.
	w, err := src.GetElement(ctx, f.Widgets[2])
	require.NoError(t, err)
	w.UserLabel = "widget navy"
	require.NoError(t, src.UpdateElement(ctx, w))
	require.NoError(t, src.DeleteRelationship(ctx, f.Feeds))
	require.NoError(t, src.SaveChanges(ctx, "edit after planning"))

	ops := collect(t, stream)
	require.Len(t, ops, 10)
	for _, op := range ops {
		assert.NotEqual(t, ir.KindRelationship, op.Kind)
		if op.ID == f.Widgets[2] && op.Kind == ir.KindElement {
			assert.Equal(t, "widget navy", op.Entity.(*ir.Element).UserLabel)
		}
	}

	sum := stream.Summary()
	assert.Equal(t, KindCounts{}, sum.Counts[ir.KindRelationship])
	assert.Equal(t, 10, sum.Total())
	require.Len(t, sum.Anomalies, 1)
	assert.Equal(t, ir.Ref{Kind: ir.KindRelationship, ID: f.Feeds}, sum.Anomalies[0].Ref)
	assert.Equal(t, "removed from the source during export", sum.Anomalies[0].Message)
}
