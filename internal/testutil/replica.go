// Package testutil builds fixture repositories shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// SchemaSource declares the fixture schemas: Test for source repositories
// and Target for transformations that remap classes.
const SchemaSource = `
schema: Test: {
	references: ["Core"]
	classes: {
		Widget: {kind: "Element", base: "Core:PhysicalElement", properties: {size: "int", color: "string", geometry: "object"}}
		Gadget: {kind: "Element", base: "Test:Widget"}
		Tag: {kind: "UniqueAspect", base: "Core:ElementUniqueAspect", properties: {label: "string"}}
		Note: {kind: "MultiAspect", base: "Core:ElementMultiAspect", properties: {text: "string"}}
		Feeds: {kind: "Relationship", base: "Core:ElementRefersToElements", properties: {rate: "number"}}
	}
}

schema: Target: {
	version: "02.00.00"
	references: ["Core"]
	classes: {
		Part: {kind: "Element", base: "Core:PhysicalElement", properties: {size: "int", color: "string", geometry: "object"}}
		Label: {kind: "UniqueAspect", base: "Core:ElementUniqueAspect", properties: {label: "string"}}
	}
}
`

// Schemas compiles the fixture schemas.
func Schemas(t testing.TB) []*schema.Schema {
	t.Helper()
	schemas, err := schema.Compile("fixture.cue", []byte(SchemaSource))
	require.NoError(t, err)
	return schemas
}

// ReplicaOptions configures NewReplica.
type ReplicaOptions struct {
	RepositoryID      string
	ReplicaNumber     uint32
	WithoutProvenance bool
	// Dir defaults to a fresh t.TempDir().
	Dir string
}

// NewReplica creates a replica file with the fixture schemas, closed when
// the test ends.
func NewReplica(t testing.TB, opts ReplicaOptions) *store.Store {
	t.Helper()
	if opts.RepositoryID == "" {
		opts.RepositoryID = "fixture-repo"
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	path := filepath.Join(opts.Dir, opts.RepositoryID+".db")
	s, err := store.Create(context.Background(), path, store.CreateOptions{
		RepositoryID:      opts.RepositoryID,
		ReplicaNumber:     opts.ReplicaNumber,
		WithoutProvenance: opts.WithoutProvenance,
		Schemas:           Schemas(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Fixture names the entities Populate creates.
type Fixture struct {
	CodeSpec  ir.ID
	Partition ir.ID
	// Model is modeled by Partition and shares its id.
	Model   ir.ID
	Widgets []ir.ID
	// Child is a gadget parented to Widgets[0].
	Child ir.ID
	Tag   ir.ID
	Notes []ir.ID
	Feeds ir.ID
}

// Populate fills s with a small physical model and saves the changes: a
// code spec, a partition with its model, three coded widgets, a child
// gadget, aspects and one relationship.
func Populate(t testing.TB, s *store.Store, guids *DeterministicGUIDs) *Fixture {
	t.Helper()
	ctx := context.Background()
	f := &Fixture{}
	var err error

	f.CodeSpec, err = s.InsertCodeSpec(ctx, &ir.CodeSpec{Name: "Test:Serial", Properties: ir.Object{"scope": ir.String("model")}})
	require.NoError(t, err)

	f.Partition, err = s.InsertElement(ctx, &ir.Element{
		ClassFullName:  schema.ClassPhysicalPartition,
		ModelID:        ir.RepositoryModelID,
		ParentID:       ir.RootSubjectID,
		UserLabel:      "Physical",
		FederationGUID: guids.Next(),
	})
	require.NoError(t, err)
	f.Model, err = s.InsertModel(ctx, &ir.Model{ClassFullName: schema.ClassPhysicalModel, ModeledElementID: f.Partition})
	require.NoError(t, err)

	for i, color := range []string{"red", "green", "blue"} {
		id, err := s.InsertElement(ctx, &ir.Element{
			ClassFullName:  "Test:Widget",
			ModelID:        f.Model,
			Code:           ir.Code{SpecID: f.CodeSpec, ScopeID: f.Model, Value: "W-" + string(rune('1'+i))},
			UserLabel:      "widget " + color,
			FederationGUID: guids.Next(),
			Properties:     ir.Object{"size": ir.Int(int64(i + 1)), "color": ir.String(color)},
		})
		require.NoError(t, err)
		f.Widgets = append(f.Widgets, id)
	}

	f.Child, err = s.InsertElement(ctx, &ir.Element{
		ClassFullName:  "Test:Gadget",
		ModelID:        f.Model,
		ParentID:       f.Widgets[0],
		UserLabel:      "gadget",
		FederationGUID: guids.Next(),
		Properties:     ir.Object{"size": ir.Int(10)},
	})
	require.NoError(t, err)

	f.Tag, err = s.InsertAspect(ctx, &ir.Aspect{
		ClassFullName: "Test:Tag",
		ElementID:     f.Widgets[0],
		Properties:    ir.Object{"label": ir.String("primary")},
	})
	require.NoError(t, err)
	for _, text := range []string{"first", "second"} {
		id, err := s.InsertAspect(ctx, &ir.Aspect{
			ClassFullName: "Test:Note",
			ElementID:     f.Widgets[1],
			Properties:    ir.Object{"text": ir.String(text)},
		})
		require.NoError(t, err)
		f.Notes = append(f.Notes, id)
	}

	f.Feeds, err = s.InsertRelationship(ctx, &ir.Relationship{
		ClassFullName: "Test:Feeds",
		SourceID:      f.Widgets[0],
		TargetID:      f.Widgets[2],
		Properties:    ir.Object{"rate": ir.Float(0.5)},
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveChanges(ctx, "populate fixture"))
	return f
}

// Count returns how many entities of a kind s holds, optionally of one
// class.
func Count(t testing.TB, s *store.Store, kind ir.Kind, class string) int {
	t.Helper()
	ctx := context.Background()
	ids, err := s.IDs(ctx, kind)
	require.NoError(t, err)
	if class == "" {
		return len(ids)
	}
	n := 0
	for _, id := range ids {
		e, err := s.Get(ctx, kind, id)
		require.NoError(t, err)
		if ir.ClassOf(e) == class {
			n++
		}
	}
	return n
}
