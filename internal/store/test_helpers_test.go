package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

const testSchemaSource = `
schema: Test: {
	references: ["Core"]
	classes: {
		Widget: {kind: "Element", base: "Core:PhysicalElement", properties: {size: "int", color: "string"}}
		Tag: {kind: "UniqueAspect", base: "Core:ElementUniqueAspect", properties: {label: "string"}}
		Note: {kind: "MultiAspect", base: "Core:ElementMultiAspect", properties: {text: "string"}}
		Feeds: {kind: "Relationship", base: "Core:ElementRefersToElements"}
	}
}
`

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	schemas, err := schema.Compile("test.cue", []byte(testSchemaSource))
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	return schemas[0]
}

// createTestStore creates a standalone replica with the test schema in a
// temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return createTestReplica(t, 0)
}

func createTestReplica(t *testing.T, replica uint32) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	s, err := Create(context.Background(), path, CreateOptions{
		RepositoryID:  "test-repo",
		ReplicaNumber: replica,
		Schemas:       []*schema.Schema{testSchema(t)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedModel inserts a partition element and the physical model it
// carries, returning the model id.
func seedModel(t *testing.T, s *Store) ir.ID {
	t.Helper()
	ctx := context.Background()
	part := &ir.Element{
		ClassFullName: schema.ClassPhysicalPartition,
		ModelID:       ir.RepositoryModelID,
		ParentID:      ir.RootSubjectID,
		UserLabel:     "Physical",
	}
	id, err := s.InsertElement(ctx, part)
	require.NoError(t, err)
	_, err = s.InsertModel(ctx, &ir.Model{ClassFullName: schema.ClassPhysicalModel, ModeledElementID: id})
	require.NoError(t, err)
	return id
}

func widget(model ir.ID, label string, size int64) *ir.Element {
	return &ir.Element{
		ClassFullName: "Test:Widget",
		ModelID:       model,
		UserLabel:     label,
		Properties:    ir.Object{"size": ir.Int(size)},
	}
}
