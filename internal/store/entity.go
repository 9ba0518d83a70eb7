package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

var tables = map[ir.Kind]string{
	ir.KindElement:      "elements",
	ir.KindModel:        "models",
	ir.KindAspect:       "aspects",
	ir.KindRelationship: "relationships",
	ir.KindCodeSpec:     "code_specs",
}

// Get returns the entity of a kind with the given id.
func (s *Store) Get(ctx context.Context, kind ir.Kind, id ir.ID) (ir.Entity, error) {
	switch kind {
	case ir.KindElement:
		return s.GetElement(ctx, id)
	case ir.KindModel:
		return s.GetModel(ctx, id)
	case ir.KindAspect:
		return s.GetAspect(ctx, id)
	case ir.KindRelationship:
		return s.GetRelationship(ctx, id)
	case ir.KindCodeSpec:
		return s.GetCodeSpec(ctx, id)
	default:
		return nil, fmt.Errorf("get: unknown kind %s", kind)
	}
}

// Insert inserts an entity of any kind and returns its id.
func (s *Store) Insert(ctx context.Context, e ir.Entity) (ir.ID, error) {
	switch v := e.(type) {
	case *ir.Element:
		return s.InsertElement(ctx, v)
	case *ir.Model:
		return s.InsertModel(ctx, v)
	case *ir.Aspect:
		return s.InsertAspect(ctx, v)
	case *ir.Relationship:
		return s.InsertRelationship(ctx, v)
	case *ir.CodeSpec:
		return s.InsertCodeSpec(ctx, v)
	default:
		return ir.InvalidID, fmt.Errorf("insert: unknown entity %T", e)
	}
}

// Update updates an entity of any kind.
func (s *Store) Update(ctx context.Context, e ir.Entity) error {
	switch v := e.(type) {
	case *ir.Element:
		return s.UpdateElement(ctx, v)
	case *ir.Model:
		return s.UpdateModel(ctx, v)
	case *ir.Aspect:
		return s.UpdateAspect(ctx, v)
	case *ir.Relationship:
		return s.UpdateRelationship(ctx, v)
	case *ir.CodeSpec:
		return s.UpdateCodeSpec(ctx, v)
	default:
		return fmt.Errorf("update: unknown entity %T", e)
	}
}

// Delete deletes the entity of a kind with the given id.
func (s *Store) Delete(ctx context.Context, kind ir.Kind, id ir.ID) error {
	switch kind {
	case ir.KindElement:
		return s.DeleteElement(ctx, id)
	case ir.KindModel:
		return s.DeleteModel(ctx, id)
	case ir.KindAspect:
		return s.DeleteAspect(ctx, id)
	case ir.KindRelationship:
		return s.DeleteRelationship(ctx, id)
	case ir.KindCodeSpec:
		return s.DeleteCodeSpec(ctx, id)
	default:
		return fmt.Errorf("delete: unknown kind %s", kind)
	}
}

// IDs lists every id of a kind in ascending order.
func (s *Store) IDs(ctx context.Context, kind ir.Kind) ([]ir.ID, error) {
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("list ids: unknown kind %s", kind)
	}
	return s.ids(ctx, "SELECT id FROM "+table)
}

// Exists reports whether an entity of a kind has the given id.
func (s *Store) Exists(ctx context.Context, kind ir.Kind, id ir.ID) (bool, error) {
	return s.exists(ctx, kind, id)
}

func (s *Store) exists(ctx context.Context, kind ir.Kind, id ir.ID) (bool, error) {
	table, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("exists: unknown kind %s", kind)
	}
	if !id.IsValid() {
		return false, nil
	}
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ir.NewStoreFailure("check "+kind.String(), err)
	}
	return true, nil
}

// claimID allocates an id into *id when it is invalid, or checks that a
// caller-chosen id is free.
func (s *Store) claimID(ctx context.Context, kind ir.Kind, id *ir.ID) error {
	if !id.IsValid() {
		next, err := s.allocateID(ctx, kind)
		if err != nil {
			return err
		}
		*id = next
		return nil
	}
	ok, err := s.exists(ctx, kind, *id)
	if err != nil {
		return err
	}
	if ok {
		return ir.NewSchemaViolation(kind, *id, "id already in use")
	}
	return nil
}

// deleteRow removes one row and records the delete.
func (s *Store) deleteRow(ctx context.Context, kind ir.Kind, id ir.ID, before ir.Entity) error {
	if _, err := s.exec(ctx, "DELETE FROM "+tables[kind]+" WHERE id = ?", id); err != nil {
		return ir.NewStoreFailure("delete "+kind.String(), err)
	}
	return s.recordChange(ctx, kind, id, changeset.OpDelete, before)
}

// writeImage upserts an entity image without validation or change tracking.
func (s *Store) writeImage(ctx context.Context, e ir.Entity) error {
	switch v := e.(type) {
	case *ir.Element:
		return s.writeElement(ctx, v)
	case *ir.Model:
		return s.writeModel(ctx, v)
	case *ir.Aspect:
		return s.writeAspect(ctx, v)
	case *ir.Relationship:
		return s.writeRelationship(ctx, v)
	case *ir.CodeSpec:
		return s.writeCodeSpec(ctx, v)
	default:
		return fmt.Errorf("write image: unknown entity %T", e)
	}
}
