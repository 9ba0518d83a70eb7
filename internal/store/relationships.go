package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// GetRelationship returns one relationship.
func (s *Store) GetRelationship(ctx context.Context, id ir.ID) (*ir.Relationship, error) {
	r, err := scanRelationship(s.queryRow(ctx, "SELECT "+relationshipColumns+" FROM relationships WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindRelationship, id, "relationship not found")
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read relationship", err)
	}
	return r, nil
}

// InsertRelationship links two existing elements. r.ID is set in place when
// allocated.
func (s *Store) InsertRelationship(ctx context.Context, r *ir.Relationship) (ir.ID, error) {
	if err := s.schemas.CheckEntity(r); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkEndpoints(ctx, r); err != nil {
		return ir.InvalidID, err
	}
	if err := s.ensureTx(ctx); err != nil {
		return ir.InvalidID, err
	}
	if err := s.claimID(ctx, ir.KindRelationship, &r.ID); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpInsert, Kind: ir.KindRelationship, Entity: r}); err != nil {
		return ir.InvalidID, err
	}
	if err := s.writeRelationship(ctx, r); err != nil {
		return ir.InvalidID, err
	}
	if err := s.recordChange(ctx, ir.KindRelationship, r.ID, changeset.OpInsert, nil); err != nil {
		return ir.InvalidID, err
	}
	return r.ID, nil
}

// UpdateRelationship replaces the state of an existing relationship.
func (s *Store) UpdateRelationship(ctx context.Context, r *ir.Relationship) error {
	before, err := s.GetRelationship(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := s.schemas.CheckEntity(r); err != nil {
		return err
	}
	if err := s.checkEndpoints(ctx, r); err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpUpdate, Kind: ir.KindRelationship, Entity: r, Before: before}); err != nil {
		return err
	}
	if err := s.writeRelationship(ctx, r); err != nil {
		return err
	}
	return s.recordChange(ctx, ir.KindRelationship, r.ID, changeset.OpUpdate, before)
}

// DeleteRelationship deletes one relationship.
func (s *Store) DeleteRelationship(ctx context.Context, id ir.ID) error {
	before, err := s.GetRelationship(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpDelete, Kind: ir.KindRelationship, Entity: before}); err != nil {
		return err
	}
	return s.deleteRow(ctx, ir.KindRelationship, id, before)
}

func (s *Store) checkEndpoints(ctx context.Context, r *ir.Relationship) error {
	for _, end := range []ir.ID{r.SourceID, r.TargetID} {
		ok, err := s.exists(ctx, ir.KindElement, end)
		if err != nil {
			return err
		}
		if !ok {
			return ir.NewNotFound(ir.KindElement, end, "endpoint of relationship %s not found", r.ID)
		}
	}
	return nil
}

func (s *Store) writeRelationship(ctx context.Context, r *ir.Relationship) error {
	props, err := marshalProps(r.Properties)
	if err != nil {
		return ir.NewSchemaViolation(ir.KindRelationship, r.ID, "%v", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class = excluded.class,
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			properties = excluded.properties
	`, r.ID, r.ClassFullName, r.SourceID, r.TargetID, props)
	if err != nil {
		return ir.NewStoreFailure("write relationship", err)
	}
	return nil
}

// RelationshipIDs returns every relationship id in ascending order.
func (s *Store) RelationshipIDs(ctx context.Context) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM relationships")
}

// RelationshipsOf returns the relationships with element at either end, in
// ascending id order.
func (s *Store) RelationshipsOf(ctx context.Context, element ir.ID) ([]*ir.Relationship, error) {
	rows, err := s.query(ctx, "SELECT "+relationshipColumns+
		" FROM relationships WHERE source_id = ? OR target_id = ?", element, element)
	if err != nil {
		return nil, ir.NewStoreFailure("query relationships", err)
	}
	defer rows.Close()

	var out []*ir.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, ir.NewStoreFailure("query relationships", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("query relationships", err)
	}
	slices.SortFunc(out, func(a, b *ir.Relationship) int { return cmpID(a.ID, b.ID) })
	return out, nil
}
