package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// GetModel returns one model.
func (s *Store) GetModel(ctx context.Context, id ir.ID) (*ir.Model, error) {
	m, err := scanModel(s.queryRow(ctx, "SELECT "+modelColumns+" FROM models WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindModel, id, "model not found")
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read model", err)
	}
	return m, nil
}

// InsertModel inserts a model for an existing element. The model takes the
// id of the element it models; m.ID is set in place. A zero parent model
// defaults to the repository model.
func (s *Store) InsertModel(ctx context.Context, m *ir.Model) (ir.ID, error) {
	m.ID = m.ModeledElementID
	if !m.ParentModelID.IsValid() {
		m.ParentModelID = ir.RepositoryModelID
	}
	if err := s.schemas.CheckEntity(m); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkModelRefs(ctx, m); err != nil {
		return ir.InvalidID, err
	}
	if ok, err := s.exists(ctx, ir.KindModel, m.ID); err != nil {
		return ir.InvalidID, err
	} else if ok {
		return ir.InvalidID, ir.NewSchemaViolation(ir.KindModel, m.ID, "element %s is already modeled", m.ModeledElementID)
	}
	if err := s.ensureTx(ctx); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpInsert, Kind: ir.KindModel, Entity: m}); err != nil {
		return ir.InvalidID, err
	}
	if err := s.writeModel(ctx, m); err != nil {
		return ir.InvalidID, err
	}
	if err := s.recordChange(ctx, ir.KindModel, m.ID, changeset.OpInsert, nil); err != nil {
		return ir.InvalidID, err
	}
	return m.ID, nil
}

// UpdateModel replaces the state of an existing model.
func (s *Store) UpdateModel(ctx context.Context, m *ir.Model) error {
	before, err := s.GetModel(ctx, m.ID)
	if err != nil {
		return err
	}
	if m.ModeledElementID != m.ID {
		return ir.NewSchemaViolation(ir.KindModel, m.ID, "modeled element cannot change")
	}
	if err := s.schemas.CheckEntity(m); err != nil {
		return err
	}
	if err := s.checkModelRefs(ctx, m); err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpUpdate, Kind: ir.KindModel, Entity: m, Before: before}); err != nil {
		return err
	}
	if err := s.writeModel(ctx, m); err != nil {
		return err
	}
	return s.recordChange(ctx, ir.KindModel, m.ID, changeset.OpUpdate, before)
}

// DeleteModel deletes an empty model. Its modeled element is left in place.
func (s *Store) DeleteModel(ctx context.Context, id ir.ID) error {
	before, err := s.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if id.IsReserved() {
		return ir.NewSchemaViolation(ir.KindModel, id, "bootstrap model cannot be deleted")
	}
	if n, err := s.count(ctx, "SELECT COUNT(*) FROM elements WHERE model_id = ?", id); err != nil {
		return err
	} else if n > 0 {
		return ir.NewSchemaViolation(ir.KindModel, id, "model still contains %d elements", n)
	}
	if n, err := s.count(ctx, "SELECT COUNT(*) FROM models WHERE parent_model_id = ? AND id != ?", id, id); err != nil {
		return err
	} else if n > 0 {
		return ir.NewSchemaViolation(ir.KindModel, id, "model is the parent of %d models", n)
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpDelete, Kind: ir.KindModel, Entity: before}); err != nil {
		return err
	}
	return s.deleteRow(ctx, ir.KindModel, id, before)
}

func (s *Store) checkModelRefs(ctx context.Context, m *ir.Model) error {
	if ok, err := s.exists(ctx, ir.KindElement, m.ModeledElementID); err != nil {
		return err
	} else if !ok {
		return ir.NewNotFound(ir.KindElement, m.ModeledElementID, "modeled element not found")
	}
	if m.ParentModelID != m.ID {
		if ok, err := s.exists(ctx, ir.KindModel, m.ParentModelID); err != nil {
			return err
		} else if !ok {
			return ir.NewNotFound(ir.KindModel, m.ParentModelID, "parent model of %s not found", m.ID)
		}
	}
	return nil
}

func (s *Store) writeModel(ctx context.Context, m *ir.Model) error {
	props, err := marshalProps(m.Properties)
	if err != nil {
		return ir.NewSchemaViolation(ir.KindModel, m.ID, "%v", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO models (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class = excluded.class,
			parent_model_id = excluded.parent_model_id,
			is_private = excluded.is_private,
			properties = excluded.properties
	`, m.ID, m.ClassFullName, m.ParentModelID, m.IsPrivate, props)
	if err != nil {
		return ir.NewStoreFailure("write model", err)
	}
	return nil
}

// ModelIDs returns every model id in ascending order.
func (s *Store) ModelIDs(ctx context.Context) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM models")
}
