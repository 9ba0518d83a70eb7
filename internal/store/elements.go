package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// GetElement returns one element.
func (s *Store) GetElement(ctx context.Context, id ir.ID) (*ir.Element, error) {
	e, err := scanElement(s.queryRow(ctx, "SELECT "+elementColumns+" FROM elements WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindElement, id, "element not found")
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read element", err)
	}
	return e, nil
}

// InsertElement validates and inserts an element. When e.ID is invalid a new
// id is allocated; e.ID and e.LastMod are updated in place.
func (s *Store) InsertElement(ctx context.Context, e *ir.Element) (ir.ID, error) {
	if err := s.schemas.CheckEntity(e); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkElementRefs(ctx, e); err != nil {
		return ir.InvalidID, err
	}
	if err := s.ensureTx(ctx); err != nil {
		return ir.InvalidID, err
	}
	if err := s.claimID(ctx, e.EntityKind(), &e.ID); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkCodeUnique(ctx, e); err != nil {
		return ir.InvalidID, err
	}
	e.LastMod = 1
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpInsert, Kind: ir.KindElement, Entity: e}); err != nil {
		return ir.InvalidID, err
	}
	if err := s.writeElement(ctx, e); err != nil {
		return ir.InvalidID, err
	}
	if err := s.recordChange(ctx, ir.KindElement, e.ID, changeset.OpInsert, nil); err != nil {
		return ir.InvalidID, err
	}
	return e.ID, nil
}

// UpdateElement replaces the state of an existing element and bumps its
// version counter; e.LastMod is updated in place.
func (s *Store) UpdateElement(ctx context.Context, e *ir.Element) error {
	before, err := s.GetElement(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := s.schemas.CheckEntity(e); err != nil {
		return err
	}
	if err := s.checkElementRefs(ctx, e); err != nil {
		return err
	}
	if err := s.checkParentChain(ctx, e); err != nil {
		return err
	}
	if err := s.checkCodeUnique(ctx, e); err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	e.LastMod = before.LastMod + 1
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpUpdate, Kind: ir.KindElement, Entity: e, Before: before}); err != nil {
		return err
	}
	if err := s.writeElement(ctx, e); err != nil {
		return err
	}
	return s.recordChange(ctx, ir.KindElement, e.ID, changeset.OpUpdate, before)
}

// DeleteElement deletes an element together with its aspects and the
// relationships that reference it. An element that still has children, a
// sub-model, or elements scoped to it cannot be deleted.
func (s *Store) DeleteElement(ctx context.Context, id ir.ID) error {
	before, err := s.GetElement(ctx, id)
	if err != nil {
		return err
	}
	if id.IsReserved() {
		return ir.NewSchemaViolation(ir.KindElement, id, "bootstrap element cannot be deleted")
	}
	blockers := []struct {
		query string
		args  []any
		what  string
	}{
		{"SELECT COUNT(*) FROM elements WHERE parent_id = ?", []any{id}, "element has children"},
		{"SELECT COUNT(*) FROM models WHERE id = ?", []any{id}, "element is modeled by a model; delete the model first"},
		{"SELECT COUNT(*) FROM elements WHERE code_scope = ? AND id != ?", []any{id, id}, "element scopes the codes of other elements"},
	}
	for _, b := range blockers {
		n, err := s.count(ctx, b.query, b.args...)
		if err != nil {
			return err
		}
		if n > 0 {
			return ir.NewSchemaViolation(ir.KindElement, id, "%s", b.what)
		}
	}

	aspects, err := s.AspectsOf(ctx, id)
	if err != nil {
		return err
	}
	rels, err := s.RelationshipsOf(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpDelete, Kind: ir.KindElement, Entity: before}); err != nil {
		return err
	}
	for _, r := range rels {
		if err := s.deleteRow(ctx, ir.KindRelationship, r.ID, r); err != nil {
			return err
		}
	}
	for _, a := range aspects {
		if err := s.deleteRow(ctx, ir.KindAspect, a.ID, a); err != nil {
			return err
		}
	}
	return s.deleteRow(ctx, ir.KindElement, id, before)
}

func (s *Store) checkElementRefs(ctx context.Context, e *ir.Element) error {
	if ok, err := s.exists(ctx, ir.KindModel, e.ModelID); err != nil {
		return err
	} else if !ok {
		return ir.NewNotFound(ir.KindModel, e.ModelID, "model of element %s not found", e.ID)
	}
	if e.ParentID.IsValid() {
		if ok, err := s.exists(ctx, ir.KindElement, e.ParentID); err != nil {
			return err
		} else if !ok {
			return ir.NewNotFound(ir.KindElement, e.ParentID, "parent of element %s not found", e.ID)
		}
	}
	if e.Code.IsEmpty() {
		return nil
	}
	if ok, err := s.exists(ctx, ir.KindCodeSpec, e.Code.SpecID); err != nil {
		return err
	} else if !ok {
		return ir.NewNotFound(ir.KindCodeSpec, e.Code.SpecID, "code spec of element %s not found", e.ID)
	}
	if e.Code.ScopeID != e.ID {
		if ok, err := s.exists(ctx, ir.KindElement, e.Code.ScopeID); err != nil {
			return err
		} else if !ok {
			return ir.NewNotFound(ir.KindElement, e.Code.ScopeID, "code scope of element %s not found", e.ID)
		}
	}
	return nil
}

// checkParentChain rejects a parent assignment that would make e its own
// ancestor.
func (s *Store) checkParentChain(ctx context.Context, e *ir.Element) error {
	seen := map[ir.ID]bool{}
	for cur := e.ParentID; cur.IsValid(); {
		if cur == e.ID || seen[cur] {
			return ir.NewSchemaViolation(ir.KindElement, e.ID, "parent %s would create a cycle", e.ParentID)
		}
		seen[cur] = true
		var next ir.ID
		if err := s.queryRow(ctx, "SELECT parent_id FROM elements WHERE id = ?", cur).Scan(&next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return ir.NewStoreFailure("read parent", err)
		}
		cur = next
	}
	return nil
}

func (s *Store) checkCodeUnique(ctx context.Context, e *ir.Element) error {
	if e.Code.IsEmpty() {
		return nil
	}
	var other ir.ID
	err := s.queryRow(ctx, `
		SELECT id FROM elements
		WHERE code_spec = ? AND code_scope = ? AND code_value = ? AND id != ?
	`, e.Code.SpecID, e.Code.ScopeID, e.Code.Value, e.ID).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return ir.NewStoreFailure("check code", err)
	}
	return ir.NewSchemaViolation(ir.KindElement, e.ID, "code %s already used by element %s", e.Code, other)
}

func (s *Store) writeElement(ctx context.Context, e *ir.Element) error {
	props, err := marshalProps(e.Properties)
	if err != nil {
		return ir.NewSchemaViolation(ir.KindElement, e.ID, "%v", err)
	}
	var codeSpec, codeScope any
	if !e.Code.IsEmpty() || e.Code.SpecID.IsValid() {
		codeSpec, codeScope = e.Code.SpecID, e.Code.ScopeID
	}
	_, err = s.exec(ctx, `
		INSERT INTO elements (`+elementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class = excluded.class,
			model_id = excluded.model_id,
			parent_id = excluded.parent_id,
			code_spec = excluded.code_spec,
			code_scope = excluded.code_scope,
			code_value = excluded.code_value,
			federation_guid = excluded.federation_guid,
			user_label = excluded.user_label,
			properties = excluded.properties,
			last_mod = excluded.last_mod
	`, e.ID, e.ClassFullName, e.ModelID, e.ParentID, codeSpec, codeScope, nullString(e.Code.Value),
		nullString(e.FederationGUID), nullString(e.UserLabel), props, e.LastMod)
	if err != nil {
		return ir.NewStoreFailure("write element", err)
	}
	return nil
}

// ElementIDs returns every element id in ascending order.
func (s *Store) ElementIDs(ctx context.Context) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM elements")
}

// ChildrenOf returns the ids of an element's children, ascending.
func (s *Store) ChildrenOf(ctx context.Context, parent ir.ID) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM elements WHERE parent_id = ?", parent)
}

// ElementsInModel returns the ids of the elements a model contains,
// ascending.
func (s *Store) ElementsInModel(ctx context.Context, model ir.ID) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM elements WHERE model_id = ?", model)
}

// ElementByCode returns the element holding a code, if any.
func (s *Store) ElementByCode(ctx context.Context, code ir.Code) (*ir.Element, error) {
	e, err := scanElement(s.queryRow(ctx, "SELECT "+elementColumns+` FROM elements
		WHERE code_spec = ? AND code_scope = ? AND code_value = ?`, code.SpecID, code.ScopeID, code.Value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindElement, ir.InvalidID, "no element has code %s", code)
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read element by code", err)
	}
	return e, nil
}

// ids runs a single-column id query and returns the ids sorted ascending as
// unsigned values.
func (s *Store) ids(ctx context.Context, query string, args ...any) ([]ir.ID, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, ir.NewStoreFailure("list ids", err)
	}
	defer rows.Close()

	var out []ir.ID
	for rows.Next() {
		var id ir.ID
		if err := rows.Scan(&id); err != nil {
			return nil, ir.NewStoreFailure("list ids", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("list ids", err)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, ir.NewStoreFailure("count", err)
	}
	return n, nil
}
