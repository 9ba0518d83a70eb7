package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// GetAspect returns one aspect.
func (s *Store) GetAspect(ctx context.Context, id ir.ID) (*ir.Aspect, error) {
	a, err := scanAspect(s.queryRow(ctx, "SELECT "+aspectColumns+" FROM aspects WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindAspect, id, "aspect not found")
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read aspect", err)
	}
	return a, nil
}

// InsertAspect attaches an aspect to an existing element. a.ID is set in
// place when allocated.
func (s *Store) InsertAspect(ctx context.Context, a *ir.Aspect) (ir.ID, error) {
	if err := s.schemas.CheckEntity(a); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkAspectOwner(ctx, a); err != nil {
		return ir.InvalidID, err
	}
	if err := s.ensureTx(ctx); err != nil {
		return ir.InvalidID, err
	}
	if err := s.claimID(ctx, ir.KindAspect, &a.ID); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpInsert, Kind: ir.KindAspect, Entity: a}); err != nil {
		return ir.InvalidID, err
	}
	if err := s.writeAspect(ctx, a); err != nil {
		return ir.InvalidID, err
	}
	if err := s.recordChange(ctx, ir.KindAspect, a.ID, changeset.OpInsert, nil); err != nil {
		return ir.InvalidID, err
	}
	return a.ID, nil
}

// UpdateAspect replaces the state of an existing aspect.
func (s *Store) UpdateAspect(ctx context.Context, a *ir.Aspect) error {
	before, err := s.GetAspect(ctx, a.ID)
	if err != nil {
		return err
	}
	if err := s.schemas.CheckEntity(a); err != nil {
		return err
	}
	if err := s.checkAspectOwner(ctx, a); err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpUpdate, Kind: ir.KindAspect, Entity: a, Before: before}); err != nil {
		return err
	}
	if err := s.writeAspect(ctx, a); err != nil {
		return err
	}
	return s.recordChange(ctx, ir.KindAspect, a.ID, changeset.OpUpdate, before)
}

// DeleteAspect deletes one aspect.
func (s *Store) DeleteAspect(ctx context.Context, id ir.ID) error {
	before, err := s.GetAspect(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpDelete, Kind: ir.KindAspect, Entity: before}); err != nil {
		return err
	}
	return s.deleteRow(ctx, ir.KindAspect, id, before)
}

// checkAspectOwner verifies the owning element exists and, for unique-aspect
// classes, that it has no other aspect of the class.
func (s *Store) checkAspectOwner(ctx context.Context, a *ir.Aspect) error {
	if ok, err := s.exists(ctx, ir.KindElement, a.ElementID); err != nil {
		return err
	} else if !ok {
		return ir.NewNotFound(ir.KindElement, a.ElementID, "owner of aspect %s not found", a.ID)
	}
	if !s.schemas.IsUniqueAspect(a.ClassFullName) {
		return nil
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM aspects WHERE element_id = ? AND class = ? AND id != ?",
		a.ElementID, a.ClassFullName, int64(a.ID))
	if err != nil {
		return err
	}
	if n > 0 {
		return ir.NewSchemaViolation(ir.KindAspect, a.ID, "element %s already has a %s aspect", a.ElementID, a.ClassFullName)
	}
	return nil
}

func (s *Store) writeAspect(ctx context.Context, a *ir.Aspect) error {
	props, err := marshalProps(a.Properties)
	if err != nil {
		return ir.NewSchemaViolation(ir.KindAspect, a.ID, "%v", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO aspects (`+aspectColumns+`)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			class = excluded.class,
			element_id = excluded.element_id,
			properties = excluded.properties
	`, a.ID, a.ClassFullName, a.ElementID, props)
	if err != nil {
		return ir.NewStoreFailure("write aspect", err)
	}
	return nil
}

// AspectsOf returns the aspects owned by an element in ascending id order.
func (s *Store) AspectsOf(ctx context.Context, element ir.ID) ([]*ir.Aspect, error) {
	return s.aspects(ctx, "SELECT "+aspectColumns+" FROM aspects WHERE element_id = ?", element)
}

// AspectIDs returns every aspect id in ascending order.
func (s *Store) AspectIDs(ctx context.Context) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM aspects")
}

// QueryAspects returns the aspects of a class whose properties equal every
// entry of match. Only string and integer match values are supported.
func (s *Store) QueryAspects(ctx context.Context, class string, match ir.Object) ([]*ir.Aspect, error) {
	query := "SELECT " + aspectColumns + " FROM aspects WHERE class = ?"
	args := []any{class}
	for _, key := range match.SortedKeys() {
		var arg any
		switch v := match[key].(type) {
		case ir.String:
			arg = string(v)
		case ir.Int:
			arg = int64(v)
		default:
			return nil, fmt.Errorf("query aspects: unsupported match value %T for %q", v, key)
		}
		// The path is a bound parameter; the expression index only serves
		// literal paths, so spell out the indexed ones.
		switch key {
		case "scope", "kind", "identifier":
			query += " AND json_extract(properties, '$." + key + "') = ?"
		default:
			query += " AND json_extract(properties, ?) = ?"
			args = append(args, "$."+key)
		}
		args = append(args, arg)
	}
	return s.aspects(ctx, query, args...)
}

func (s *Store) aspects(ctx context.Context, query string, args ...any) ([]*ir.Aspect, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, ir.NewStoreFailure("query aspects", err)
	}
	defer rows.Close()

	var out []*ir.Aspect
	for rows.Next() {
		a, err := scanAspect(rows)
		if err != nil {
			return nil, ir.NewStoreFailure("query aspects", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("query aspects", err)
	}
	slices.SortFunc(out, func(a, b *ir.Aspect) int { return cmpID(a.ID, b.ID) })
	return out, nil
}

func cmpID(a, b ir.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
