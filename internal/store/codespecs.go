package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// GetCodeSpec returns one code spec.
func (s *Store) GetCodeSpec(ctx context.Context, id ir.ID) (*ir.CodeSpec, error) {
	c, err := scanCodeSpec(s.queryRow(ctx, "SELECT "+codeSpecColumns+" FROM code_specs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindCodeSpec, id, "code spec not found")
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read code spec", err)
	}
	return c, nil
}

// CodeSpecByName returns the code spec with the given name.
func (s *Store) CodeSpecByName(ctx context.Context, name string) (*ir.CodeSpec, error) {
	c, err := scanCodeSpec(s.queryRow(ctx, "SELECT "+codeSpecColumns+" FROM code_specs WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewNotFound(ir.KindCodeSpec, ir.InvalidID, "code spec %q not found", name)
	}
	if err != nil {
		return nil, ir.NewStoreFailure("read code spec", err)
	}
	return c, nil
}

// InsertCodeSpec inserts a code spec with a unique name. c.ID is set in
// place when allocated.
func (s *Store) InsertCodeSpec(ctx context.Context, c *ir.CodeSpec) (ir.ID, error) {
	if err := s.checkCodeSpecName(ctx, c); err != nil {
		return ir.InvalidID, err
	}
	if err := s.ensureTx(ctx); err != nil {
		return ir.InvalidID, err
	}
	if err := s.claimID(ctx, ir.KindCodeSpec, &c.ID); err != nil {
		return ir.InvalidID, err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpInsert, Kind: ir.KindCodeSpec, Entity: c}); err != nil {
		return ir.InvalidID, err
	}
	if err := s.writeCodeSpec(ctx, c); err != nil {
		return ir.InvalidID, err
	}
	if err := s.recordChange(ctx, ir.KindCodeSpec, c.ID, changeset.OpInsert, nil); err != nil {
		return ir.InvalidID, err
	}
	return c.ID, nil
}

// UpdateCodeSpec replaces the state of an existing code spec.
func (s *Store) UpdateCodeSpec(ctx context.Context, c *ir.CodeSpec) error {
	before, err := s.GetCodeSpec(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := s.checkCodeSpecName(ctx, c); err != nil {
		return err
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpUpdate, Kind: ir.KindCodeSpec, Entity: c, Before: before}); err != nil {
		return err
	}
	if err := s.writeCodeSpec(ctx, c); err != nil {
		return err
	}
	return s.recordChange(ctx, ir.KindCodeSpec, c.ID, changeset.OpUpdate, before)
}

// DeleteCodeSpec deletes a code spec no element uses.
func (s *Store) DeleteCodeSpec(ctx context.Context, id ir.ID) error {
	before, err := s.GetCodeSpec(ctx, id)
	if err != nil {
		return err
	}
	if n, err := s.count(ctx, "SELECT COUNT(*) FROM elements WHERE code_spec = ?", id); err != nil {
		return err
	} else if n > 0 {
		return ir.NewSchemaViolation(ir.KindCodeSpec, id, "code spec used by %d elements", n)
	}
	if err := s.ensureTx(ctx); err != nil {
		return err
	}
	if err := s.checkGate(ctx, Mutation{Op: changeset.OpDelete, Kind: ir.KindCodeSpec, Entity: before}); err != nil {
		return err
	}
	return s.deleteRow(ctx, ir.KindCodeSpec, id, before)
}

func (s *Store) checkCodeSpecName(ctx context.Context, c *ir.CodeSpec) error {
	if c.Name == "" {
		return ir.NewSchemaViolation(ir.KindCodeSpec, c.ID, "code spec name is empty")
	}
	n, err := s.count(ctx, "SELECT COUNT(*) FROM code_specs WHERE name = ? AND id != ?", c.Name, int64(c.ID))
	if err != nil {
		return err
	}
	if n > 0 {
		return ir.NewSchemaViolation(ir.KindCodeSpec, c.ID, "code spec name %q already used", c.Name)
	}
	return nil
}

func (s *Store) writeCodeSpec(ctx context.Context, c *ir.CodeSpec) error {
	props, err := marshalProps(c.Properties)
	if err != nil {
		return ir.NewSchemaViolation(ir.KindCodeSpec, c.ID, "%v", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO code_specs (`+codeSpecColumns+`)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			properties = excluded.properties
	`, c.ID, c.Name, props)
	if err != nil {
		return ir.NewStoreFailure("write code spec", err)
	}
	return nil
}

// CodeSpecIDs returns every code spec id in ascending order.
func (s *Store) CodeSpecIDs(ctx context.Context) ([]ir.ID, error) {
	return s.ids(ctx, "SELECT id FROM code_specs")
}
