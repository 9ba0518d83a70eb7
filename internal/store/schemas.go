package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

// ImportSchemas adds or upgrades schemas and saves the result. A schema whose
// checksum matches the imported one is skipped without touching the replica;
// changed reports whether anything was written. The replica must have no
// unsaved changes.
func (s *Store) ImportSchemas(ctx context.Context, schemas ...*schema.Schema) (bool, error) {
	if s.HasUnsavedChanges() {
		return false, ir.NewConflict("import schemas: replica has unsaved changes")
	}
	changed, err := s.importSchemas(ctx, schemas)
	if err != nil {
		if abandonErr := s.AbandonChanges(); abandonErr != nil {
			slog.Warn("abandon failed schema import", "path", s.path, "error", abandonErr)
		}
		return false, err
	}
	if !changed {
		return false, nil
	}
	names := make([]string, len(schemas))
	for i, sc := range schemas {
		names[i] = sc.Name
	}
	if err := s.SaveChanges(ctx, "Import schemas "+strings.Join(names, ", ")); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) importSchemas(ctx context.Context, schemas []*schema.Schema) (bool, error) {
	changed := false
	for _, sc := range schemas {
		sum, err := sc.Checksum()
		if err != nil {
			return changed, ir.NewSchemaViolation(0, ir.InvalidID, "%v", err)
		}
		var current string
		err = s.queryRow(ctx, "SELECT checksum FROM schemas WHERE name = ?", sc.Name).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return changed, ir.NewStoreFailure("read schema", err)
		}
		if current == sum {
			slog.Debug("schema unchanged", "schema", sc.Name, "checksum", sum)
			continue
		}
		if err := s.schemas.Validate(sc); err != nil {
			return changed, err
		}
		if err := s.checkRemovedClasses(ctx, sc); err != nil {
			return changed, err
		}
		if err := s.ensureTx(ctx); err != nil {
			return changed, err
		}
		if err := s.checkGate(ctx, Mutation{Schema: sc}); err != nil {
			return changed, err
		}
		def, err := sc.Encode()
		if err != nil {
			return changed, ir.NewSchemaViolation(0, ir.InvalidID, "%v", err)
		}
		if _, err := s.exec(ctx, `
			INSERT INTO schemas (name, version, checksum, definition) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				checksum = excluded.checksum,
				definition = excluded.definition
		`, sc.Name, sc.Version, sum, string(def)); err != nil {
			return changed, ir.NewStoreFailure("write schema", err)
		}
		if !s.applying {
			if _, err := s.exec(ctx, "INSERT OR IGNORE INTO pending_schemas (name) VALUES (?)", sc.Name); err != nil {
				return changed, ir.NewStoreFailure("record schema", err)
			}
			s.dirty = true
		}
		s.schemas.Put(sc)
		changed = true
		slog.Info("schema imported", "schema", sc.Name, "version", sc.Version, "path", s.path)
	}
	return changed, nil
}

// checkRemovedClasses rejects an upgrade that drops a class still
// instantiated.
func (s *Store) checkRemovedClasses(ctx context.Context, sc *schema.Schema) error {
	old, ok := s.schemas.Get(sc.Name)
	if !ok {
		return nil
	}
	for short, c := range old.Classes {
		if _, kept := sc.Classes[short]; kept {
			continue
		}
		table, ok := tables[c.Kind.EntityKind()]
		if !ok {
			continue
		}
		n, err := s.count(ctx, "SELECT COUNT(*) FROM "+table+" WHERE class = ?", c.Name)
		if err != nil {
			return err
		}
		if n > 0 {
			return ir.NewSchemaViolation(0, ir.InvalidID, "schema %s drops class %s still used by %d entities", sc.Name, c.Name, n)
		}
	}
	return nil
}

func (s *Store) loadSchemas(ctx context.Context) error {
	rows, err := s.query(ctx, "SELECT definition FROM schemas ORDER BY name")
	if err != nil {
		return ir.NewStoreFailure("load schemas", err)
	}
	defer rows.Close()

	set := schema.NewSet()
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return ir.NewStoreFailure("load schemas", err)
		}
		sc, err := schema.Decode([]byte(def))
		if err != nil {
			return ir.NewStoreFailure("load schemas", err)
		}
		set.Put(sc)
	}
	if err := rows.Err(); err != nil {
		return ir.NewStoreFailure("load schemas", err)
	}
	s.schemas = set
	return nil
}
