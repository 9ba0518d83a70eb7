package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

// PendingChange is one entity changed locally since the last push. Before is
// the state as of the last push (nil for inserts), After the current state
// (nil for deletes).
type PendingChange struct {
	Kind   ir.Kind
	ID     ir.ID
	Op     changeset.Op
	Before ir.Entity
	After  ir.Entity
}

// Ref names the changed entity.
func (p PendingChange) Ref() ir.Ref { return ir.Ref{Kind: p.Kind, ID: p.ID} }

// recordChange merges one mutation into the pending change of its entity.
// before is ignored when a pending change already exists, so that it keeps
// the state as of the last push.
func (s *Store) recordChange(ctx context.Context, kind ir.Kind, id ir.ID, op changeset.Op, before ir.Entity) error {
	if s.applying {
		return nil
	}
	var (
		prevOp     string
		prevBefore sql.NullString
	)
	err := s.queryRow(ctx, "SELECT op, before FROM pending_changes WHERE kind = ? AND id = ?", kind.String(), id).
		Scan(&prevOp, &prevBefore)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var image sql.NullString
		if before != nil {
			data, err := changeset.EncodeEntity(before)
			if err != nil {
				return ir.NewStoreFailure("record change", err)
			}
			image = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := s.exec(ctx, "INSERT INTO pending_changes (kind, id, op, before) VALUES (?, ?, ?, ?)",
			kind.String(), id, op.String(), image); err != nil {
			return ir.NewStoreFailure("record change", err)
		}
	case err != nil:
		return ir.NewStoreFailure("record change", err)
	default:
		earlier, err := changeset.ParseOp(prevOp)
		if err != nil {
			return ir.NewStoreFailure("record change", err)
		}
		merged, ok := changeset.Merge(earlier, op)
		if !ok {
			_, err = s.exec(ctx, "DELETE FROM pending_changes WHERE kind = ? AND id = ?", kind.String(), id)
		} else {
			_, err = s.exec(ctx, "UPDATE pending_changes SET op = ? WHERE kind = ? AND id = ?",
				merged.String(), kind.String(), id)
		}
		if err != nil {
			return ir.NewStoreFailure("record change", err)
		}
	}
	s.dirty = true
	slog.Debug("change recorded", "kind", kind, "id", id, "op", op)
	return nil
}

func (s *Store) hasPending(ctx context.Context) (bool, error) {
	n, err := s.count(ctx, "SELECT (SELECT COUNT(*) FROM pending_changes) + (SELECT COUNT(*) FROM pending_schemas)")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingChanges lists the local changes not yet pushed, ordered by kind and
// id.
func (s *Store) PendingChanges(ctx context.Context) ([]PendingChange, error) {
	rows, err := s.query(ctx, "SELECT kind, id, op, before FROM pending_changes")
	if err != nil {
		return nil, ir.NewStoreFailure("list pending changes", err)
	}
	var (
		out     []PendingChange
		befores []sql.NullString
	)
	for rows.Next() {
		var (
			kind, op string
			id       ir.ID
			before   sql.NullString
		)
		if err := rows.Scan(&kind, &id, &op, &before); err != nil {
			rows.Close()
			return nil, ir.NewStoreFailure("list pending changes", err)
		}
		k, err := ir.ParseKind(kind)
		if err != nil {
			rows.Close()
			return nil, ir.NewStoreFailure("list pending changes", err)
		}
		o, err := changeset.ParseOp(op)
		if err != nil {
			rows.Close()
			return nil, ir.NewStoreFailure("list pending changes", err)
		}
		out = append(out, PendingChange{Kind: k, ID: id, Op: o})
		befores = append(befores, before)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, ir.NewStoreFailure("list pending changes", err)
	}

	// Current states are read only after the cursor is closed; the store has
	// one connection.
	for i := range out {
		p := &out[i]
		if befores[i].Valid {
			p.Before, err = changeset.DecodeEntity(p.Kind, []byte(befores[i].String))
			if err != nil {
				return nil, ir.NewStoreFailure("list pending changes", err)
			}
		}
		if p.Op != changeset.OpDelete {
			p.After, err = s.Get(ctx, p.Kind, p.ID)
			if err != nil {
				return nil, err
			}
		}
	}
	slices.SortFunc(out, func(a, b PendingChange) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return cmpID(a.ID, b.ID)
	})
	return out, nil
}

// PendingSchemas returns the schemas imported or upgraded since the last
// push, ordered by name.
func (s *Store) PendingSchemas(ctx context.Context) ([]*schema.Schema, error) {
	rows, err := s.query(ctx, "SELECT name FROM pending_schemas ORDER BY name")
	if err != nil {
		return nil, ir.NewStoreFailure("list pending schemas", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, ir.NewStoreFailure("list pending schemas", err)
		}
		names = append(names, n)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, ir.NewStoreFailure("list pending schemas", err)
	}
	out := make([]*schema.Schema, 0, len(names))
	for _, n := range names {
		sc, ok := s.schemas.Get(n)
		if !ok {
			return nil, ir.NewNotFound(0, ir.InvalidID, "pending schema %s not loaded", n)
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *Store) savedDescriptions(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, "SELECT description FROM saved_descriptions ORDER BY seq")
	if err != nil {
		return nil, ir.NewStoreFailure("read descriptions", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, ir.NewStoreFailure("read descriptions", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("read descriptions", err)
	}
	return out, nil
}

// BuildChangeSet assembles the saved pending changes into a sealed changeset
// on top of the replica's parent. An empty description defaults to the
// descriptions passed to SaveChanges since the last push.
func (s *Store) BuildChangeSet(ctx context.Context, description string) (*changeset.ChangeSet, error) {
	if s.tx != nil {
		return nil, ir.NewConflict("build changeset: transaction still open")
	}
	_, parentID, err := s.ParentChangeSet(ctx)
	if err != nil {
		return nil, err
	}
	if description == "" {
		descs, err := s.savedDescriptions(ctx)
		if err != nil {
			return nil, err
		}
		description = strings.Join(descs, "; ")
	}
	pending, err := s.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	schemas, err := s.PendingSchemas(ctx)
	if err != nil {
		return nil, err
	}

	cs := changeset.New(parentID, s.replicaNumber, description)
	touched := map[ir.ID]bool{}
	var indirect []ir.ID
	for _, p := range pending {
		switch p.Op {
		case changeset.OpInsert:
			cs.RecordInsert(p.After)
		case changeset.OpUpdate:
			var change changeset.TypeOfChange
			if p.Kind == ir.KindElement {
				change = changeset.Classify(p.Before.(*ir.Element), p.After.(*ir.Element))
			}
			cs.RecordUpdate(p.After, change)
		case changeset.OpDelete:
			cs.RecordDelete(p.Before)
		}
		switch p.Kind {
		case ir.KindElement:
			touched[p.ID] = true
		case ir.KindAspect:
			owner := p.After
			if owner == nil {
				owner = p.Before
			}
			indirect = append(indirect, owner.(*ir.Aspect).ElementID)
		}
	}
	for _, id := range indirect {
		if !touched[id] {
			cs.MarkIndirect(id)
		}
	}
	for _, sc := range schemas {
		cs.AddSchema(sc)
	}
	if err := cs.Seal(); err != nil {
		return nil, ir.NewStoreFailure("build changeset", err)
	}
	return cs, nil
}

// ApplyChangeSet replays a changeset made by another replica. It must be the
// next changeset after the replica's parent. Entities with local pending
// changes keep their local state. Nothing is recorded as pending and the
// gate is not consulted.
func (s *Store) ApplyChangeSet(ctx context.Context, cs *changeset.ChangeSet) error {
	if s.HasUnsavedChanges() {
		return ir.NewConflict("apply changeset %s: replica has unsaved changes", cs.ID)
	}
	if s.tx != nil {
		if err := s.rollback(); err != nil {
			return err
		}
	}
	_, parentID, err := s.ParentChangeSet(ctx)
	if err != nil {
		return err
	}
	if cs.ParentID != parentID {
		return ir.NewStaleReplica("changeset %s follows %q, replica is at %q", cs.ID, cs.ParentID, parentID)
	}
	pending, err := s.PendingChanges(ctx)
	if err != nil {
		return err
	}
	local := make(map[ir.Ref]bool, len(pending))
	for _, p := range pending {
		local[p.Ref()] = true
	}
	localSchemas, err := s.PendingSchemas(ctx)
	if err != nil {
		return err
	}

	s.applying = true
	defer func() { s.applying = false }()
	if err := s.begin(ctx); err != nil {
		return err
	}
	fail := func(err error) error {
		s.rollback()
		if loadErr := s.loadSchemas(context.WithoutCancel(ctx)); loadErr != nil {
			slog.Warn("reload schemas failed", "path", s.path, "error", loadErr)
		}
		return err
	}

	var incoming []*schema.Schema
	for _, sc := range cs.Schemas {
		if slices.ContainsFunc(localSchemas, func(l *schema.Schema) bool { return l.Name == sc.Name }) {
			slog.Warn("schema changed locally, keeping local version", "schema", sc.Name, "changeset", cs.ID)
			continue
		}
		incoming = append(incoming, sc)
	}
	if _, err := s.importSchemas(ctx, incoming); err != nil {
		return fail(err)
	}

	skipped := 0
	for _, img := range cs.Before {
		ref := img.Ref()
		if local[ref] {
			slog.Warn("entity changed locally, skipping remote delete", "ref", ref, "changeset", cs.ID)
			skipped++
			continue
		}
		if _, err := s.exec(ctx, "DELETE FROM "+tables[ref.Kind]+" WHERE id = ?", ref.ID); err != nil {
			return fail(ir.NewStoreFailure("apply delete "+ref.String(), err))
		}
	}
	for _, img := range cs.After {
		ref := img.Ref()
		if local[ref] {
			slog.Warn("entity changed locally, skipping remote change", "ref", ref, "changeset", cs.ID)
			skipped++
			continue
		}
		if err := s.writeImage(ctx, img.Entity); err != nil {
			return fail(err)
		}
	}
	if err := s.setMeta(ctx, metaParentIndex, strconv.FormatInt(cs.Index, 10)); err != nil {
		return fail(err)
	}
	if err := s.setMeta(ctx, metaParentID, cs.ID); err != nil {
		return fail(err)
	}
	if err := s.commit(ctx); err != nil {
		return fail(err)
	}
	slog.Info("changeset applied", "path", s.path, "changeset", cs.ID, "index", cs.Index, "skipped", skipped)
	return nil
}

// MarkPushed clears the pending changes after the hub accepted them as the
// changeset at index with the given id.
func (s *Store) MarkPushed(ctx context.Context, index int64, id string) error {
	if s.tx != nil {
		return ir.NewConflict("mark pushed: transaction still open")
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM pending_changes",
		"DELETE FROM pending_schemas",
		"DELETE FROM saved_descriptions",
	} {
		if _, err := s.exec(ctx, q); err != nil {
			s.rollback()
			return ir.NewStoreFailure("mark pushed", err)
		}
	}
	if err := s.setMeta(ctx, metaParentIndex, strconv.FormatInt(index, 10)); err != nil {
		s.rollback()
		return err
	}
	if err := s.setMeta(ctx, metaParentID, id); err != nil {
		s.rollback()
		return err
	}
	if err := s.commit(ctx); err != nil {
		s.rollback()
		return err
	}
	s.saved = false
	return nil
}
