package store

import (
	"context"

	"github.com/roach88/briefsync/internal/ir"
)

// HeldLocks returns the locks the hub has granted this replica.
func (s *Store) HeldLocks(ctx context.Context) ([]ir.Lock, error) {
	rows, err := s.query(ctx, "SELECT object, object_id, level FROM held_locks ORDER BY object, object_id")
	if err != nil {
		return nil, ir.NewStoreFailure("read held locks", err)
	}
	defer rows.Close()

	var out []ir.Lock
	for rows.Next() {
		var l ir.Lock
		if err := rows.Scan(&l.Object, &l.ID, &l.Level); err != nil {
			return nil, ir.NewStoreFailure("read held locks", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("read held locks", err)
	}
	return out, nil
}

// AddHeldLocks records granted locks. A lock already held at a higher level
// keeps that level.
func (s *Store) AddHeldLocks(ctx context.Context, locks []ir.Lock) error {
	for _, l := range locks {
		if _, err := s.exec(ctx, `
			INSERT INTO held_locks (object, object_id, level) VALUES (?, ?, ?)
			ON CONFLICT(object, object_id) DO UPDATE SET level = MAX(level, excluded.level)
		`, string(l.Object), l.ID, int(l.Level)); err != nil {
			return ir.NewStoreFailure("record lock", err)
		}
	}
	return nil
}

// HeldCodes returns the codes the hub has reserved for this replica.
func (s *Store) HeldCodes(ctx context.Context) ([]ir.Code, error) {
	rows, err := s.query(ctx, "SELECT spec, scope, value FROM held_codes ORDER BY spec, scope, value")
	if err != nil {
		return nil, ir.NewStoreFailure("read held codes", err)
	}
	defer rows.Close()

	var out []ir.Code
	for rows.Next() {
		var c ir.Code
		if err := rows.Scan(&c.SpecID, &c.ScopeID, &c.Value); err != nil {
			return nil, ir.NewStoreFailure("read held codes", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("read held codes", err)
	}
	return out, nil
}

// AddHeldCodes records reserved codes.
func (s *Store) AddHeldCodes(ctx context.Context, codes []ir.Code) error {
	for _, c := range codes {
		if _, err := s.exec(ctx, "INSERT OR IGNORE INTO held_codes (spec, scope, value) VALUES (?, ?, ?)",
			c.SpecID, c.ScopeID, c.Value); err != nil {
			return ir.NewStoreFailure("record code", err)
		}
	}
	return nil
}

// ClearHeldLocks forgets every lock and code reservation.
func (s *Store) ClearHeldLocks(ctx context.Context) error {
	for _, q := range []string{"DELETE FROM held_locks", "DELETE FROM held_codes"} {
		if _, err := s.exec(ctx, q); err != nil {
			return ir.NewStoreFailure("clear held locks", err)
		}
	}
	return nil
}
