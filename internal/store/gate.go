package store

import (
	"context"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

// Mutation describes a local change about to be written.
type Mutation struct {
	Op   changeset.Op
	Kind ir.Kind
	// Entity is the new state for inserts and updates and the current state
	// for deletes.
	Entity ir.Entity
	// Before is the current state for updates.
	Before ir.Entity
	// Schema is set, with Kind zero, for schema imports.
	Schema *schema.Schema
}

// A Gate is consulted before every local mutation. Returning an error
// rejects the mutation and leaves the replica unchanged.
type Gate interface {
	BeforeMutation(ctx context.Context, m Mutation) error
}

func (s *Store) checkGate(ctx context.Context, m Mutation) error {
	if s.gate == nil || s.applying {
		return nil
	}
	return s.gate.BeforeMutation(ctx, m)
}
