package concurrency

import (
	"cmp"
	"slices"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/store"
)

// Requirements is a set of locks and codes keyed for merging. Adding a lock
// already present keeps the higher level.
type Requirements struct {
	locks map[ir.LockKey]ir.LockLevel
	codes map[ir.Code]bool
}

func newRequirements() *Requirements {
	return &Requirements{locks: map[ir.LockKey]ir.LockLevel{}, codes: map[ir.Code]bool{}}
}

func (r *Requirements) lock(object ir.LockObject, id ir.ID, level ir.LockLevel) {
	if !id.IsValid() {
		return
	}
	key := ir.LockKey{Object: object, ID: id}
	if level > r.locks[key] {
		r.locks[key] = level
	}
	if object == ir.LockElement || object == ir.LockModel {
		root := ir.RepositoryLock(ir.LockShared)
		if r.locks[root.Key()] < ir.LockShared {
			r.locks[root.Key()] = ir.LockShared
		}
	}
}

func (r *Requirements) code(c ir.Code) {
	if !c.IsEmpty() {
		r.codes[c] = true
	}
}

// Locks returns the locks ordered by object and id.
func (r *Requirements) Locks() []ir.Lock {
	out := make([]ir.Lock, 0, len(r.locks))
	for k, level := range r.locks {
		out = append(out, ir.Lock{Object: k.Object, ID: k.ID, Level: level})
	}
	slices.SortFunc(out, func(a, b ir.Lock) int {
		return cmp.Or(cmp.Compare(a.Object, b.Object), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Codes returns the codes ordered by spec, scope and value.
func (r *Requirements) Codes() []ir.Code {
	out := make([]ir.Code, 0, len(r.codes))
	for c := range r.codes {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b ir.Code) int {
		return cmp.Or(cmp.Compare(a.SpecID, b.SpecID), cmp.Compare(a.ScopeID, b.ScopeID), cmp.Compare(a.Value, b.Value))
	})
	return out
}

// IsEmpty reports whether nothing is required.
func (r *Requirements) IsEmpty() bool { return len(r.locks) == 0 && len(r.codes) == 0 }

// Without drops what is already held: locks held at the same or a higher
// level and codes already reserved.
func (r *Requirements) Without(held []ir.Lock, codes []ir.Code) *Requirements {
	out := newRequirements()
	have := make(map[ir.LockKey]ir.LockLevel, len(held))
	for _, l := range held {
		have[l.Key()] = max(have[l.Key()], l.Level)
	}
	for k, level := range r.locks {
		if have[k] < level {
			out.locks[k] = level
		}
	}
	reserved := make(map[ir.Code]bool, len(codes))
	for _, c := range codes {
		reserved[c] = true
	}
	for c := range r.codes {
		if !reserved[c] {
			out.codes[c] = true
		}
	}
	return out
}

// Required computes the locks and codes a set of pending changes needs.
func Required(changes []store.PendingChange, schemaChanged bool) *Requirements {
	r := newRequirements()
	for _, p := range changes {
		r.add(p.Op, p.After, p.Before)
	}
	if schemaChanged {
		r.locks[ir.SchemaLock().Key()] = ir.LockExclusive
	}
	return r
}

// requiredFor computes what a single mutation needs.
func requiredFor(m store.Mutation) *Requirements {
	r := newRequirements()
	if m.Schema != nil {
		r.locks[ir.SchemaLock().Key()] = ir.LockExclusive
		return r
	}
	after, before := m.Entity, m.Before
	if m.Op == changeset.OpDelete {
		after, before = nil, m.Entity
	}
	r.add(m.Op, after, before)
	return r
}

// add records what one change needs. after is nil for deletes; before is nil
// for inserts.
func (r *Requirements) add(op changeset.Op, after, before ir.Entity) {
	current := after
	if current == nil {
		current = before
	}
	switch e := current.(type) {
	case *ir.Element:
		if op == changeset.OpInsert {
			r.lock(ir.LockModel, e.ModelID, ir.LockShared)
		} else {
			r.lock(ir.LockElement, e.ID, ir.LockExclusive)
			r.lock(ir.LockModel, e.ModelID, ir.LockShared)
		}
		if prev, ok := before.(*ir.Element); ok && op == changeset.OpUpdate && prev.ModelID != e.ModelID {
			r.lock(ir.LockModel, prev.ModelID, ir.LockShared)
		}
		// Unchanged codes are already reserved by whoever wrote them.
		if op == changeset.OpInsert {
			r.code(e.Code)
		} else if prev, ok := before.(*ir.Element); ok && op == changeset.OpUpdate && prev.Code != e.Code {
			r.code(e.Code)
		}
	case *ir.Model:
		r.lock(ir.LockModel, e.ID, ir.LockExclusive)
	case *ir.CodeSpec:
		r.lock(ir.LockCodeSpec, e.ID, ir.LockExclusive)
	case *ir.Aspect:
		r.lock(ir.LockElement, e.ElementID, ir.LockExclusive)
	case *ir.Relationship:
		r.lock(ir.LockElement, e.SourceID, ir.LockExclusive)
	}
}
