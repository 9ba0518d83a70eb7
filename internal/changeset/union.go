package changeset

import (
	"slices"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

// Entry is the net effect of a run of changesets on one entity.
type Entry struct {
	Ref    ir.Ref
	Op     Op
	After  ir.Entity
	Before ir.Entity
	Change TypeOfChange
}

// Union folds changesets, given in ascending index order, into one net
// delta. Later changesets win.
type Union struct {
	entries  map[ir.Ref]*Entry
	schemas  map[string]*schema.Schema
	indirect map[ir.ID]TypeOfChange
}

// UnionOf folds sets in the order given.
func UnionOf(sets ...*ChangeSet) *Union {
	u := &Union{
		entries:  map[ir.Ref]*Entry{},
		schemas:  map[string]*schema.Schema{},
		indirect: map[ir.ID]TypeOfChange{},
	}
	for _, cs := range sets {
		if cs != nil {
			u.add(cs)
		}
	}
	return u
}

func (u *Union) add(cs *ChangeSet) {
	for _, sc := range cs.Schemas {
		u.schemas[sc.Name] = sc
	}
	for _, kind := range ir.Kinds {
		s := cs.Sets(kind)
		for _, id := range s.Inserted {
			after, _ := cs.AfterImage(ir.Ref{Kind: kind, ID: id})
			u.fold(ir.Ref{Kind: kind, ID: id}, OpInsert, after, nil, 0)
		}
		for _, id := range s.Updated {
			after, _ := cs.AfterImage(ir.Ref{Kind: kind, ID: id})
			u.fold(ir.Ref{Kind: kind, ID: id}, OpUpdate, after, nil, cs.ElementChanges[id])
		}
		for _, id := range s.Deleted {
			before, _ := cs.BeforeImage(ir.Ref{Kind: kind, ID: id})
			u.fold(ir.Ref{Kind: kind, ID: id}, OpDelete, nil, before, 0)
		}
	}
	for id, change := range cs.ElementChanges {
		if _, ok := u.entries[ir.Ref{Kind: ir.KindElement, ID: id}]; !ok && change&ChangeIndirect != 0 {
			u.indirect[id] |= change
		}
	}
}

func (u *Union) fold(ref ir.Ref, op Op, after, before ir.Entity, change TypeOfChange) {
	prev, ok := u.entries[ref]
	if !ok {
		u.entries[ref] = &Entry{Ref: ref, Op: op, After: after, Before: before, Change: change}
		return
	}
	merged, keep := Merge(prev.Op, op)
	if !keep {
		delete(u.entries, ref)
		return
	}
	prev.Op = merged
	prev.Change |= change
	switch merged {
	case OpDelete:
		prev.After = nil
		if before != nil {
			prev.Before = before
		}
	default:
		if after != nil {
			prev.After = after
		}
		prev.Before = nil
	}
}

// IsEmpty reports whether nothing survives the fold.
func (u *Union) IsEmpty() bool {
	return len(u.entries) == 0 && len(u.schemas) == 0
}

// Lookup returns the net entry for one entity.
func (u *Union) Lookup(ref ir.Ref) (*Entry, bool) {
	e, ok := u.entries[ref]
	return e, ok
}

// Entries returns the entries of one kind in ascending id order.
func (u *Union) Entries(kind ir.Kind) []*Entry {
	var out []*Entry
	for ref, e := range u.entries {
		if ref.Kind == kind {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int { return cmpID(a.Ref.ID, b.Ref.ID) })
	return out
}

// IDs returns the ids of one kind with the given net op, ascending.
func (u *Union) IDs(kind ir.Kind, op Op) []ir.ID {
	var out []ir.ID
	for _, e := range u.Entries(kind) {
		if e.Op == op {
			out = append(out, e.Ref.ID)
		}
	}
	return out
}

// Schemas returns the latest version of every schema imported, by name.
func (u *Union) Schemas() []*schema.Schema {
	out := make([]*schema.Schema, 0, len(u.schemas))
	for _, sc := range u.schemas {
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b *schema.Schema) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// ElementChange summarizes what happened to one element.
type ElementChange struct {
	ID      ir.ID        `json:"id"`
	Op      Op           `json:"op"`
	Class   string       `json:"class"`
	ModelID ir.ID        `json:"model"`
	Change  TypeOfChange `json:"change"`
}

// ChangedElements lists every element touched, including elements whose
// aspects alone changed, in ascending id order.
func (u *Union) ChangedElements() []ElementChange {
	var out []ElementChange
	for _, e := range u.Entries(ir.KindElement) {
		img := e.After
		if img == nil {
			img = e.Before
		}
		ec := ElementChange{ID: e.Ref.ID, Op: e.Op, Change: e.Change}
		if el, ok := img.(*ir.Element); ok {
			ec.Class = el.ClassFullName
			ec.ModelID = el.ModelID
		}
		if e.Op == OpInsert {
			ec.Change = 0
		}
		out = append(out, ec)
	}
	for id, change := range u.indirect {
		if _, direct := u.entries[ir.Ref{Kind: ir.KindElement, ID: id}]; direct {
			continue
		}
		out = append(out, ElementChange{ID: id, Op: OpUpdate, Change: change})
	}
	slices.SortFunc(out, func(a, b ElementChange) int { return cmpID(a.ID, b.ID) })
	return out
}

// ChangedModels lists models that were changed directly or contain a changed
// element, ascending.
func (u *Union) ChangedModels() []ir.ID {
	seen := map[ir.ID]bool{}
	for _, e := range u.Entries(ir.KindModel) {
		seen[e.Ref.ID] = true
	}
	for _, ec := range u.ChangedElements() {
		if ec.ModelID.IsValid() {
			seen[ec.ModelID] = true
		}
	}
	out := make([]ir.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
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
