// Package changeset models the unit of exchange between replicas: the set of
// entities inserted, updated and deleted by one push, with the row images
// needed to replay it elsewhere.
package changeset

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

// Op is the operation applied to one entity.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	for _, o := range []Op{OpInsert, OpUpdate, OpDelete} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(b []byte) error {
	parsed, err := ParseOp(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Merge combines an earlier and a later op on the same entity. ok is false
// when the two cancel out.
//
//	insert+update = insert
//	insert+delete = nothing
//	update+delete = delete
//	delete+insert = update
func Merge(earlier, later Op) (merged Op, ok bool) {
	switch {
	case earlier == OpInsert && later == OpDelete:
		return 0, false
	case earlier == OpInsert:
		return OpInsert, true
	case earlier == OpDelete && later == OpInsert:
		return OpUpdate, true
	case earlier == OpDelete:
		return OpDelete, true
	default:
		return later, true
	}
}

// IDSets holds the ids touched in one entity kind.
type IDSets struct {
	Inserted []ir.ID `json:"inserted,omitempty"`
	Updated  []ir.ID `json:"updated,omitempty"`
	Deleted  []ir.ID `json:"deleted,omitempty"`
}

func (s *IDSets) empty() bool {
	return len(s.Inserted) == 0 && len(s.Updated) == 0 && len(s.Deleted) == 0
}

// ChangeSet is an immutable, ordered delta produced by one push. Index is
// assigned by the hub and is not part of the encoded body.
type ChangeSet struct {
	ID            string `json:"id,omitempty"`
	ParentID      string `json:"parentId,omitempty"`
	Index         int64  `json:"-"`
	ReplicaNumber uint32 `json:"replica"`
	Description   string `json:"description,omitempty"`

	Changes map[ir.Kind]*IDSets `json:"changes,omitempty"`
	// After holds images for inserted and updated entities, Before holds
	// images of deleted entities as they were before deletion.
	After  []Image `json:"after,omitempty"`
	Before []Image `json:"before,omitempty"`

	Schemas        []*schema.Schema       `json:"schemas,omitempty"`
	ElementChanges map[ir.ID]TypeOfChange `json:"elementChanges,omitempty"`
}

// New creates an empty changeset on top of parentID.
func New(parentID string, replica uint32, description string) *ChangeSet {
	return &ChangeSet{
		ParentID:      parentID,
		ReplicaNumber: replica,
		Description:   description,
		Changes:       map[ir.Kind]*IDSets{},
	}
}

func (cs *ChangeSet) sets(kind ir.Kind) *IDSets {
	if cs.Changes == nil {
		cs.Changes = map[ir.Kind]*IDSets{}
	}
	s, ok := cs.Changes[kind]
	if !ok {
		s = &IDSets{}
		cs.Changes[kind] = s
	}
	return s
}

// Sets returns the id sets of one kind; the result is never nil.
func (cs *ChangeSet) Sets(kind ir.Kind) IDSets {
	if s, ok := cs.Changes[kind]; ok {
		return *s
	}
	return IDSets{}
}

// RecordInsert adds an inserted entity with its after-image.
func (cs *ChangeSet) RecordInsert(after ir.Entity) {
	s := cs.sets(after.EntityKind())
	s.Inserted = append(s.Inserted, after.EntityID())
	cs.After = append(cs.After, Image{Entity: after})
}

// RecordUpdate adds an updated entity with its after-image.
func (cs *ChangeSet) RecordUpdate(after ir.Entity, change TypeOfChange) {
	s := cs.sets(after.EntityKind())
	s.Updated = append(s.Updated, after.EntityID())
	cs.After = append(cs.After, Image{Entity: after})
	if after.EntityKind() == ir.KindElement && change != 0 {
		cs.markElement(after.EntityID(), change)
	}
}

// RecordDelete adds a deleted entity with its before-image.
func (cs *ChangeSet) RecordDelete(before ir.Entity) {
	s := cs.sets(before.EntityKind())
	s.Deleted = append(s.Deleted, before.EntityID())
	cs.Before = append(cs.Before, Image{Entity: before})
}

// MarkIndirect flags an element whose own row is unchanged but whose aspects
// changed.
func (cs *ChangeSet) MarkIndirect(element ir.ID) {
	cs.markElement(element, ChangeIndirect)
}

func (cs *ChangeSet) markElement(id ir.ID, change TypeOfChange) {
	if cs.ElementChanges == nil {
		cs.ElementChanges = map[ir.ID]TypeOfChange{}
	}
	cs.ElementChanges[id] |= change
}

// AddSchema records a schema imported or upgraded by this changeset.
func (cs *ChangeSet) AddSchema(sc *schema.Schema) {
	cs.Schemas = append(cs.Schemas, sc)
}

// IsEmpty reports whether the changeset carries no entity or schema change.
func (cs *ChangeSet) IsEmpty() bool {
	if len(cs.Schemas) > 0 {
		return false
	}
	for _, s := range cs.Changes {
		if !s.empty() {
			return false
		}
	}
	return true
}

// HasSchemaChanges reports whether the changeset imports schemas.
func (cs *ChangeSet) HasSchemaChanges() bool { return len(cs.Schemas) > 0 }

// AfterImage returns the after-image of an inserted or updated entity.
func (cs *ChangeSet) AfterImage(ref ir.Ref) (ir.Entity, bool) {
	return findImage(cs.After, ref)
}

// BeforeImage returns the before-image of a deleted entity.
func (cs *ChangeSet) BeforeImage(ref ir.Ref) (ir.Entity, bool) {
	return findImage(cs.Before, ref)
}

func findImage(images []Image, ref ir.Ref) (ir.Entity, bool) {
	for _, img := range images {
		if img.Ref() == ref {
			return img.Entity, true
		}
	}
	return nil, false
}

// Validate checks the structural invariants: insert and delete sets are
// disjoint per kind, no id appears twice, and every id has its image.
func (cs *ChangeSet) Validate() error {
	for kind, s := range cs.Changes {
		seen := map[ir.ID]Op{}
		check := func(ids []ir.ID, op Op) error {
			for _, id := range ids {
				if prev, dup := seen[id]; dup {
					return fmt.Errorf("changeset: %s %s listed as both %s and %s", kind, id, prev, op)
				}
				seen[id] = op
				images := cs.After
				if op == OpDelete {
					images = cs.Before
				}
				if _, ok := findImage(images, ir.Ref{Kind: kind, ID: id}); !ok {
					return fmt.Errorf("changeset: %s %s %s has no row image", op, kind, id)
				}
			}
			return nil
		}
		if err := check(s.Inserted, OpInsert); err != nil {
			return err
		}
		if err := check(s.Updated, OpUpdate); err != nil {
			return err
		}
		if err := check(s.Deleted, OpDelete); err != nil {
			return err
		}
	}
	return nil
}

// normalize sorts every list so that encoding is deterministic.
func (cs *ChangeSet) normalize() {
	for kind, s := range cs.Changes {
		if s.empty() {
			delete(cs.Changes, kind)
			continue
		}
		slices.Sort(s.Inserted)
		slices.Sort(s.Updated)
		slices.Sort(s.Deleted)
	}
	byRef := func(a, b Image) int {
		ra, rb := a.Ref(), b.Ref()
		if ra.Kind != rb.Kind {
			return int(ra.Kind) - int(rb.Kind)
		}
		switch {
		case ra.ID < rb.ID:
			return -1
		case ra.ID > rb.ID:
			return 1
		}
		return 0
	}
	slices.SortFunc(cs.After, byRef)
	slices.SortFunc(cs.Before, byRef)
	slices.SortFunc(cs.Schemas, func(a, b *schema.Schema) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}

// Seal validates the changeset, puts it into canonical order and derives its
// content id from the parent id and the encoded body.
func (cs *ChangeSet) Seal() error {
	if err := cs.Validate(); err != nil {
		return err
	}
	cs.normalize()
	cs.ID = ""
	body, err := cs.canonical()
	if err != nil {
		return err
	}
	cs.ID = ir.ChangeSetID(cs.ParentID, body)
	return nil
}

func (cs *ChangeSet) canonical() ([]byte, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encode changeset: %w", err)
	}
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("encode changeset: %w", err)
	}
	return ir.MarshalCanonical(v)
}

// Encode serializes a sealed changeset.
func (cs *ChangeSet) Encode() ([]byte, error) {
	if cs.ID == "" {
		return nil, fmt.Errorf("encode changeset: not sealed")
	}
	return cs.canonical()
}

// Decode parses and validates an encoded changeset. The content id is
// recomputed and must match.
func Decode(data []byte) (*ChangeSet, error) {
	var cs ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode changeset: %w", err)
	}
	if cs.Changes == nil {
		cs.Changes = map[ir.Kind]*IDSets{}
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	claimed := cs.ID
	if err := cs.Seal(); err != nil {
		return nil, err
	}
	if claimed != cs.ID {
		return nil, fmt.Errorf("decode changeset: content id mismatch (claimed %s, computed %s)", claimed, cs.ID)
	}
	return &cs, nil
}
