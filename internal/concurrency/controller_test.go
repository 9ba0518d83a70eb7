package concurrency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
	"github.com/roach88/briefsync/internal/testutil"
)

const repo = "locks-repo"

const extraSchema = `
schema: Extra: {
	references: ["Core"]
	classes: {
		Pipe: {kind: "Element", base: "Core:PhysicalElement", properties: {length: "number"}}
	}
}
`

func extra(t *testing.T) *schema.Schema {
	t.Helper()
	schemas, err := schema.Compile("extra.cue", []byte(extraSchema))
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	return schemas[0]
}

type replica struct {
	store *store.Store
	ctl   *Controller
}

func newReplica(t *testing.T, h hub.Hub) replica {
	t.Helper()
	s := testutil.NewHubReplica(t, h, repo)
	return replica{store: s, ctl: New(s, h)}
}

func heldLocks(t *testing.T, s *store.Store) []ir.Lock {
	t.Helper()
	locks, err := s.HeldLocks(context.Background())
	require.NoError(t, err)
	return locks
}

func TestRequired(t *testing.T) {
	model := ir.MakeID(1, 0x100)
	other := ir.MakeID(1, 0x200)
	el := &ir.Element{ID: ir.MakeID(1, 0x101), ModelID: model, Code: ir.Code{SpecID: 0x100, ScopeID: model, Value: "A"}}
	renamed := *el
	renamed.Code.Value = "B"
	moved := *el
	moved.ModelID = other
	repoLock := ir.RepositoryLock(ir.LockShared)

	tests := []struct {
		name   string
		change store.PendingChange
		schema bool
		locks  []ir.Lock
		codes  []ir.Code
	}{
		{
			name:   "element insert",
			change: store.PendingChange{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpInsert, After: el},
			locks:  []ir.Lock{{Object: ir.LockModel, ID: model, Level: ir.LockShared}, repoLock},
			codes:  []ir.Code{el.Code},
		},
		{
			name:   "element update keeping its code",
			change: store.PendingChange{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpUpdate, Before: el, After: el},
			locks: []ir.Lock{
				{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive},
				{Object: ir.LockModel, ID: model, Level: ir.LockShared},
				repoLock,
			},
		},
		{
			name:   "element update changing its code",
			change: store.PendingChange{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpUpdate, Before: el, After: &renamed},
			locks: []ir.Lock{
				{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive},
				{Object: ir.LockModel, ID: model, Level: ir.LockShared},
				repoLock,
			},
			codes: []ir.Code{renamed.Code},
		},
		{
			name:   "element moved between models",
			change: store.PendingChange{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpUpdate, Before: el, After: &moved},
			locks: []ir.Lock{
				{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive},
				{Object: ir.LockModel, ID: model, Level: ir.LockShared},
				{Object: ir.LockModel, ID: other, Level: ir.LockShared},
				repoLock,
			},
		},
		{
			name:   "element delete",
			change: store.PendingChange{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpDelete, Before: el},
			locks: []ir.Lock{
				{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive},
				{Object: ir.LockModel, ID: model, Level: ir.LockShared},
				repoLock,
			},
		},
		{
			name:   "model insert",
			change: store.PendingChange{Kind: ir.KindModel, ID: model, Op: changeset.OpInsert, After: &ir.Model{ID: model}},
			locks:  []ir.Lock{{Object: ir.LockModel, ID: model, Level: ir.LockExclusive}, repoLock},
		},
		{
			name:   "code spec update",
			change: store.PendingChange{Kind: ir.KindCodeSpec, ID: 0x100, Op: changeset.OpUpdate, After: &ir.CodeSpec{ID: 0x100}},
			locks:  []ir.Lock{{Object: ir.LockCodeSpec, ID: 0x100, Level: ir.LockExclusive}},
		},
		{
			name:   "aspect delete",
			change: store.PendingChange{Kind: ir.KindAspect, ID: 0x100, Op: changeset.OpDelete, Before: &ir.Aspect{ID: 0x100, ElementID: el.ID}},
			locks:  []ir.Lock{{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive}, repoLock},
		},
		{
			name: "relationship insert",
			change: store.PendingChange{Kind: ir.KindRelationship, ID: 0x100, Op: changeset.OpInsert,
				After: &ir.Relationship{ID: 0x100, SourceID: el.ID, TargetID: other}},
			locks: []ir.Lock{{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive}, repoLock},
		},
		{
			name:   "schema change",
			schema: true,
			locks:  []ir.Lock{ir.SchemaLock()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var changes []store.PendingChange
			if tt.change.Op != 0 {
				changes = append(changes, tt.change)
			}
			r := Required(changes, tt.schema)
			assert.ElementsMatch(t, tt.locks, r.Locks())
			assert.ElementsMatch(t, tt.codes, r.Codes())
		})
	}
}

func TestRequirementsWithout(t *testing.T) {
	model := ir.MakeID(1, 0x100)
	el := &ir.Element{ID: ir.MakeID(1, 0x101), ModelID: model, Code: ir.Code{SpecID: 0x100, ScopeID: model, Value: "A"}}
	r := Required([]store.PendingChange{
		{Kind: ir.KindElement, ID: el.ID, Op: changeset.OpDelete, Before: el},
		{Kind: ir.KindElement, ID: 0x300, Op: changeset.OpInsert, After: &ir.Element{ID: 0x300, ModelID: model, Code: el.Code}},
	}, false)

	rest := r.Without([]ir.Lock{
		ir.RepositoryLock(ir.LockShared),
		{Object: ir.LockModel, ID: model, Level: ir.LockExclusive},
		{Object: ir.LockElement, ID: el.ID, Level: ir.LockShared},
	}, []ir.Code{el.Code})

	assert.Equal(t, []ir.Lock{{Object: ir.LockElement, ID: el.ID, Level: ir.LockExclusive}}, rest.Locks(),
		"a shared grant does not cover an exclusive need")
	assert.Empty(t, rest.Codes())
	assert.True(t, r.Without(r.Locks(), r.Codes()).IsEmpty())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("pessimistic")
	require.NoError(t, err)
	assert.Equal(t, Pessimistic, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Optimistic, p)
	_, err = ParsePolicy("eager")
	require.Error(t, err)
}

func TestRequest_Optimistic(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	assert.Equal(t, StateUnset, a.ctl.State())
	require.NoError(t, a.ctl.SetPolicy(Optimistic))
	assert.Equal(t, StatePolicySet, a.ctl.State())

	f := testutil.Populate(t, a.store, testutil.NewDeterministicGUIDs())
	assert.Empty(t, heldLocks(t, a.store), "optimistic mutations take no locks")

	require.NoError(t, a.ctl.Request(ctx))
	assert.Equal(t, StateRequested, a.ctl.State())

	held := heldLocks(t, a.store)
	assert.Contains(t, held, ir.Lock{Object: ir.LockModel, ID: f.Model, Level: ir.LockExclusive})
	assert.Contains(t, held, ir.Lock{Object: ir.LockCodeSpec, ID: f.CodeSpec, Level: ir.LockExclusive})
	assert.Contains(t, held, ir.RepositoryLock(ir.LockShared))
	granted, err := h.QueryLocks(ctx, repo, a.store.ReplicaNumber())
	require.NoError(t, err)
	assert.ElementsMatch(t, granted, held, "the mirror matches the hub")

	codes, err := a.store.HeldCodes(ctx)
	require.NoError(t, err)
	assert.Len(t, codes, 3)

	require.NoError(t, a.ctl.Request(ctx), "a second request needs nothing new")
	assert.Len(t, heldLocks(t, a.store), len(held))
}

func TestRequest_CodeConflictGrantsNothing(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)
	f := testutil.Populate(t, a.store, testutil.NewDeterministicGUIDs())

	taken := ir.Code{SpecID: f.CodeSpec, ScopeID: f.Model, Value: "W-2"}
	require.NoError(t, h.AcquireCodes(ctx, repo, b.store.ReplicaNumber(), []ir.Code{taken}))

	err := a.ctl.Request(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Empty(t, heldLocks(t, a.store))
	codes, err := a.store.HeldCodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, codes)
	granted, err := h.QueryLocks(ctx, repo, a.store.ReplicaNumber())
	require.NoError(t, err)
	assert.Empty(t, granted)
}

func TestRequest_LockConflictReleasesCodes(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)
	f := testutil.Populate(t, a.store, testutil.NewDeterministicGUIDs())

	require.NoError(t, h.AcquireLocks(ctx, repo, b.store.ReplicaNumber(), 0,
		[]ir.Lock{{Object: ir.LockModel, ID: f.Model, Level: ir.LockExclusive}}))

	err := a.ctl.Request(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Empty(t, heldLocks(t, a.store))
	codes, err := a.store.HeldCodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, codes)
	granted, err := h.QueryLocks(ctx, repo, a.store.ReplicaNumber())
	require.NoError(t, err)
	assert.Empty(t, granted)

	// The codes a reserved for its refused request are free again.
	w := ir.Code{SpecID: f.CodeSpec, ScopeID: f.Model, Value: "W-1"}
	require.NoError(t, h.AcquireCodes(ctx, repo, b.store.ReplicaNumber(), []ir.Code{w}))
}

func TestRequest_SchemaLockConflict(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)

	changed, err := a.store.ImportSchemas(ctx, extra(t))
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, a.ctl.Request(ctx))
	ok, err := a.ctl.HasSchemaLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.store.ImportSchemas(ctx, extra(t))
	require.NoError(t, err)
	before := heldLocks(t, b.store)
	err = b.ctl.Request(ctx)
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Equal(t, before, heldLocks(t, b.store), "a refused request leaves the mirror alone")
	ok, err = b.ctl.HasSchemaLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.ctl.Release(ctx))
	require.NoError(t, b.ctl.Request(ctx))
	ok, err = b.ctl.HasSchemaLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPessimistic_IdenticalSchemaNeedsNoLock(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)
	require.NoError(t, h.AcquireLocks(ctx, repo, b.store.ReplicaNumber(), 0, []ir.Lock{ir.SchemaLock()}))

	require.NoError(t, a.ctl.SetPolicy(Pessimistic))
	changed, err := a.store.ImportSchemas(ctx, testutil.Schemas(t)...)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, a.store.HasSavedChanges())
	assert.Empty(t, heldLocks(t, a.store))

	_, err = a.store.ImportSchemas(ctx, extra(t))
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err), "a real schema change needs the lock b holds")
	_, ok := a.store.Schemas().Get("Extra")
	assert.False(t, ok)
}

func TestPessimistic_MutationRejected(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)
	require.NoError(t, a.ctl.SetPolicy(Pessimistic))

	f := testutil.Populate(t, a.store, testutil.NewDeterministicGUIDs())
	held := heldLocks(t, a.store)
	assert.Contains(t, held, ir.Lock{Object: ir.LockModel, ID: f.Model, Level: ir.LockExclusive})

	// Widgets[0] and Widgets[1] carry aspects a already locked; Widgets[2] is free.
	target := f.Widgets[2]
	require.NoError(t, h.AcquireLocks(ctx, repo, b.store.ReplicaNumber(), 0,
		[]ir.Lock{{Object: ir.LockElement, ID: target, Level: ir.LockExclusive}}))

	el, err := a.store.GetElement(ctx, target)
	require.NoError(t, err)
	el.UserLabel = "renamed"
	err = a.store.UpdateElement(ctx, el)
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))

	current, err := a.store.GetElement(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, "widget blue", current.UserLabel)
	assert.Equal(t, held, heldLocks(t, a.store))

	child, err := a.store.GetElement(ctx, f.Child)
	require.NoError(t, err)
	child.UserLabel = "renamed"
	require.NoError(t, a.store.UpdateElement(ctx, child))
	assert.Contains(t, heldLocks(t, a.store), ir.Lock{Object: ir.LockElement, ID: f.Child, Level: ir.LockExclusive})
}

func TestOnPushed(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHub(t)
	a := newReplica(t, h)
	b := newReplica(t, h)

	testutil.Populate(t, a.store, testutil.NewDeterministicGUIDs())
	require.NoError(t, a.ctl.Request(ctx))
	codes, err := a.store.HeldCodes(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, codes)

	require.NoError(t, a.ctl.OnPushed(ctx, codes))
	assert.Equal(t, StateCommitted, a.ctl.State())
	assert.Empty(t, heldLocks(t, a.store))
	granted, err := h.QueryLocks(ctx, repo, a.store.ReplicaNumber())
	require.NoError(t, err)
	assert.Empty(t, granted)

	err = h.AcquireCodes(ctx, repo, b.store.ReplicaNumber(), codes[:1])
	assert.True(t, ir.IsConflict(err), "pushed codes stay reserved")
}
