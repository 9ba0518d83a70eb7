package hub

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/ir"
)

const repo = "repo-1"

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(context.Background(), LedgerConfig{DSN: filepath.Join(t.TempDir(), "hub.db")}, blob.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// encoded builds a sealed changeset inserting one element.
func encoded(t *testing.T, parentID string, replica uint32, id ir.ID) (*changeset.ChangeSet, []byte) {
	t.Helper()
	cs := changeset.New(parentID, replica, "insert "+id.String())
	cs.RecordInsert(&ir.Element{ID: id, ClassFullName: "Test:Widget", ModelID: 0x10, LastMod: 1})
	require.NoError(t, cs.Seal())
	data, err := cs.Encode()
	require.NoError(t, err)
	return cs, data
}

func TestOpenLedger_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := OpenLedger(ctx, LedgerConfig{Driver: "oracle", DSN: "x"}, blob.NewMemory())
	require.Error(t, err)
	_, err = OpenLedger(ctx, LedgerConfig{}, blob.NewMemory())
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Ledger{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &Ledger{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestAcquireReplica(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	other, err := l.AcquireReplica(ctx, "repo-2")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
	assert.Equal(t, uint32(1), other)

	_, err = l.AcquireReplica(ctx, "")
	require.Error(t, err)
}

func TestUploadAndGetChangeSets(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	n, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	_, err = l.GetChangeSets(ctx, "unknown", 0)
	assert.True(t, ir.IsNotFound(err))

	first, data := encoded(t, "", n, ir.MakeID(n, 0x100))
	idx, err := l.UploadChangeSet(ctx, repo, n, 0, data, "first")
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx)

	second, data2 := encoded(t, first.ID, n, ir.MakeID(n, 0x101))
	idx, err = l.UploadChangeSet(ctx, repo, n, 1, data2, "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx)

	entries, err := l.GetChangeSets(ctx, repo, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, "", entries[0].ParentID)
	assert.Equal(t, second.ID, entries[1].ID)
	assert.Equal(t, first.ID, entries[1].ParentID)
	assert.Equal(t, "second", entries[1].Description)
	assert.Equal(t, n, entries[1].ReplicaNumber)
	decoded, err := changeset.Decode(entries[1].Data)
	require.NoError(t, err)
	assert.Equal(t, second.ID, decoded.ID)

	entries, err = l.GetChangeSets(ctx, repo, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadChangeSet_Stale(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	_, data := encoded(t, "", a, ir.MakeID(a, 0x100))
	_, err = l.UploadChangeSet(ctx, repo, a, 0, data, "")
	require.NoError(t, err)

	// b never pulled a's changeset.
	_, stale := encoded(t, "", b, ir.MakeID(b, 0x100))
	_, err = l.UploadChangeSet(ctx, repo, b, 0, stale, "")
	require.Error(t, err)
	assert.True(t, ir.IsStaleReplica(err))

	_, err = l.UploadChangeSet(ctx, repo, b, 1, stale, "")
	require.Error(t, err, "parent id must match the latest changeset too")
	assert.True(t, ir.IsStaleReplica(err))

	_, err = l.UploadChangeSet(ctx, repo, a, 1, stale, "")
	require.Error(t, err, "changeset made by another replica")

	_, err = l.UploadChangeSet(ctx, repo, b, 1, []byte("{not json"), "")
	assert.True(t, ir.IsSchemaViolation(err))

	entries, err := l.GetChangeSets(ctx, repo, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquireLocks(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	model := ir.MakeID(0, 0x100)
	element := ir.MakeID(0, 0x101)
	sharedModel := ir.Lock{Object: ir.LockModel, ID: model, Level: ir.LockShared}
	require.NoError(t, l.AcquireLocks(ctx, repo, a, 0, []ir.Lock{
		ir.RepositoryLock(ir.LockShared),
		sharedModel,
		{Object: ir.LockElement, ID: element, Level: ir.LockExclusive},
	}))
	require.NoError(t, l.AcquireLocks(ctx, repo, b, 0, []ir.Lock{ir.RepositoryLock(ir.LockShared), sharedModel}),
		"shared locks coexist")

	err = l.AcquireLocks(ctx, repo, b, 0, []ir.Lock{
		{Object: ir.LockElement, ID: ir.MakeID(0, 0x102), Level: ir.LockExclusive},
		{Object: ir.LockElement, ID: element, Level: ir.LockExclusive},
	})
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Contains(t, err.Error(), "replica 1")

	held, err := l.QueryLocks(ctx, repo, b)
	require.NoError(t, err)
	assert.Len(t, held, 2, "a refused request grants nothing")

	// Re-requesting at a higher level upgrades in place.
	require.NoError(t, l.AcquireLocks(ctx, repo, a, 0, []ir.Lock{{Object: ir.LockElement, ID: element, Level: ir.LockShared}}))
	held, err = l.QueryLocks(ctx, repo, a)
	require.NoError(t, err)
	assert.Contains(t, held, ir.Lock{Object: ir.LockElement, ID: element, Level: ir.LockExclusive})

	require.NoError(t, l.ReleaseLocks(ctx, repo, a))
	held, err = l.QueryLocks(ctx, repo, a)
	require.NoError(t, err)
	assert.Empty(t, held)
	require.NoError(t, l.AcquireLocks(ctx, repo, b, 0, []ir.Lock{{Object: ir.LockElement, ID: element, Level: ir.LockExclusive}}))
}

func TestAcquireLocks_SchemaLockConflict(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	require.NoError(t, l.AcquireLocks(ctx, repo, a, 0, []ir.Lock{ir.SchemaLock()}))
	err = l.AcquireLocks(ctx, repo, b, 0, []ir.Lock{ir.SchemaLock()})
	assert.True(t, ir.IsConflict(err))
}

func TestAcquireLocks_PullRequired(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	element := ir.MakeID(a, 0x100)
	_, data := encoded(t, "", a, element)
	_, err = l.UploadChangeSet(ctx, repo, a, 0, data, "")
	require.NoError(t, err)

	lock := ir.Lock{Object: ir.LockElement, ID: element, Level: ir.LockExclusive}
	err = l.AcquireLocks(ctx, repo, b, 0, []ir.Lock{lock})
	require.Error(t, err)
	assert.True(t, ir.IsStaleReplica(err))

	require.NoError(t, l.AcquireLocks(ctx, repo, b, 1, []ir.Lock{lock}), "after pulling index 1")
	require.NoError(t, l.ReleaseLocks(ctx, repo, b))
	require.NoError(t, l.AcquireLocks(ctx, repo, a, 0, []ir.Lock{lock}), "own changes never require a pull")
}

func TestCodes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	code := ir.Code{SpecID: 0x100, ScopeID: 0x100, Value: "W-1"}
	require.NoError(t, l.AcquireCodes(ctx, repo, a, []ir.Code{code}))
	require.NoError(t, l.AcquireCodes(ctx, repo, a, []ir.Code{code}), "reserving twice is fine")
	err = l.AcquireCodes(ctx, repo, b, []ir.Code{code})
	assert.True(t, ir.IsConflict(err))

	// Unused reservations go with the locks.
	require.NoError(t, l.ReleaseLocks(ctx, repo, a))
	require.NoError(t, l.AcquireCodes(ctx, repo, b, []ir.Code{code}))
	require.NoError(t, l.MarkCodesUsed(ctx, repo, b, []ir.Code{code}))
	require.NoError(t, l.ReleaseLocks(ctx, repo, b))

	err = l.AcquireCodes(ctx, repo, a, []ir.Code{code})
	assert.True(t, ir.IsConflict(err), "used codes survive a release")
	err = l.MarkCodesUsed(ctx, repo, a, []ir.Code{code})
	assert.True(t, ir.IsConflict(err))
}

func TestReleaseCodes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	a, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := l.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	free := ir.Code{SpecID: 0x100, ScopeID: 0x100, Value: "W-1"}
	used := ir.Code{SpecID: 0x100, ScopeID: 0x100, Value: "W-2"}
	require.NoError(t, l.AcquireCodes(ctx, repo, a, []ir.Code{free, used}))
	require.NoError(t, l.MarkCodesUsed(ctx, repo, a, []ir.Code{used}))

	require.NoError(t, l.ReleaseCodes(ctx, repo, b, []ir.Code{free}), "another replica's reservation is kept")
	err = l.AcquireCodes(ctx, repo, b, []ir.Code{free})
	assert.True(t, ir.IsConflict(err))

	require.NoError(t, l.ReleaseCodes(ctx, repo, a, []ir.Code{free, used}))
	require.NoError(t, l.AcquireCodes(ctx, repo, b, []ir.Code{free}))
	err = l.AcquireCodes(ctx, repo, b, []ir.Code{used})
	assert.True(t, ir.IsConflict(err), "used codes are never released")
	require.NoError(t, l.ReleaseCodes(ctx, repo, a, nil))
}
