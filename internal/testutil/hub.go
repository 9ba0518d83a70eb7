package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/store"
)

// NewHub opens an in-process hub on a temporary SQLite ledger with
// in-memory changeset blobs.
func NewHub(t testing.TB) *hub.Ledger {
	t.Helper()
	l, err := hub.OpenLedger(context.Background(),
		hub.LedgerConfig{DSN: filepath.Join(t.TempDir(), "hub.db")}, blob.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// NewHubReplica acquires a replica number for repo and creates its file.
// Every replica of a repository starts from the same bootstrap content.
func NewHubReplica(t testing.TB, h hub.Hub, repo string) *store.Store {
	t.Helper()
	n, err := h.AcquireReplica(context.Background(), repo)
	require.NoError(t, err)
	return NewReplica(t, ReplicaOptions{RepositoryID: repo, ReplicaNumber: n})
}
