package wsrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/metrics"
)

const repo = "repo-1"

type fixture struct {
	server *httptest.Server
	client *Client
	prom   *metrics.Prometheus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prom := metrics.NewPrometheus()
	ledger, err := hub.OpenLedger(context.Background(),
		hub.LedgerConfig{DSN: filepath.Join(t.TempDir(), "hub.db")}, blob.NewMemory(), hub.WithMetrics(prom))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ts := httptest.NewServer(NewServer(ledger, WithMetricsHandler(prom.Handler())).Handler())
	t.Cleanup(ts.Close)

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &fixture{server: ts, client: c, prom: prom}
}

func sealed(t *testing.T, parentID string, replica uint32, id ir.ID) (*changeset.ChangeSet, []byte) {
	t.Helper()
	cs := changeset.New(parentID, replica, "")
	cs.RecordInsert(&ir.Element{ID: id, ClassFullName: "Test:Widget", ModelID: 0x10, LastMod: 1})
	require.NoError(t, cs.Seal())
	data, err := cs.Encode()
	require.NoError(t, err)
	return cs, data
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	c := fx.client

	n, err := c.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	cs, data := sealed(t, "", n, ir.MakeID(n, 0x100))
	idx, err := c.UploadChangeSet(ctx, repo, n, 0, data, "first push")
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx)

	sets, err := c.GetChangeSets(ctx, repo, 0)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, cs.ID, sets[0].ID)
	assert.Equal(t, "first push", sets[0].Description)
	assert.Equal(t, data, sets[0].Data)

	lock := ir.Lock{Object: ir.LockElement, ID: ir.MakeID(n, 0x100), Level: ir.LockExclusive}
	require.NoError(t, c.AcquireLocks(ctx, repo, n, 1, []ir.Lock{ir.RepositoryLock(ir.LockShared), lock}))
	locks, err := c.QueryLocks(ctx, repo, n)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ir.Lock{ir.RepositoryLock(ir.LockShared), lock}, locks)

	code := ir.Code{SpecID: 0x100, ScopeID: 0x100, Value: "W-1"}
	spare := ir.Code{SpecID: 0x100, ScopeID: 0x100, Value: "W-2"}
	require.NoError(t, c.AcquireCodes(ctx, repo, n, []ir.Code{code, spare}))
	require.NoError(t, c.ReleaseCodes(ctx, repo, n, []ir.Code{spare}))
	require.NoError(t, c.MarkCodesUsed(ctx, repo, n, []ir.Code{code}))
	require.NoError(t, c.ReleaseLocks(ctx, repo, n))
	locks, err = c.QueryLocks(ctx, repo, n)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestClient_TypedErrors(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	c := fx.client

	_, err := c.GetChangeSets(ctx, "nope", 0)
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "nope", e.Repo)

	a, err := c.AcquireReplica(ctx, repo)
	require.NoError(t, err)
	b, err := c.AcquireReplica(ctx, repo)
	require.NoError(t, err)

	require.NoError(t, c.AcquireLocks(ctx, repo, a, 0, []ir.Lock{ir.SchemaLock()}))
	err = c.AcquireLocks(ctx, repo, b, 0, []ir.Lock{ir.SchemaLock()})
	assert.True(t, ir.IsConflict(err))

	_, data := sealed(t, "", a, ir.MakeID(a, 0x100))
	_, err = c.UploadChangeSet(ctx, repo, a, 0, data, "")
	require.NoError(t, err)
	_, stale := sealed(t, "", b, ir.MakeID(b, 0x100))
	_, err = c.UploadChangeSet(ctx, repo, b, 0, stale, "")
	assert.True(t, ir.IsStaleReplica(err))

	err = c.call(ctx, "dropTables", params{Repo: repo}, nil)
	require.Error(t, err)
	assert.Empty(t, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown method")
}

func TestClient_ConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[uint32]bool{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := fx.client.AcquireReplica(ctx, repo)
			assert.NoError(t, err)
			mu.Lock()
			numbers[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, numbers, workers)
}

func TestClient_Closed(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.client.Close())
	_, err := fx.client.AcquireReplica(context.Background(), repo)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServer_Metrics(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.client.AcquireReplica(context.Background(), repo)
	require.NoError(t, err)

	res, err := http.Get(fx.server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `briefsync_operations_total{operation="hub.acquire_replica",status="success"} 1`)

	res, err = http.Get(fx.server.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWireError(t *testing.T) {
	in := ir.NewNotFound(ir.KindElement, ir.MakeID(1, 0x100), "gone").WithRepo("r")
	out := toWire(in).err()
	var e *ir.Error
	require.True(t, errors.As(out, &e))
	assert.Equal(t, ir.ErrCodeNotFound, e.Code)
	assert.Equal(t, ir.KindElement, e.Kind)
	assert.Equal(t, ir.MakeID(1, 0x100), e.ID)
	assert.Equal(t, "r", e.Repo)

	plain := toWire(errors.New("boom")).err()
	assert.Equal(t, "boom", plain.Error())
	assert.Empty(t, ir.CodeOf(plain))

	wrapped := toWire(ir.NewStoreFailure("ledger", errors.New("disk full"))).err()
	assert.True(t, ir.IsStoreFailure(wrapped))
	assert.Contains(t, wrapped.Error(), "disk full")
}
