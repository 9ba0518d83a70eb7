package hub

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/metrics"
)

//go:embed ledger.sql
var ledgerSchema string

// Supported ledger drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// LedgerConfig selects the ledger database.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

var sqlOpen = sql.Open

// Ledger is the Hub backed by a SQL database for metadata, locks and codes
// and a blob store for changeset bytes. Every request runs in one database
// transaction; uploads are additionally serialized in process.
type Ledger struct {
	db       *sql.DB
	driver   string
	blobs    blob.Store
	metrics  metrics.Recorder
	uploadMu sync.Mutex
}

var _ Hub = (*Ledger)(nil)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithMetrics records every hub request.
func WithMetrics(rec metrics.Recorder) LedgerOption {
	return func(l *Ledger) { l.metrics = rec }
}

// OpenLedger opens the ledger database and creates its tables.
func OpenLedger(ctx context.Context, cfg LedgerConfig, blobs blob.Store, opts ...LedgerOption) (*Ledger, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("open ledger: unknown driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("open ledger: dsn required")
	}
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sqlOpen(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	for _, stmt := range strings.Split(ledgerSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("open ledger: create tables: %w", err)
		}
	}
	l := &Ledger{db: db, driver: cfg.Driver, blobs: blobs, metrics: metrics.Nop{}}
	for _, o := range opts {
		o(l)
	}
	slog.Info("ledger opened", "driver", cfg.Driver, "blobs", blobs.Driver())
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (l *Ledger) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type ledgerTx struct {
	l  *Ledger
	tx *sql.Tx
}

func (t ledgerTx) exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, t.l.rebind(query), args...); err != nil {
		return ir.NewStoreFailure("ledger", err)
	}
	return nil
}

func (t ledgerTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.l.rebind(query), args...)
	if err != nil {
		return nil, ir.NewStoreFailure("ledger", err)
	}
	return rows, nil
}

func (t ledgerTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.l.rebind(query), args...)
}

// within runs fn in a transaction and records the request.
func (l *Ledger) within(ctx context.Context, op string, fn func(ledgerTx) error) (err error) {
	defer metrics.Since(ctx, l.metrics, "hub."+op, time.Now(), &err)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.NewStoreFailure("ledger begin", err)
	}
	if err := fn(ledgerTx{l: l, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ir.NewStoreFailure("ledger commit", err)
	}
	return nil
}

func (t ledgerTx) requireRepo(ctx context.Context, repo string) error {
	var n int
	if err := t.queryRow(ctx, "SELECT COUNT(*) FROM repositories WHERE id = ?", repo).Scan(&n); err != nil {
		return ir.NewStoreFailure("ledger", err)
	}
	if n == 0 {
		return ir.NewNotFound(0, ir.InvalidID, "repository %s is not known to the hub", repo).WithRepo(repo)
	}
	return nil
}

func (t ledgerTx) latest(ctx context.Context, repo string) (int64, string, error) {
	var (
		idx int64
		id  string
	)
	err := t.queryRow(ctx, "SELECT idx, id FROM changesets WHERE repo = ? ORDER BY idx DESC LIMIT 1", repo).Scan(&idx, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", ir.NewStoreFailure("ledger", err)
	}
	return idx, id, nil
}

// AcquireReplica implements Hub.
func (l *Ledger) AcquireReplica(ctx context.Context, repo string) (uint32, error) {
	if repo == "" {
		return 0, fmt.Errorf("acquire replica: empty repository id")
	}
	var number int64
	err := l.within(ctx, "acquire_replica", func(t ledgerTx) error {
		if err := t.exec(ctx, "INSERT INTO repositories (id, next_replica) VALUES (?, 1) ON CONFLICT (id) DO NOTHING", repo); err != nil {
			return err
		}
		if err := t.queryRow(ctx, "SELECT next_replica FROM repositories WHERE id = ?", repo).Scan(&number); err != nil {
			return ir.NewStoreFailure("ledger", err)
		}
		if number > int64(ir.MaxReplicaNumber) {
			return ir.NewConflict("repository %s has no replica numbers left", repo)
		}
		if err := t.exec(ctx, "UPDATE repositories SET next_replica = ? WHERE id = ?", number+1, repo); err != nil {
			return err
		}
		return t.exec(ctx, "INSERT INTO replicas (repo, number) VALUES (?, ?)", repo, number)
	})
	if err != nil {
		return 0, fmt.Errorf("acquire replica: %w", err)
	}
	slog.Info("replica acquired", "repo", repo, "replica", number)
	return uint32(number), nil
}

// GetChangeSets implements Hub.
func (l *Ledger) GetChangeSets(ctx context.Context, repo string, sinceIndex int64) ([]ChangeSetEntry, error) {
	var (
		out  []ChangeSetEntry
		keys []string
	)
	err := l.within(ctx, "get_changesets", func(t ledgerTx) error {
		if err := t.requireRepo(ctx, repo); err != nil {
			return err
		}
		rows, err := t.query(ctx, `
			SELECT idx, id, parent_id, replica, description, blob_key
			FROM changesets WHERE repo = ? AND idx > ? ORDER BY idx`, repo, sinceIndex)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e       ChangeSetEntry
				replica int64
				key     string
			)
			if err := rows.Scan(&e.Index, &e.ID, &e.ParentID, &replica, &e.Description, &key); err != nil {
				return ir.NewStoreFailure("ledger", err)
			}
			e.ReplicaNumber = uint32(replica)
			out = append(out, e)
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			return ir.NewStoreFailure("ledger", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get changesets: %w", err)
	}
	for i := range out {
		data, err := l.blobs.Get(ctx, keys[i])
		if err != nil {
			return nil, fmt.Errorf("get changesets: %w", ir.NewStoreFailure("read changeset "+out[i].ID, err))
		}
		out[i].Data = data
	}
	return out, nil
}

// UploadChangeSet implements Hub.
func (l *Ledger) UploadChangeSet(ctx context.Context, repo string, replica uint32, parentIndex int64, data []byte, description string) (int64, error) {
	cs, err := changeset.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("upload changeset: %w", ir.NewSchemaViolation(0, ir.InvalidID, "%v", err))
	}
	if cs.ReplicaNumber != replica {
		return 0, fmt.Errorf("upload changeset: changeset was made by replica %d, not %d", cs.ReplicaNumber, replica)
	}

	l.uploadMu.Lock()
	defer l.uploadMu.Unlock()

	var (
		index int64
		key   string
		put   bool
	)
	err = l.within(ctx, "upload_changeset", func(t ledgerTx) error {
		if err := t.requireRepo(ctx, repo); err != nil {
			return err
		}
		latest, latestID, err := t.latest(ctx, repo)
		if err != nil {
			return err
		}
		if parentIndex != latest || cs.ParentID != latestID {
			return ir.NewStaleReplica("changeset %s is based on index %d, hub is at %d; pull required", cs.ID, parentIndex, latest).WithRepo(repo)
		}
		index = latest + 1
		key = blob.ChangeSetKey(repo, index)
		if err := t.exec(ctx, `
			INSERT INTO changesets (repo, idx, id, parent_id, replica, description, blob_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			repo, index, cs.ID, cs.ParentID, int64(replica), description, key); err != nil {
			return err
		}
		for _, lock := range changedObjects(cs) {
			if err := t.exec(ctx, "INSERT INTO changed_objects (repo, idx, object, object_id) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
				repo, index, string(lock.Object), lock.ID); err != nil {
				return err
			}
		}
		// The blob goes last so a failed insert leaves nothing behind.
		if err := l.blobs.Put(ctx, key, data); err != nil {
			return ir.NewStoreFailure("write changeset "+cs.ID, err)
		}
		put = true
		return nil
	})
	if err != nil {
		if put {
			if _, delErr := l.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				slog.Warn("remove orphaned changeset blob", "key", key, "error", delErr)
			}
		}
		return 0, fmt.Errorf("upload changeset: %w", err)
	}
	slog.Info("changeset uploaded", "repo", repo, "replica", replica, "index", index, "changeset", cs.ID)
	return index, nil
}

// changedObjects lists the lockable objects a changeset touched.
func changedObjects(cs *changeset.ChangeSet) []ir.Lock {
	var out []ir.Lock
	for kind, object := range map[ir.Kind]ir.LockObject{
		ir.KindElement:  ir.LockElement,
		ir.KindModel:    ir.LockModel,
		ir.KindCodeSpec: ir.LockCodeSpec,
	} {
		sets := cs.Sets(kind)
		for _, ids := range [][]ir.ID{sets.Inserted, sets.Updated, sets.Deleted} {
			for _, id := range ids {
				out = append(out, ir.Lock{Object: object, ID: id})
			}
		}
	}
	if cs.HasSchemaChanges() {
		out = append(out, ir.Lock{Object: ir.LockSchema, ID: ir.RootSubjectID})
	}
	return out
}

// AcquireLocks implements Hub.
func (l *Ledger) AcquireLocks(ctx context.Context, repo string, replica uint32, baseIndex int64, locks []ir.Lock) error {
	if len(locks) == 0 {
		return nil
	}
	err := l.within(ctx, "acquire_locks", func(t ledgerTx) error {
		if err := t.requireRepo(ctx, repo); err != nil {
			return err
		}
		var conflicts []string
		for _, lock := range locks {
			if lock.Level == ir.LockNone {
				continue
			}
			if lock.Level == ir.LockExclusive {
				var n int
				if err := t.queryRow(ctx, `
					SELECT COUNT(*) FROM changed_objects co
					JOIN changesets c ON c.repo = co.repo AND c.idx = co.idx
					WHERE co.repo = ? AND co.idx > ? AND co.object = ? AND co.object_id = ? AND c.replica != ?`,
					repo, baseIndex, string(lock.Object), lock.ID, int64(replica)).Scan(&n); err != nil {
					return ir.NewStoreFailure("ledger", err)
				}
				if n > 0 {
					return ir.NewStaleReplica("%s %s changed after index %d; pull required", lock.Object, lock.ID, baseIndex).WithRepo(repo)
				}
			}
			held, err := t.heldByOthers(ctx, repo, replica, lock)
			if err != nil {
				return err
			}
			for _, h := range held {
				if lock.Conflicts(h.Lock) {
					conflicts = append(conflicts, fmt.Sprintf("%s held by replica %d", h.Lock, h.replica))
				}
			}
		}
		if len(conflicts) > 0 {
			return ir.NewConflict("locks refused: %s", strings.Join(conflicts, "; ")).WithRepo(repo)
		}
		for _, lock := range locks {
			if lock.Level == ir.LockNone {
				continue
			}
			if err := t.exec(ctx, `
				INSERT INTO locks (repo, object, object_id, replica, level) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (repo, object, object_id, replica)
				DO UPDATE SET level = CASE WHEN excluded.level > locks.level THEN excluded.level ELSE locks.level END`,
				repo, string(lock.Object), lock.ID, int64(replica), int(lock.Level)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("acquire locks: %w", err)
	}
	slog.Debug("locks granted", "repo", repo, "replica", replica, "count", len(locks))
	return nil
}

type heldLock struct {
	ir.Lock
	replica uint32
}

func (t ledgerTx) heldByOthers(ctx context.Context, repo string, replica uint32, lock ir.Lock) ([]heldLock, error) {
	rows, err := t.query(ctx, `
		SELECT replica, level FROM locks
		WHERE repo = ? AND object = ? AND object_id = ? AND replica != ?`,
		repo, string(lock.Object), lock.ID, int64(replica))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []heldLock
	for rows.Next() {
		var (
			other int64
			level int
		)
		if err := rows.Scan(&other, &level); err != nil {
			return nil, ir.NewStoreFailure("ledger", err)
		}
		out = append(out, heldLock{
			Lock:    ir.Lock{Object: lock.Object, ID: lock.ID, Level: ir.LockLevel(level)},
			replica: uint32(other),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStoreFailure("ledger", err)
	}
	return out, nil
}

// AcquireCodes implements Hub.
func (l *Ledger) AcquireCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	if len(codes) == 0 {
		return nil
	}
	err := l.within(ctx, "acquire_codes", func(t ledgerTx) error {
		if err := t.requireRepo(ctx, repo); err != nil {
			return err
		}
		var conflicts []string
		for _, c := range codes {
			owner, found, err := t.codeOwner(ctx, repo, c)
			if err != nil {
				return err
			}
			if found && owner != replica {
				conflicts = append(conflicts, fmt.Sprintf("%s reserved by replica %d", c, owner))
			}
		}
		if len(conflicts) > 0 {
			return ir.NewConflict("codes refused: %s", strings.Join(conflicts, "; ")).WithRepo(repo)
		}
		for _, c := range codes {
			if err := t.exec(ctx, `
				INSERT INTO codes (repo, spec, scope, value, replica, used) VALUES (?, ?, ?, ?, ?, 0)
				ON CONFLICT (repo, spec, scope, value) DO NOTHING`,
				repo, c.SpecID, c.ScopeID, c.Value, int64(replica)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("acquire codes: %w", err)
	}
	return nil
}

func (t ledgerTx) codeOwner(ctx context.Context, repo string, c ir.Code) (uint32, bool, error) {
	var owner int64
	err := t.queryRow(ctx, "SELECT replica FROM codes WHERE repo = ? AND spec = ? AND scope = ? AND value = ?",
		repo, c.SpecID, c.ScopeID, c.Value).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ir.NewStoreFailure("ledger", err)
	}
	return uint32(owner), true, nil
}

// ReleaseCodes implements Hub.
func (l *Ledger) ReleaseCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	if len(codes) == 0 {
		return nil
	}
	err := l.within(ctx, "release_codes", func(t ledgerTx) error {
		for _, c := range codes {
			if err := t.exec(ctx, `
				DELETE FROM codes WHERE repo = ? AND spec = ? AND scope = ? AND value = ? AND replica = ? AND used = 0`,
				repo, c.SpecID, c.ScopeID, c.Value, int64(replica)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release codes: %w", err)
	}
	return nil
}

// MarkCodesUsed implements Hub.
func (l *Ledger) MarkCodesUsed(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	if len(codes) == 0 {
		return nil
	}
	err := l.within(ctx, "mark_codes_used", func(t ledgerTx) error {
		for _, c := range codes {
			owner, found, err := t.codeOwner(ctx, repo, c)
			if err != nil {
				return err
			}
			if found && owner != replica {
				return ir.NewConflict("code %s is reserved by replica %d", c, owner).WithRepo(repo)
			}
			if err := t.exec(ctx, `
				INSERT INTO codes (repo, spec, scope, value, replica, used) VALUES (?, ?, ?, ?, ?, 1)
				ON CONFLICT (repo, spec, scope, value) DO UPDATE SET used = 1`,
				repo, c.SpecID, c.ScopeID, c.Value, int64(replica)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark codes used: %w", err)
	}
	return nil
}

// ReleaseLocks implements Hub.
func (l *Ledger) ReleaseLocks(ctx context.Context, repo string, replica uint32) error {
	err := l.within(ctx, "release_locks", func(t ledgerTx) error {
		if err := t.exec(ctx, "DELETE FROM locks WHERE repo = ? AND replica = ?", repo, int64(replica)); err != nil {
			return err
		}
		return t.exec(ctx, "DELETE FROM codes WHERE repo = ? AND replica = ? AND used = 0", repo, int64(replica))
	})
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	slog.Debug("locks released", "repo", repo, "replica", replica)
	return nil
}

// QueryLocks implements Hub.
func (l *Ledger) QueryLocks(ctx context.Context, repo string, replica uint32) ([]ir.Lock, error) {
	var out []ir.Lock
	err := l.within(ctx, "query_locks", func(t ledgerTx) error {
		rows, err := t.query(ctx, "SELECT object, object_id, level FROM locks WHERE repo = ? AND replica = ? ORDER BY object, object_id",
			repo, int64(replica))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				lock  ir.Lock
				obj   string
				level int
			)
			if err := rows.Scan(&obj, &lock.ID, &level); err != nil {
				return ir.NewStoreFailure("ledger", err)
			}
			lock.Object, lock.Level = ir.LockObject(obj), ir.LockLevel(level)
			out = append(out, lock)
		}
		if err := rows.Err(); err != nil {
			return ir.NewStoreFailure("ledger", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	return out, nil
}
