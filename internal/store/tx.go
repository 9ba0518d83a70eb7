package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/briefsync/internal/ir"
)

// BeginTransaction opens a transaction explicitly. Mutations open one
// implicitly, so callers only need this to group reads with writes. A no-op
// when a transaction is already open.
func (s *Store) BeginTransaction(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	return s.begin(ctx)
}

// SaveChanges commits the open transaction. The description is kept and
// becomes the default description of the next changeset. A no-op when
// nothing is open.
func (s *Store) SaveChanges(ctx context.Context, description string) error {
	if s.tx == nil {
		return nil
	}
	if s.dirty && description != "" {
		if _, err := s.exec(ctx, "INSERT INTO saved_descriptions (description) VALUES (?)", description); err != nil {
			return ir.NewStoreFailure("save changes", err)
		}
	}
	wasDirty := s.dirty
	if err := s.commit(ctx); err != nil {
		return err
	}
	if wasDirty {
		s.saved = true
	}
	slog.Debug("changes saved", "path", s.path, "description", description)
	return nil
}

// AbandonChanges rolls back the open transaction, discarding its mutations
// and the pending-change records they produced.
func (s *Store) AbandonChanges() error {
	if s.tx == nil {
		return nil
	}
	err := s.rollback()
	// Schemas imported inside the transaction are gone too.
	if loadErr := s.loadSchemas(context.Background()); loadErr != nil && err == nil {
		err = loadErr
	}
	slog.Debug("changes abandoned", "path", s.path)
	return err
}

// HasUnsavedChanges reports whether the open transaction has mutated anything.
func (s *Store) HasUnsavedChanges() bool { return s.tx != nil && s.dirty }

// HasSavedChanges reports whether saved changes are waiting to be pushed.
func (s *Store) HasSavedChanges() bool { return s.saved }

func (s *Store) begin(ctx context.Context) error {
	// The transaction outlives the request that opened it.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return ir.NewStoreFailure("begin transaction", err)
	}
	s.tx = tx
	s.dirty = false
	return nil
}

// commit verifies deferred foreign keys and commits. On a violation the
// transaction stays open so the caller can repair or abandon it.
func (s *Store) commit(ctx context.Context) error {
	if err := s.checkForeignKeys(ctx); err != nil {
		return err
	}
	err := s.tx.Commit()
	s.endTx()
	if err != nil {
		return ir.NewStoreFailure("commit", err)
	}
	return nil
}

func (s *Store) rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.endTx()
	if err != nil {
		return ir.NewStoreFailure("rollback", err)
	}
	return nil
}

func (s *Store) endTx() {
	// Transaction statements are closed with the transaction.
	s.txStmts = map[string]*sql.Stmt{}
	s.tx = nil
	s.dirty = false
}

func (s *Store) checkForeignKeys(ctx context.Context) error {
	rows, err := s.query(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return ir.NewStoreFailure("foreign key check", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return ir.NewStoreFailure("foreign key check", err)
		}
		problems = append(problems, fmt.Sprintf("%s row %s references missing %s", table, ir.ID(rowid.Int64), parent))
	}
	if err := rows.Err(); err != nil {
		return ir.NewStoreFailure("foreign key check", err)
	}
	if len(problems) > 0 {
		return ir.NewSchemaViolation(0, ir.InvalidID, "dangling references: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ensureTx opens a transaction when none is open. Mutations call it before
// touching any table; the transaction becomes dirty once a change is recorded.
func (s *Store) ensureTx(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	return s.begin(ctx)
}

// Statement is a handle on a cached prepared statement. It runs inside the
// store's open transaction when there is one.
type Statement struct {
	s     *Store
	query string
}

// Prepare returns a cached statement for query, preparing it on first use.
func (s *Store) Prepare(ctx context.Context, query string) (*Statement, error) {
	if _, err := s.stmt(ctx, query); err != nil {
		return nil, err
	}
	return &Statement{s: s, query: query}, nil
}

// Exec runs the statement.
func (st *Statement) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return st.s.exec(ctx, st.query, args...)
}

// Query runs the statement and returns its rows. Callers must close them
// before issuing any other statement on the store.
func (st *Statement) Query(ctx context.Context, args ...any) (*sql.Rows, error) {
	return st.s.query(ctx, st.query, args...)
}

// QueryRow runs the statement expecting at most one row.
func (st *Statement) QueryRow(ctx context.Context, args ...any) *sql.Row {
	return st.s.queryRow(ctx, st.query, args...)
}

// ReleaseStatements closes every cached statement.
func (s *Store) ReleaseStatements() {
	for q, st := range s.txStmts {
		st.Close()
		delete(s.txStmts, q)
	}
	for q, st := range s.stmts {
		st.Close()
		delete(s.stmts, q)
	}
}

// CachedStatements returns how many statements are prepared.
func (s *Store) CachedStatements() int { return len(s.stmts) + len(s.txStmts) }

// stmt returns a prepared statement bound to the open transaction, if any.
// Statements prepared while a transaction holds the only connection are
// prepared on the transaction and live until it ends.
func (s *Store) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if s.tx != nil {
		if st, ok := s.txStmts[query]; ok {
			return st, nil
		}
		var st *sql.Stmt
		if base, ok := s.stmts[query]; ok {
			st = s.tx.StmtContext(ctx, base)
		} else {
			prepared, err := s.tx.PrepareContext(ctx, query)
			if err != nil {
				return nil, err
			}
			st = prepared
		}
		s.txStmts[query] = st
		return st, nil
	}
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = st
	return st, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return st.ExecContext(ctx, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return st.QueryContext(ctx, args...)
}

// queryRow never returns nil; a preparation failure surfaces from Scan.
func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	st, err := s.stmt(ctx, query)
	if err != nil {
		if s.tx != nil {
			return s.tx.QueryRowContext(ctx, query, args...)
		}
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return st.QueryRowContext(ctx, args...)
}
