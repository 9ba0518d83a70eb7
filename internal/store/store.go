package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty file
// 1 - initial layout
// 2 - expression index for provenance lookups
const currentSchemaVersion = 2

const (
	metaRepositoryID  = "repository_id"
	metaReplicaNumber = "replica_number"
	metaParentIndex   = "parent_index"
	metaParentID      = "parent_changeset_id"
)

// counter meta keys, one id space per table.
var counterKeys = map[ir.Kind]string{
	ir.KindElement:      "next_element",
	ir.KindAspect:       "next_aspect",
	ir.KindRelationship: "next_relationship",
	ir.KindCodeSpec:     "next_code_spec",
}

// Store is one replica file. It is not safe for concurrent use; a replica is
// driven by one goroutine at a time.
type Store struct {
	db   *sql.DB
	path string

	tx       *sql.Tx
	dirty    bool
	saved    bool
	applying bool

	stmts   map[string]*sql.Stmt
	txStmts map[string]*sql.Stmt

	schemas *schema.Set
	gate    Gate

	repositoryID  string
	replicaNumber uint32
}

// CreateOptions configures a new replica file.
type CreateOptions struct {
	// RepositoryID names the repository; a random UUID when empty.
	RepositoryID string
	// ReplicaNumber is the number the hub assigned, or 0 for a standalone
	// repository.
	ReplicaNumber uint32
	// WithoutProvenance omits Core:ExternalSourceAspect from the core schema.
	WithoutProvenance bool
	// Schemas are imported after the core schema.
	Schemas []*schema.Schema
}

// Create creates a replica file at path with the bootstrap entities: the root
// subject, the repository model, and the dictionary partition and model.
// Every replica of a repository starts from identical bootstrap content.
func Create(ctx context.Context, path string, opts CreateOptions) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create replica: %s already exists", path)
	}
	if opts.ReplicaNumber > ir.MaxReplicaNumber {
		return nil, fmt.Errorf("create replica: replica number %d out of range", opts.ReplicaNumber)
	}
	if opts.RepositoryID == "" {
		opts.RepositoryID = uuid.NewString()
	}

	s, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := s.bootstrap(ctx, opts); err != nil {
		s.Close()
		os.Remove(path)
		return nil, fmt.Errorf("create replica: %w", err)
	}
	slog.Info("replica created", "path", path, "repository", opts.RepositoryID, "replica", opts.ReplicaNumber)
	return s, nil
}

// Open opens an existing replica file.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	s, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := s.loadMeta(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("open replica %s: %w", path, err)
	}
	return s, nil
}

// openDB opens the SQLite file and brings its layout up to date.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func openDB(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: the open transaction and every read share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:      db,
		path:    path,
		stmts:   map[string]*sql.Stmt{},
		txStmts: map[string]*sql.Stmt{},
		schemas: schema.NewSet(),
	}, nil
}

// Close abandons any open transaction, releases statements and closes the
// file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.tx != nil {
		if err := s.AbandonChanges(); err != nil {
			slog.Warn("abandon on close failed", "path", s.path, "error", err)
		}
	}
	s.ReleaseStatements()
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the replica file path.
func (s *Store) Path() string { return s.path }

// RepositoryID returns the id of the repository this replica belongs to.
func (s *Store) RepositoryID() string { return s.repositoryID }

// ReplicaNumber returns the hub-assigned replica number, 0 for standalone.
func (s *Store) ReplicaNumber() uint32 { return s.replicaNumber }

// Schemas returns the schemas imported into this replica.
func (s *Store) Schemas() *schema.Set { return s.schemas }

// SetGate installs a gate consulted before every local mutation. nil removes
// it.
func (s *Store) SetGate(g Gate) { s.gate = g }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV2 adds the expression index used to find provenance records by
// (scope, kind, identifier).
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_aspects_provenance ON aspects(
			json_extract(properties, '$.scope'),
			json_extract(properties, '$.kind'),
			json_extract(properties, '$.identifier')
		) WHERE class = '%s'
	`, schema.ClassExternalSourceAspect))
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func (s *Store) bootstrap(ctx context.Context, opts CreateOptions) error {
	core := schema.Core()
	if opts.WithoutProvenance {
		core = schema.CoreWithoutProvenance()
	}

	s.applying = true
	defer func() { s.applying = false }()

	if err := s.begin(ctx); err != nil {
		return err
	}
	fail := func(err error) error {
		s.rollback()
		return err
	}

	meta := map[string]string{
		metaRepositoryID:  opts.RepositoryID,
		metaReplicaNumber: strconv.FormatUint(uint64(opts.ReplicaNumber), 10),
		metaParentIndex:   "0",
		metaParentID:      "",
	}
	for _, key := range counterKeys {
		meta[key] = strconv.FormatUint(ir.FirstLocalID, 10)
	}
	for k, v := range meta {
		if err := s.setMeta(ctx, k, v); err != nil {
			return fail(err)
		}
	}
	s.repositoryID = opts.RepositoryID
	s.replicaNumber = opts.ReplicaNumber

	if _, err := s.importSchemas(ctx, append([]*schema.Schema{core}, opts.Schemas...)); err != nil {
		return fail(err)
	}

	bootstrap := []ir.Entity{
		&ir.Element{
			ID: ir.RootSubjectID, ClassFullName: schema.ClassSubject, ModelID: ir.RepositoryModelID,
			UserLabel: "Root Subject", LastMod: 1,
		},
		&ir.Model{
			ID: ir.RepositoryModelID, ClassFullName: schema.ClassRepositoryModel,
			ModeledElementID: ir.RootSubjectID, ParentModelID: ir.RepositoryModelID,
		},
		&ir.Element{
			ID: ir.DictionaryModelID, ClassFullName: schema.ClassDefinitionPartition, ModelID: ir.RepositoryModelID,
			ParentID: ir.RootSubjectID, UserLabel: "Dictionary", LastMod: 1,
		},
		&ir.Model{
			ID: ir.DictionaryModelID, ClassFullName: schema.ClassDictionaryModel,
			ModeledElementID: ir.DictionaryModelID, ParentModelID: ir.RepositoryModelID,
		},
	}
	for _, e := range bootstrap {
		if err := s.writeImage(ctx, e); err != nil {
			return fail(err)
		}
	}
	if err := s.commit(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadMeta(ctx context.Context) error {
	repo, err := s.getMeta(ctx, metaRepositoryID)
	if err != nil {
		return err
	}
	if repo == "" {
		return errors.New("not a replica file")
	}
	num, err := s.getMetaInt(ctx, metaReplicaNumber)
	if err != nil {
		return err
	}
	s.repositoryID = repo
	s.replicaNumber = uint32(num)

	if err := s.loadSchemas(ctx); err != nil {
		return err
	}
	s.saved, err = s.hasPending(ctx)
	return err
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", ir.NewStoreFailure("read meta "+key, err)
	}
	return value, nil
}

func (s *Store) getMetaInt(ctx context.Context, key string) (int64, error) {
	v, err := s.getMeta(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ir.NewStoreFailure("parse meta "+key, err)
	}
	return n, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return ir.NewStoreFailure("write meta "+key, err)
	}
	return nil
}

// ParentChangeSet returns the index and id of the last changeset this replica
// has pulled or pushed.
func (s *Store) ParentChangeSet(ctx context.Context) (int64, string, error) {
	index, err := s.getMetaInt(ctx, metaParentIndex)
	if err != nil {
		return 0, "", err
	}
	id, err := s.getMeta(ctx, metaParentID)
	if err != nil {
		return 0, "", err
	}
	return index, id, nil
}

// allocateID hands out the next id of a kind's id space. Runs inside the
// current transaction so that an abandoned insert returns its id.
func (s *Store) allocateID(ctx context.Context, kind ir.Kind) (ir.ID, error) {
	key, ok := counterKeys[kind]
	if !ok {
		return ir.InvalidID, fmt.Errorf("allocate id: no id space for %s", kind)
	}
	next, err := s.getMetaInt(ctx, key)
	if err != nil {
		return ir.InvalidID, err
	}
	if err := s.setMeta(ctx, key, strconv.FormatInt(next+1, 10)); err != nil {
		return ir.InvalidID, err
	}
	return ir.MakeID(s.replicaNumber, uint64(next)), nil
}
