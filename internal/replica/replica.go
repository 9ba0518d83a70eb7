// Package replica keeps local replica files in step with the hub: pulling
// changesets other replicas pushed and pushing local changes as one new
// changeset.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/metrics"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// Replica is a local replica file with its lock controller. Pushes on one
// Replica are strictly sequential.
type Replica struct {
	store   *store.Store
	control *concurrency.Controller
	pushing sync.Mutex
}

// New binds a store to the controller that acquires its locks.
func New(s *store.Store, control *concurrency.Controller) *Replica {
	return &Replica{store: s, control: control}
}

// Store returns the replica file.
func (r *Replica) Store() *store.Store { return r.store }

// Controller returns the replica's lock controller.
func (r *Replica) Controller() *concurrency.Controller { return r.control }

// Synchronizer moves changesets between replicas and the hub.
type Synchronizer struct {
	hub     hub.Hub
	metrics metrics.Recorder
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMetrics records pulls and pushes.
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Synchronizer) { s.metrics = rec }
}

// NewSynchronizer creates a synchronizer for h.
func NewSynchronizer(h hub.Hub, opts ...Option) *Synchronizer {
	s := &Synchronizer{hub: h, metrics: metrics.Nop{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create acquires a replica number for repo, creates the replica file at
// path and pulls every changeset the hub has. The schemas must match the
// ones every other replica of the repository was created with.
func (s *Synchronizer) Create(ctx context.Context, path, repo string, schemas []*schema.Schema) (*store.Store, error) {
	n, err := s.hub.AcquireReplica(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("create replica: %w", err)
	}
	st, err := store.Create(ctx, path, store.CreateOptions{RepositoryID: repo, ReplicaNumber: n, Schemas: schemas})
	if err != nil {
		return nil, err
	}
	if _, err := s.pull(ctx, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("create replica: %w", err)
	}
	return st, nil
}

// PullResult summarizes a pull.
type PullResult struct {
	Applied int
	Index   int64
}

// Pull applies, in index order, every changeset newer than the replica's
// parent. The replica must have no unsaved changes.
func (s *Synchronizer) Pull(ctx context.Context, r *Replica) (PullResult, error) {
	return s.pull(ctx, r.store)
}

func (s *Synchronizer) pull(ctx context.Context, st *store.Store) (res PullResult, err error) {
	defer metrics.Since(ctx, s.metrics, "replica.pull", time.Now(), &err)
	index, _, err := st.ParentChangeSet(ctx)
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	res.Index = index
	entries, err := s.hub.GetChangeSets(ctx, st.RepositoryID(), index)
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	for _, e := range entries {
		cs, err := changeset.Decode(e.Data)
		if err != nil {
			return res, fmt.Errorf("pull: changeset %d: %w",
				e.Index, ir.NewSchemaViolation(0, ir.InvalidID, "%v", err).WithRepo(st.RepositoryID()))
		}
		if cs.ID != e.ID {
			return res, fmt.Errorf("pull: %w", ir.NewSchemaViolation(0, ir.InvalidID,
				"changeset %d is %s, hub says %s", e.Index, cs.ID, e.ID).WithRepo(st.RepositoryID()))
		}
		cs.Index = e.Index
		if err := st.ApplyChangeSet(ctx, cs); err != nil {
			return res, fmt.Errorf("pull: %w", err)
		}
		res.Applied++
		res.Index = e.Index
	}
	slog.Info("pulled", "repo", st.RepositoryID(), "replica", st.ReplicaNumber(), "applied", res.Applied, "index", res.Index)
	return res, nil
}

// PushResult summarizes a push. Pushed is false for a no-op push.
type PushResult struct {
	Pushed      bool
	Index       int64
	ChangeSetID string
	Description string
}

// Push saves the replica's local changes and uploads them as one changeset
// described by describe, which may be nil. A replica without local changes
// is left alone and the hub is not contacted. Any failure leaves the local
// changes in place to push again after a pull.
func (s *Synchronizer) Push(ctx context.Context, r *Replica, describe func() string) (res PushResult, err error) {
	if !r.pushing.TryLock() {
		return res, fmt.Errorf("push: %w", ir.NewConflict("push already in progress").WithRepo(r.store.RepositoryID()))
	}
	defer r.pushing.Unlock()

	st := r.store
	if !st.HasSavedChanges() && !st.HasUnsavedChanges() {
		slog.Debug("nothing to push", "repo", st.RepositoryID(), "replica", st.ReplicaNumber())
		return res, nil
	}
	defer metrics.Since(ctx, s.metrics, "replica.push", time.Now(), &err)

	if err := r.control.Request(ctx); err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	if err := st.SaveChanges(ctx, ""); err != nil {
		return res, fmt.Errorf("push: %w", err)
	}

	description := ""
	if describe != nil {
		description = describe()
	}
	cs, err := st.BuildChangeSet(ctx, description)
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	pending, err := st.PendingChanges(ctx)
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	used := concurrency.Required(pending, false).Codes()

	parent, parentID, err := st.ParentChangeSet(ctx)
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	if cs.IsEmpty() {
		// The changes cancelled out; forget them without a new changeset.
		if err := st.MarkPushed(ctx, parent, parentID); err != nil {
			return res, fmt.Errorf("push: %w", err)
		}
		return res, r.control.Release(ctx)
	}

	data, err := cs.Encode()
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	index, err := s.hub.UploadChangeSet(ctx, st.RepositoryID(), st.ReplicaNumber(), parent, data, cs.Description)
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	if err := st.MarkPushed(ctx, index, cs.ID); err != nil {
		return res, fmt.Errorf("push: changeset %d uploaded but not recorded: %w", index, err)
	}
	if err := r.control.OnPushed(ctx, used); err != nil {
		return res, fmt.Errorf("push: %w", err)
	}

	res = PushResult{Pushed: true, Index: index, ChangeSetID: cs.ID, Description: cs.Description}
	slog.Info("pushed", "repo", st.RepositoryID(), "replica", st.ReplicaNumber(), "index", index, "changeset", cs.ID)
	return res, nil
}
