// Package concurrency decides which hub locks and codes a replica's local
// changes need and acquires them, either right before a push (optimistic)
// or as each change is made (pessimistic).
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/metrics"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// Policy selects when locks are acquired.
type Policy uint8

const (
	// Optimistic acquires everything in Request, just before a push. A
	// conflict then rejects the push.
	Optimistic Policy = iota + 1
	// Pessimistic acquires locks and codes before each local mutation; a
	// conflict rejects the mutation.
	Pessimistic
)

func (p Policy) String() string {
	switch p {
	case Optimistic:
		return "optimistic"
	case Pessimistic:
		return "pessimistic"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "optimistic", "":
		return Optimistic, nil
	case "pessimistic":
		return Pessimistic, nil
	}
	return 0, fmt.Errorf("unknown concurrency policy %q", s)
}

// State tracks the controller through one push cycle.
type State uint8

const (
	StateUnset State = iota
	StatePolicySet
	StateRequested
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StatePolicySet:
		return "policy-set"
	case StateRequested:
		return "requested"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Local is the replica state the controller reads and mirrors hub grants
// into. *store.Store implements it.
type Local interface {
	RepositoryID() string
	ReplicaNumber() uint32
	ParentChangeSet(ctx context.Context) (int64, string, error)
	PendingChanges(ctx context.Context) ([]store.PendingChange, error)
	PendingSchemas(ctx context.Context) ([]*schema.Schema, error)
	HeldLocks(ctx context.Context) ([]ir.Lock, error)
	AddHeldLocks(ctx context.Context, locks []ir.Lock) error
	HeldCodes(ctx context.Context) ([]ir.Code, error)
	AddHeldCodes(ctx context.Context, codes []ir.Code) error
	ClearHeldLocks(ctx context.Context) error
	SetGate(g store.Gate)
}

var _ Local = (*store.Store)(nil)

// Controller acquires hub locks and codes for one replica.
type Controller struct {
	local   Local
	hub     hub.Hub
	metrics metrics.Recorder

	policy Policy
	state  State
}

var _ store.Gate = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records lock requests.
func WithMetrics(rec metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = rec }
}

// New creates a controller with no policy. Request works without one and
// behaves optimistically.
func New(local Local, h hub.Hub, opts ...Option) *Controller {
	c := &Controller{local: local, hub: h, metrics: metrics.Nop{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetPolicy selects the policy. Pessimistic installs the controller as the
// replica's mutation gate; Optimistic removes it.
func (c *Controller) SetPolicy(p Policy) error {
	switch p {
	case Optimistic:
		c.local.SetGate(nil)
	case Pessimistic:
		c.local.SetGate(c)
	default:
		return fmt.Errorf("set policy: %v", p)
	}
	c.policy = p
	c.state = StatePolicySet
	slog.Debug("concurrency policy set", "repo", c.local.RepositoryID(), "replica", c.local.ReplicaNumber(), "policy", p)
	return nil
}

// Policy returns the current policy, zero when unset.
func (c *Controller) Policy() Policy { return c.policy }

// State returns where the controller is in the push cycle.
func (c *Controller) State() State { return c.state }

// Request acquires the locks and codes the replica's pending changes need,
// minus what it already holds. A refused request leaves the lock mirror
// and the hub's grants as they were.
func (c *Controller) Request(ctx context.Context) (err error) {
	defer metrics.Since(ctx, c.metrics, "concurrency.request", time.Now(), &err)
	changes, err := c.local.PendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("request locks: %w", err)
	}
	schemas, err := c.local.PendingSchemas(ctx)
	if err != nil {
		return fmt.Errorf("request locks: %w", err)
	}
	if err := c.acquire(ctx, Required(changes, len(schemas) > 0)); err != nil {
		return fmt.Errorf("request locks: %w", err)
	}
	c.state = StateRequested
	return nil
}

// BeforeMutation implements store.Gate for the pessimistic policy.
func (c *Controller) BeforeMutation(ctx context.Context, m store.Mutation) error {
	if c.policy != Pessimistic {
		return nil
	}
	if err := c.acquire(ctx, requiredFor(m)); err != nil {
		return fmt.Errorf("lock for %s: %w", m.Op, err)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context, need *Requirements) error {
	held, err := c.local.HeldLocks(ctx)
	if err != nil {
		return err
	}
	codes, err := c.local.HeldCodes(ctx)
	if err != nil {
		return err
	}
	need = need.Without(held, codes)
	if need.IsEmpty() {
		return nil
	}
	base, _, err := c.local.ParentChangeSet(ctx)
	if err != nil {
		return err
	}
	repo, replica := c.local.RepositoryID(), c.local.ReplicaNumber()

	// A lock refusal releases the codes reserved here.
	reserve := need.Codes()
	if len(reserve) > 0 {
		if err := c.hub.AcquireCodes(ctx, repo, replica, reserve); err != nil {
			return err
		}
	}
	if locks := need.Locks(); len(locks) > 0 {
		if err := c.hub.AcquireLocks(ctx, repo, replica, base, locks); err != nil {
			if len(reserve) > 0 {
				if rerr := c.hub.ReleaseCodes(ctx, repo, replica, reserve); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
			return err
		}
		if err := c.local.AddHeldLocks(ctx, locks); err != nil {
			return err
		}
		slog.Debug("locks acquired", "repo", repo, "replica", replica, "locks", len(locks))
	}
	if len(reserve) > 0 {
		if err := c.local.AddHeldCodes(ctx, reserve); err != nil {
			return err
		}
		slog.Debug("codes reserved", "repo", repo, "replica", replica, "codes", len(reserve))
	}
	return nil
}

// HasSchemaLock reports whether the replica holds the schema lock.
func (c *Controller) HasSchemaLock(ctx context.Context) (bool, error) {
	held, err := c.local.HeldLocks(ctx)
	if err != nil {
		return false, err
	}
	want := ir.SchemaLock()
	for _, l := range held {
		if l.Key() == want.Key() && l.Level >= want.Level {
			return true, nil
		}
	}
	return false, nil
}

// OnPushed turns the pushed codes into permanent reservations and releases
// every lock the replica holds.
func (c *Controller) OnPushed(ctx context.Context, used []ir.Code) error {
	repo, replica := c.local.RepositoryID(), c.local.ReplicaNumber()
	if err := c.hub.MarkCodesUsed(ctx, repo, replica, used); err != nil {
		return fmt.Errorf("release after push: %w", err)
	}
	if err := c.Release(ctx); err != nil {
		return fmt.Errorf("release after push: %w", err)
	}
	c.state = StateCommitted
	return nil
}

// Release gives back every lock and unused code reservation.
func (c *Controller) Release(ctx context.Context) error {
	repo, replica := c.local.RepositoryID(), c.local.ReplicaNumber()
	if err := c.hub.ReleaseLocks(ctx, repo, replica); err != nil {
		return err
	}
	if err := c.local.ClearHeldLocks(ctx); err != nil {
		return err
	}
	slog.Debug("locks released", "repo", repo, "replica", replica)
	return nil
}
