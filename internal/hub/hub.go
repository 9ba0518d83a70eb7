// Package hub is the central authority replicas synchronize through: it
// hands out replica numbers, keeps the append-only changeset sequence of
// each repository, and arbitrates locks and codes between replicas.
package hub

import (
	"context"

	"github.com/roach88/briefsync/internal/ir"
)

// ChangeSetEntry is one uploaded changeset. Data is the encoded changeset.
type ChangeSetEntry struct {
	Index         int64  `json:"index"`
	ID            string `json:"id"`
	ParentID      string `json:"parentId,omitempty"`
	ReplicaNumber uint32 `json:"replica"`
	Description   string `json:"description,omitempty"`
	Data          []byte `json:"data"`
}

// Hub is implemented by the Ledger and by the websocket client.
//
// Lock and code requests are all or nothing: a Conflict leaves the
// replica's holdings as they were.
type Hub interface {
	// AcquireReplica assigns the next replica number of a repository,
	// creating the repository on first use.
	AcquireReplica(ctx context.Context, repo string) (uint32, error)
	// GetChangeSets returns the changesets after sinceIndex in index order.
	GetChangeSets(ctx context.Context, repo string, sinceIndex int64) ([]ChangeSetEntry, error)
	// UploadChangeSet appends a changeset built on parentIndex and returns
	// its index. A parent other than the latest index is StaleReplica.
	UploadChangeSet(ctx context.Context, repo string, replica uint32, parentIndex int64, data []byte, description string) (int64, error)
	// AcquireLocks grants locks to a replica whose last pulled index is
	// baseIndex. An exclusive lock on an object another replica changed
	// after baseIndex is StaleReplica: the replica must pull first.
	AcquireLocks(ctx context.Context, repo string, replica uint32, baseIndex int64, locks []ir.Lock) error
	// AcquireCodes reserves codes for a replica.
	AcquireCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error
	// MarkCodesUsed turns codes into permanent reservations that survive
	// ReleaseLocks.
	MarkCodesUsed(ctx context.Context, repo string, replica uint32, codes []ir.Code) error
	// ReleaseCodes drops unused reservations of the given codes held by a
	// replica. Used codes and codes reserved by others are left alone.
	ReleaseCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error
	// ReleaseLocks drops every lock and unused code reservation of a
	// replica.
	ReleaseLocks(ctx context.Context, repo string, replica uint32) error
	// QueryLocks lists the locks a replica holds.
	QueryLocks(ctx context.Context, repo string, replica uint32) ([]ir.Lock, error)
}
