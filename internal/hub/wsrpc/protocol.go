// Package wsrpc carries the Hub interface over a websocket. Each text frame
// holds one JSON request or response; responses are matched to requests by
// id, so a client may have many calls in flight on one connection.
package wsrpc

import (
	"encoding/json"
	"errors"

	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
)

// Method names.
const (
	MethodAcquireReplica  = "acquireReplica"
	MethodGetChangeSets   = "getChangeSets"
	MethodUploadChangeSet = "uploadChangeSet"
	MethodAcquireLocks    = "acquireLocks"
	MethodAcquireCodes    = "acquireCodes"
	MethodMarkCodesUsed   = "markCodesUsed"
	MethodReleaseCodes    = "releaseCodes"
	MethodReleaseLocks    = "releaseLocks"
	MethodQueryLocks      = "queryLocks"
)

// maxMessageSize bounds a single frame. Changesets travel inline.
const maxMessageSize = 64 << 20

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params params `json:"params"`
}

// params is the union of every method's arguments.
type params struct {
	Repo        string    `json:"repo"`
	Replica     uint32    `json:"replica,omitempty"`
	Since       int64     `json:"since,omitempty"`
	ParentIndex int64     `json:"parentIndex,omitempty"`
	BaseIndex   int64     `json:"baseIndex,omitempty"`
	Data        []byte    `json:"data,omitempty"`
	Description string    `json:"description,omitempty"`
	Locks       []ir.Lock `json:"locks,omitempty"`
	Codes       []ir.Code `json:"codes,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// wireError is an ir.Error flattened for transport. An empty Code marks an
// untyped error.
type wireError struct {
	Code    ir.ErrorCode `json:"code,omitempty"`
	Message string       `json:"message"`
	Kind    string       `json:"kind,omitempty"`
	ID      string       `json:"entity,omitempty"`
	Repo    string       `json:"repo,omitempty"`
}

type (
	replicaResult   struct{ Replica uint32 `json:"replica"` }
	indexResult     struct{ Index int64 `json:"index"` }
	changeSetResult struct{ ChangeSets []hub.ChangeSetEntry `json:"changeSets"` }
	locksResult     struct{ Locks []ir.Lock `json:"locks"` }
)

func toWire(err error) *wireError {
	var e *ir.Error
	if !errors.As(err, &e) {
		return &wireError{Message: err.Error()}
	}
	w := &wireError{Code: e.Code, Message: e.Message, Repo: e.Repo}
	if e.Err != nil {
		w.Message += ": " + e.Err.Error()
	}
	if e.Kind != 0 {
		w.Kind = e.Kind.String()
	}
	if e.ID.IsValid() {
		w.ID = e.ID.String()
	}
	return w
}

func (w *wireError) err() error {
	if w.Code == "" {
		return errors.New(w.Message)
	}
	e := &ir.Error{Code: w.Code, Message: w.Message, Repo: w.Repo}
	if k, err := ir.ParseKind(w.Kind); err == nil {
		e.Kind = k
	}
	if id, err := ir.ParseID(w.ID); err == nil {
		e.ID = id
	}
	return e
}
