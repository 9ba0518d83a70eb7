package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a referenced entity, changeset or replica does
	// not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConflict indicates the hub refused a lock or code request.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeSchemaViolation indicates a write or ordering precondition broke
	// the repository schema.
	ErrCodeSchemaViolation ErrorCode = "SCHEMA_VIOLATION"

	// ErrCodeDuplicateProvenance indicates more than one provenance record
	// claims the same source entity.
	ErrCodeDuplicateProvenance ErrorCode = "DUPLICATE_PROVENANCE"

	// ErrCodeStaleReplica indicates the replica must pull before it can push
	// or lock.
	ErrCodeStaleReplica ErrorCode = "STALE_REPLICA"

	// ErrCodeStoreFailure indicates an I/O or database failure.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"
)

// Error is the typed error surfaced by every package. Kind, ID and Repo are
// optional context.
type Error struct {
	Code    ErrorCode
	Message string
	Kind    Kind
	ID      ID
	Repo    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Kind != 0 {
		ctx = append(ctx, "kind="+e.Kind.String())
	}
	if e.ID.IsValid() {
		ctx = append(ctx, "id="+e.ID.String())
	}
	if e.Repo != "" {
		ctx = append(ctx, "repo="+e.Repo)
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// WithRepo returns a copy of e annotated with a repository name.
func (e *Error) WithRepo(repo string) *Error {
	c := *e
	c.Repo = repo
	return &c
}

// NewNotFound creates a NOT_FOUND error for one entity.
func NewNotFound(kind Kind, id ID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

// NewConflict creates a CONFLICT error.
func NewConflict(format string, args ...any) *Error {
	return &Error{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewSchemaViolation creates a SCHEMA_VIOLATION error for one entity.
func NewSchemaViolation(kind Kind, id ID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeSchemaViolation, Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateProvenance creates a DUPLICATE_PROVENANCE error.
func NewDuplicateProvenance(kind Kind, sourceID ID, count int) *Error {
	return &Error{
		Code:    ErrCodeDuplicateProvenance,
		Kind:    kind,
		ID:      sourceID,
		Message: fmt.Sprintf("%d provenance records claim the same source entity", count),
	}
}

// NewStaleReplica creates a STALE_REPLICA error.
func NewStaleReplica(format string, args ...any) *Error {
	return &Error{Code: ErrCodeStaleReplica, Message: fmt.Sprintf(format, args...)}
}

// NewStoreFailure wraps an I/O or database error.
func NewStoreFailure(op string, err error) *Error {
	return &Error{Code: ErrCodeStoreFailure, Message: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries NOT_FOUND.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConflict reports whether err carries CONFLICT.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsSchemaViolation reports whether err carries SCHEMA_VIOLATION.
func IsSchemaViolation(err error) bool { return CodeOf(err) == ErrCodeSchemaViolation }

// IsDuplicateProvenance reports whether err carries DUPLICATE_PROVENANCE.
func IsDuplicateProvenance(err error) bool { return CodeOf(err) == ErrCodeDuplicateProvenance }

// IsStaleReplica reports whether err carries STALE_REPLICA.
func IsStaleReplica(err error) bool { return CodeOf(err) == ErrCodeStaleReplica }

// IsStoreFailure reports whether err carries STORE_FAILURE.
func IsStoreFailure(err error) bool { return CodeOf(err) == ErrCodeStoreFailure }
