// Package corerr defines the error-kind taxonomy from spec.md §7. Kinds are
// sentinel values checked with errors.Is; CoreError wraps an underlying
// error with an operation name and a kind so Control API handlers can map
// it onto a stable {error, why} response without inspecting driver errors.
package corerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries from spec.md §7.
type Kind string

const (
	NotFound        Kind = "NotFound"
	SchemaConflict  Kind = "SchemaConflict"
	TransientIO     Kind = "TransientIO"
	PermanentIO     Kind = "PermanentIO"
	ParseFailure    Kind = "ParseFailure"
	QueueContention Kind = "QueueContention"
	Cancelled       Kind = "Cancelled"
)

// sentinels let callers do errors.Is(err, corerr.ErrRepoNotFound) etc.
// without constructing a CoreError by hand.
var (
	ErrRepoNotFound    = &CoreError{Kind: NotFound, Op: "resolve_repo"}
	ErrSchemaExists    = &CoreError{Kind: SchemaConflict, Op: "create_schema"}
	ErrSchemaNameClash = &CoreError{Kind: SchemaConflict, Op: "register"}
)

// CoreError is the concrete error type every component returns for a
// taxonomy-classified failure.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is makes two CoreErrors with the same Kind and Op compare equal under
// errors.Is, regardless of their wrapped Err — this is what lets the
// package-level sentinels above work as comparison targets.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || e.Op == t.Op)
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) a *CoreError; the
// zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Retryable reports whether the job layer should retry err per spec.md §7's
// propagation rule (TransientIO is retried, PermanentIO is not).
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		// Unclassified errors are treated as transient — conservative default
		// so a one-off driver hiccup doesn't permanently fail a job.
		return true
	}
	return k == TransientIO
}
