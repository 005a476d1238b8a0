package registry

import (
	"context"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a worker, concept, or edge does not exist.
var ErrNotFound = errors.New("registry: not found")

// ValidationError reports rejected input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a duplicate identity registered with conflicting
// attributes, e.g. an existing worker name re-registered with a different kind.
type ConflictError struct {
	Name   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: conflict on %q: %s", e.Name, e.Reason)
}

// IsTransient reports whether an error is worth one retry with backoff:
// a busy/locked SQLite database or a deadline blown mid-call. Validation and
// conflict errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var ce *ConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, context.DeadlineExceeded)
}
