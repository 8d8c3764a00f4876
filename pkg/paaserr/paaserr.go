// Package paaserr defines the error kinds shared across the control
// plane so HTTP handlers and the deploy orchestrator can translate a
// failure into the right response without string-matching messages.
package paaserr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// Config marks an invalid or missing manifest directive, an
	// unresolved env secret, a disallowed volume path, or a duplicate
	// URL across services. Fatal to a deploy attempt.
	Config Kind = "config"

	// Auth marks a bad, expired, or replayed token, an unknown
	// fingerprint, or a bad signature. Never logged with key material.
	Auth Kind = "auth"

	// Runtime marks a non-zero exit from the container runtime CLI.
	Runtime Kind = "runtime"

	// Transient marks a recoverable failure, such as an aggregation
	// disk flush that failed and will be retried.
	Transient Kind = "transient"

	// Integrity marks an item-store schema mismatch or a malformed
	// record.
	Integrity Kind = "integrity"
)

// Error pairs a Kind with the operation that failed and the
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation name. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
