// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package backenderr classifies failures raised while talking to the
// cloud backend, so that callers can decide between retrying, failing
// the resource, or re-authenticating.
package backenderr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// The backend rejected the credentials outright.
	KindAuthorizationFailed Kind = "authorization failed"
	// A cached session was no longer valid when it was used.
	KindSessionExpired Kind = "session expired"
	// Any other error reported by the backend.
	KindBackendError Kind = "backend error"
	// A polled resource reached its failure runtime state.
	KindRuntimeStateError Kind = "runtime state error"
	// A polling step exhausted its attempt budget.
	KindTimeout Kind = "timeout"
	// An operation was requested on a resource that cannot accept it.
	KindPreconditionViolation Kind = "precondition violation"
)

// Error wraps a failure from the cloud backend with its classification
// and the operation that produced it.
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

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
// Errors that are already classified keep their original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of the given error, or
// KindBackendError if the error carries none.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindBackendError
}

// Is reports whether the error is classified with the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}
