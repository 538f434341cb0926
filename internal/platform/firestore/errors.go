package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error implements repositories.RepositoryError for Firestore backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
	invalid     bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a conflicting update.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// IsInvalid reports whether Firestore rejected the request shape, typically a malformed document id.
func (e *Error) IsInvalid() bool {
	return e != nil && e.invalid
}

// NewNotFoundError builds a not-found error without a backend round trip.
func NewNotFoundError(op, message string) error {
	return &Error{op: op, err: errors.New(message), notFound: true}
}

// NewInvalidError builds an invalid-argument error without a backend round trip.
func NewInvalidError(op, message string) error {
	return &Error{op: op, err: errors.New(message), invalid: true}
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}
	switch status.Code(err) {
	case codes.NotFound:
		e.notFound = true
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		e.conflict = true
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		e.unavailable = true
	case codes.InvalidArgument:
		e.invalid = true
	}
	return e
}

// WrapError annotates Firestore errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}

	// Errors raised by a caller's transaction body (domain validation) are returned as-is so
	// services can still match their own sentinels.
	if _, ok := status.FromError(err); !ok {
		return err
	}
	return newError(op, err)
}

// ValidDocumentID reports whether id can address a Firestore document within a collection.
func ValidDocumentID(id string) bool {
	if id == "" || len(id) > 1500 {
		return false
	}
	if id == "." || id == ".." || strings.Contains(id, "/") {
		return false
	}
	if strings.HasPrefix(id, "__") && strings.HasSuffix(id, "__") {
		return false
	}
	return true
}

// IsNotFound reports whether err, or any error it wraps, is a classified not-found error.
func IsNotFound(err error) bool {
	var repoErr *Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
