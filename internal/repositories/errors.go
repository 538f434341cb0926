package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
	kindUnavailable
	kindInvalid
)

// Error is a classified RepositoryError for implementations that are not backed by Firestore.
type Error struct {
	Op      string
	Message string
	kind    errorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) IsNotFound() bool    { return e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e.kind == kindUnavailable }
func (e *Error) IsInvalid() bool     { return e.kind == kindInvalid }

// NewNotFoundError reports a missing document.
func NewNotFoundError(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindNotFound}
}

// NewConflictError reports a failed precondition or duplicate create.
func NewConflictError(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindConflict}
}

// NewUnavailableError reports a transient backend outage.
func NewUnavailableError(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindUnavailable}
}

// NewInvalidError reports an id or payload the store cannot address.
func NewInvalidError(op, message string) error {
	return &Error{Op: op, Message: message, kind: kindInvalid}
}

// IsNotFound reports whether err wraps a not-found RepositoryError.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err wraps a conflict RepositoryError.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err wraps an unavailable RepositoryError.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// IsInvalid reports whether err wraps an error flagged as an invalid request, such as a
// malformed document id.
func IsInvalid(err error) bool {
	var invalid interface{ IsInvalid() bool }
	return errors.As(err, &invalid) && invalid.IsInvalid()
}
