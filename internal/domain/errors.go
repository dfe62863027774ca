package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Concrete errors wrap one of these so callers can branch with
// errors.Is regardless of which layer produced them.
var (
	ErrTransport          = errors.New("transport error")
	ErrDecode             = errors.New("decode error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageCorruption  = errors.New("storage corruption")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
)

// DecodeError describes a single upstream frame or record that could not be
// parsed into an Operation.
type DecodeError struct {
	Position int64
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode at %d: %s: %v", e.Position, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode at %d: %s", e.Position, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// StorageError classifies a failure from the record or cursor store.
type StorageError struct {
	Op   string
	Kind error // ErrStorageUnavailable or ErrStorageCorruption
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NotFoundError represents a missing resource, such as an unknown feed.
type NotFoundError struct {
	Resource string
	Missing  []string
}

func (e *NotFoundError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.Missing, ", "))
	}
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidRequestError is returned for malformed query or admin parameters.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// Invalid is shorthand for building an InvalidRequestError.
func Invalid(field, format string, args ...any) error {
	return &InvalidRequestError{Field: field, Message: fmt.Sprintf(format, args...)}
}
