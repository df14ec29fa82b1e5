package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds surfaced by the orchestrator core.
// Callers check these with errors.Is(); typed errors below carry context and
// unwrap to the matching sentinel.
var (
	// ErrNotFound indicates the entity is missing or soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation on create.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPermissionDenied indicates the permission evaluator returned false.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalid indicates a bad enum value, an empty required field, or an
	// unsupported auth method.
	ErrInvalid = errors.New("invalid input")

	// ErrConflict indicates a content conflict, e.g. a duplicate version hash.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates an unreachable cluster, a failed health probe,
	// or a timeout talking to an external system.
	ErrUnavailable = errors.New("unavailable")

	// ErrCancelled indicates a workflow was cancelled cooperatively.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal indicates a programming error; workflows observing it are
	// marked failed.
	ErrFatal = errors.New("fatal")

	// ErrDecrypt indicates ciphertext could not be decrypted, typically
	// because it was produced with a different key.
	ErrDecrypt = errors.New("decryption failed")
)

// NotFoundError reports a missing entity with its kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap returns the underlying sentinel for use with errors.Is().
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound constructs a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// AlreadyExistsError reports a uniqueness violation, naming the conflicting key.
type AlreadyExistsError struct {
	Kind string
	Key  string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s with key %q already exists", e.Kind, e.Key)
}

func (e *AlreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// AlreadyExists constructs an AlreadyExistsError.
func AlreadyExists(kind, key string) error {
	return &AlreadyExistsError{Kind: kind, Key: key}
}

// InvalidError reports a validation failure on a named field.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalid
}

// Invalid constructs an InvalidError.
func Invalid(field, reason string) error {
	return &InvalidError{Field: field, Reason: reason}
}

// UnavailableError reports an unreachable external dependency.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Target)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Target, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

// Unavailable constructs an UnavailableError wrapping err.
func Unavailable(target string, err error) error {
	return &UnavailableError{Target: target, Err: err}
}

// IsNotFound reports whether err unwraps to ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
