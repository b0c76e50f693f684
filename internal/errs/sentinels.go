// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrValidation indicates rejected caller input (e.g., an empty snapshot label).
	ErrValidation = errors.New("validation")

	// ErrPermission indicates a snapshot key outside the caller's namespace.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStore indicates a failed record store call. Match with errors.Is; the concrete
	// error is a *StoreError.
	ErrStore = errors.New("store")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")
)

// StoreError describes a failed record store call.
type StoreError struct {
	Op  string // operation name, e.g. "snapshots.upsert"
	Key string // snapshot key or collection, optional
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is makes every StoreError match ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Store wraps err as a *StoreError; nil stays nil.
func Store(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// Validation returns an ErrValidation with a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission returns an ErrPermission naming the key.
func Permission(key, reason string) error {
	return fmt.Errorf("%w: key %q: %s", ErrPermission, key, reason)
}
