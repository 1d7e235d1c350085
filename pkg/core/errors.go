// Package core provides the profile storage service, the migration service
// and their configuration.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownBackend indicates a backend type that no factory can build.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrConnectionFailed indicates that a connection to the storage backend failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSameBackend indicates a migration whose source and target are the same.
	ErrSameBackend = errors.New("source and target backends are the same")

	// ErrMigrationInProgress indicates that another migration is running.
	ErrMigrationInProgress = errors.New("migration already in progress")
)

// StoreError wraps errors with operation context.
//
// Example:
//
//	err := &StoreError{
//	    Op:  "Migrate",
//	    Err: ErrMigrationInProgress,
//	}
//	// Error() returns: "profilestore: Migrate: migration already in progress"
type StoreError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "profilestore: <Op>: <Err>"
func (e *StoreError) Error() string {
	return fmt.Sprintf("profilestore: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewStoreError("Migrate", err)
//	}
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{
		Op:  op,
		Err: err,
	}
}

// ConfigError reports a backend configuration field that failed validation.
//
// It unwraps to ErrInvalidConfig.
type ConfigError struct {
	// Backend is the backend whose configuration is invalid.
	Backend BackendType

	// Field is the configuration key at fault, for example "mysql.host".
	Field string

	// Reason describes the problem, for example "must not be blank".
	Reason string
}

// Error returns a message naming the backend and the offending field.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s %s", e.Backend, e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
