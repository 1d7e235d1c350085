package storage

import "errors"

// Predefined errors returned by backends.
var (
	// ErrNotInitialized indicates an operation on a backend before Initialize.
	ErrNotInitialized = errors.New("backend not initialized")

	// ErrInvalidProfile indicates a profile that fails validation.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrCorruptRecord indicates a stored record that cannot be decoded.
	// Backends log it and report the record as missing.
	ErrCorruptRecord = errors.New("corrupt record")
)
