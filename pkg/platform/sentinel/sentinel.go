// Package sentinel holds the storage-level error facts shared by the
// registry stores, the document stores and the audit stores. Callers wrap
// them with context and services map them onto domain error codes.
package sentinel

import "errors"

var (
	// ErrNotFound means the key, collection or mapping is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the key or collection already exists.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState means the arguments cannot apply to the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrCorrupt means persisted data exists but cannot be read back.
	ErrCorrupt = errors.New("corrupt")
)
