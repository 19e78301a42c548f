// Package storeerr defines the error taxonomy shared by the KV engine
// wrapper, the hash store, and the hasher: a small set of sentinel errors
// that callers can test with errors.Is, plus helpers for wrapping a cause
// with its path or key context.
package storeerr

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// NotFound means a key was absent. Never surfaced past the store; a
	// lookup that hits NotFound simply reports "not present" to its caller.
	NotFound = errors.New("storeerr: not found")

	// Corruption means a stored value failed to deserialize or its
	// recomputed tree root did not match its key. The affected read
	// returns false to its caller; maintenance may later delete the
	// record.
	Corruption = errors.New("storeerr: corrupted record")

	// IOError means a transient engine I/O failure. The KV engine wrapper
	// retries on this up to its retry budget before escalating to
	// StorageError.
	IOError = errors.New("storeerr: I/O error")

	// StorageError is a user-surfaced failure from put, remove, or
	// open/repair that persisted past the retry budget.
	StorageError = errors.New("storeerr: storage error")

	// FileError covers disk operations performed by the hasher: open,
	// stat, read. Reported as a FileFailed event; the worker continues
	// with the next item.
	FileError = errors.New("storeerr: file error")

	// HashError covers a CRC mismatch or a cancelled hash. Reported as a
	// FileFailed event for CRC mismatches; cancellation is not an error
	// condition by itself and is handled separately by callers.
	HashError = errors.New("storeerr: hash error")

	// AbortOnOpen means the KV engine could not be opened even after a
	// repair attempt. Fatal to the application's startup sequence.
	AbortOnOpen = errors.New("storeerr: engine could not be opened")
)

// WithPath wraps cause with the path it occurred on, preserving errors.Is
// matching against cause.
func WithPath(cause error, path string) error {
	return fmt.Errorf("%s: %w", path, cause)
}

// WithHint wraps cause with a short remediation hint. On Windows the KV
// engine wrapper appends a suggestion to run database maintenance, matching
// the original engine's platform-specific guidance; elsewhere the hint is
// empty and cause is returned unwrapped.
func WithHint(cause error) error {
	hint := maintenanceHint()
	if hint == "" {
		return cause
	}
	return fmt.Errorf("%w (%s)", cause, hint)
}

func maintenanceHint() string {
	if runtime.GOOS == "windows" {
		return "run database maintenance / optimize to attempt recovery"
	}
	return ""
}
