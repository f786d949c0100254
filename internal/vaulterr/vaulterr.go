// Package vaulterr provides a closed set of error kinds shared across the
// chunk store, session, prune, GC, and verify engines.
//
// Callers classify failures by kind, never by message text:
//
//	if vaulterr.KindOf(err) == vaulterr.NotFound { ... }
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind is a closed classification of failure modes. New kinds are never
// added silently; every exported operation that can fail documents which
// kinds it returns.
type Kind int

const (
	// Unknown is never returned by this package; KindOf falls back to it
	// for errors that were never wrapped with New.
	Unknown Kind = iota

	// Transient indicates the operation may succeed if retried unchanged
	// (disk full momentarily, EINTR).
	Transient

	// Conflict indicates the operation lost a race against concurrent
	// state (a lock already held, a snapshot already sealed).
	Conflict

	// NotFound indicates the referenced object does not exist.
	NotFound

	// Corrupt indicates on-disk data failed an integrity check (CRC,
	// digest, or authentication tag mismatch).
	Corrupt

	// AuthFailure indicates decryption or authentication failed because
	// the wrong key or credentials were supplied.
	AuthFailure

	// Cancelled indicates the caller's context was cancelled or timed
	// out while the operation was in progress.
	Cancelled

	// Invalid indicates the caller supplied a malformed or out-of-range
	// argument; retrying with the same input will never succeed.
	Invalid

	// Fatal indicates an unrecoverable internal invariant violation.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Corrupt:
		return "corrupt"
	case AuthFailure:
		return "auth_failure"
	case Cancelled:
		return "cancelled"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// vaultError pairs a Kind with an underlying cause.
type vaultError struct {
	kind  Kind
	cause error
}

func (e *vaultError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *vaultError) Unwrap() error { return e.cause }

// New wraps cause with kind. If cause is nil, New returns nil.
func New(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &vaultError{kind: kind, cause: cause}
}

// Newf formats a new error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &vaultError{kind: kind, cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed. Returns
// Unknown if err was never classified by this package.
func KindOf(err error) Kind {
	var ve *vaultError
	if errors.As(err, &ve) {
		return ve.kind
	}
	return Unknown
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
