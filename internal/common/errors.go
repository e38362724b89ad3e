// Package common defines shared constants and sentinel errors used across
// the caljournal sync engine. Callers should use errors.Is to match these
// values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound     = errors.New("not found")
	ErrUnknownTable = errors.New("unknown table")

	// Transport errors. ErrNetwork marks a transient failure: safe to retry
	// on the next timer tick or manual trigger.
	ErrNetwork = errors.New("network error")

	// Snapshot errors. ErrVersion means the snapshot was produced by a newer
	// engine; ErrDecryption means a wrong passphrase or tampered ciphertext.
	// Both are fatal to the attempt and are never auto-retried.
	ErrVersion    = errors.New("snapshot version not supported")
	ErrDecryption = errors.New("decryption failed")

	// ErrMergeInvariant is internal: the merge produced a record set that
	// violates the store invariants. Treated as a bug, never accepted.
	ErrMergeInvariant = errors.New("merge invariant violation")

	// ErrStoreChanged reports a local edit that committed between a sync
	// cycle's table read and its merge apply. The apply aborts so the edit
	// survives; the next trigger re-merges from fresh state.
	ErrStoreChanged = errors.New("store changed during merge apply")

	// Session errors.
	ErrNotAuthorized = errors.New("not authorized")
)

// AuthReason classifies authorization failures that require explicit user
// action rather than a retry.
type AuthReason string

const (
	AuthReasonInvalidCode   AuthReason = "invalid_code"
	AuthReasonStateMismatch AuthReason = "state_mismatch"
	AuthReasonRevoked       AuthReason = "revoked"
	AuthReasonNetwork       AuthReason = "network"
)

// AuthError is returned by the session manager when the authorization-code
// exchange or a token refresh fails. Match with errors.As.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err with an authorization failure reason.
func NewAuthError(reason AuthReason, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}
