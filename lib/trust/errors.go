// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"fmt"
)

// Trust errors are always fatal to the current update attempt: the
// engine never falls back to unverified content. They are distinct
// sentinels so the runner and orchestrator can report the class.
var (
	// ErrInvalidSignature means a signature did not verify against the
	// key that claims to have produced it.
	ErrInvalidSignature = errors.New("trust: invalid signature")

	// ErrThresholdNotMet means a document carried fewer valid
	// signatures from its role's keys than the root requires.
	ErrThresholdNotMet = errors.New("trust: signature threshold not met")

	// ErrExpired means a metadata document's expiration is in the past.
	ErrExpired = errors.New("trust: metadata expired")

	// ErrRollback means a document's version is lower than one already
	// accepted for its role — a replayed stale document, even if
	// validly signed.
	ErrRollback = errors.New("trust: metadata version rollback detected")

	// ErrHashMismatch means fetched content does not match the hash the
	// verified metadata declares for it.
	ErrHashMismatch = errors.New("trust: content hash mismatch")

	// ErrLengthMismatch means fetched content does not match the length
	// the verified metadata declares for it.
	ErrLengthMismatch = errors.New("trust: content length mismatch")

	// ErrNotFound means the transport has no object by that name. Used
	// to terminate the root rotation walk; anywhere else it is fatal.
	ErrNotFound = errors.New("trust: not found")

	// ErrNoSuchTarget means the verified targets metadata has no entry
	// for a requested artifact path.
	ErrNoSuchTarget = errors.New("trust: no such target")
)

// FetchError wraps a transport failure. Retryable reports whether the
// failure is transient (timeouts, connection resets, 5xx responses) —
// the fetch layer retries those with backoff; verification outcomes are
// never retried.
type FetchError struct {
	Name      string
	Err       error
	Retryable bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Name, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
