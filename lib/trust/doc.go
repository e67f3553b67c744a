// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust implements the signed-metadata distribution layer for
// migration artifacts: a four-role hierarchy (root, targets, snapshot,
// timestamp) with rotating keys, signing thresholds, and rollback
// protection.
//
// Root enumerates the public keys and signature threshold for every
// role and anchors the chain of trust. Targets maps artifact paths to
// content hashes and lengths. Snapshot pins the exact targets document
// version, preventing mix-and-match of metadata from different
// publishes. Timestamp pins snapshot and carries the shortest expiry,
// so staleness is detected fastest there.
//
// Documents are deterministic-CBOR payloads wrapped in an envelope with
// detached Ed25519 signatures; a document is accepted only with at
// least threshold valid signatures from keys the current root lists for
// its role, a version no lower than any previously accepted for that
// role, and an unexpired payload (subject to the configured
// enforcement).
//
// The Client walks the hierarchy in strict order (root rotation, then
// timestamp → snapshot → targets) and exposes the verified targets map;
// FetchTarget trusts artifact bytes only after their hash and length
// match that map exactly.
package trust
