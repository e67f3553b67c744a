// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Caldera packages.
//
// [WriteFile] and [ReadFile] wrap the corresponding os calls with
// t.Fatalf error handling and parent directory creation, so tests can
// lay out datastore and repository trees in one line per file.
// [ResolveLink] follows a symlink one level, for asserting on the
// datastore link chain without resolving it fully.
//
// [FixedClock] returns a clock function pinned to a single instant.
// Verification code takes an injectable clock precisely so tests can
// exercise expiry behavior deterministically; tests should never
// compare against real wall-clock time.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, for migration names or directory suffixes that must
// not collide across subtests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Caldera-internal dependencies.
package testutil
