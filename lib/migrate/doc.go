// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrate resolves and executes datastore migration paths.
//
// The resolver turns (current version, target version, manifest) into
// an ordered plan of migration steps, or a typed error: a gap in the
// manifest's coverage, or an ambiguous pair of entries for the same
// transition. Resolution never touches the datastore, so a bad
// manifest fails the update before anything is opened for writing.
//
// The runner drives each step of a plan through a fixed sequence of
// states (fetch, verify, execute, commit). Every commit advances the
// datastore by exactly one generation and is durable on its own: when
// a later step fails, the path halts and the store is left at the last
// committed version, which is always a manifest-known one. Committed
// steps are journaled so an interrupted run can be accounted for; the
// safe resumption after any failure is to resolve a fresh plan from
// the store's new current version.
package migrate
