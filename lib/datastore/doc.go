// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package datastore persists the host's settings store and gives the
// migration runner transactional, exclusive access to it.
//
// On disk a datastore root directory holds one subdirectory per store
// generation plus a chain of symlinks naming the live one:
//
//	current -> v1 -> v1.0 -> v1.0.2 -> v1.0.2_3f8a91c27d04be56
//
// Every level of the chain is useful to some reader: tools that only
// care about the major series follow "v1", the booted OS follows
// "current". The final component is the real directory, suffixed with
// a random identifier so repeated migrations to the same version never
// collide.
//
// Mutation happens only through [Adapter]: BeginStep copies nothing and
// destroys nothing, it hands out a fresh working directory next to the
// live store; Commit stamps the result and flips the symlink chain
// atomically; Abort removes the working directory. A crash at any
// point before the final link rename leaves "current" pointing at the
// pre-step store. Superseded store directories are kept, never
// destroyed, so a rollback has its data on hand.
package datastore
