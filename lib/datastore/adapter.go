// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"
	"golang.org/x/sys/unix"
)

var (
	// ErrLocked means another process holds the datastore.
	ErrLocked = errors.New("datastore: already locked by another process")

	// ErrGenerationMismatch means a step was begun or committed against
	// a generation that is no longer the store's current one.
	ErrGenerationMismatch = errors.New("datastore: generation mismatch")

	// ErrStepInProgress means a second step was begun while a handle is
	// still outstanding.
	ErrStepInProgress = errors.New("datastore: a step is already in progress")
)

// Adapter is the single mutation path into a datastore. Opening one
// takes an exclusive advisory lock on the datastore root; only one
// process migrates a store at a time, and within the process only one
// step may be in flight.
type Adapter struct {
	root    string
	lock    *os.File
	current *Store
	dir     string
	handle  *Handle
}

// Open locks the datastore under root and loads its live store. The
// returned adapter must be closed to release the lock.
func Open(root string) (*Adapter, error) {
	lock, err := os.OpenFile(filepath.Join(root, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening datastore lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking datastore: %w", err)
	}

	dir, version, err := resolveCurrent(root)
	if err != nil {
		lock.Close()
		return nil, err
	}
	store, err := LoadStore(dir)
	if err != nil {
		lock.Close()
		return nil, err
	}
	if !store.Version.EQ(version) {
		lock.Close()
		return nil, fmt.Errorf("store in %s claims version %s but the link chain names %s", dir, store.Version, version)
	}

	return &Adapter{root: root, lock: lock, current: store, dir: dir}, nil
}

// Close releases the datastore lock. An outstanding step is aborted.
func (a *Adapter) Close() error {
	if a.handle != nil {
		if err := a.handle.Abort(); err != nil {
			return err
		}
	}
	if a.lock == nil {
		return nil
	}
	err := a.lock.Close()
	a.lock = nil
	return err
}

// Version reports the live store's schema version.
func (a *Adapter) Version() semver.Version {
	return a.current.Version
}

// Generation reports the live store's generation.
func (a *Adapter) Generation() uint64 {
	return a.current.Generation
}

// CurrentDir reports the live store's directory.
func (a *Adapter) CurrentDir() string {
	return a.dir
}

// Store returns a copy of the live store.
func (a *Adapter) Store() *Store {
	return a.current.Clone()
}

// Handle is one in-flight migration step: a fresh, empty working
// directory next to the live store. The migration writes the
// transformed store there; Commit makes it live, Abort discards it.
type Handle struct {
	adapter    *Adapter
	generation uint64
	target     semver.Version
	workDir    string
	done       bool
}

// BeginStep opens a step migrating the store at the given generation to
// the target version. The generation must match the live store's, which
// catches a runner driving a stale view of the datastore.
func (a *Adapter) BeginStep(generation uint64, target semver.Version) (*Handle, error) {
	if a.handle != nil {
		return nil, ErrStepInProgress
	}
	if generation != a.current.Generation {
		return nil, fmt.Errorf("%w: step expects generation %d, store is at %d", ErrGenerationMismatch, generation, a.current.Generation)
	}

	dirName, err := storeDirName(target)
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(a.root, dirName)
	if err := os.Mkdir(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	handle := &Handle{
		adapter:    a,
		generation: generation,
		target:     target,
		workDir:    workDir,
	}
	a.handle = handle
	return handle, nil
}

// SourceDir is the live store directory the migration reads from.
func (h *Handle) SourceDir() string {
	return h.adapter.dir
}

// WorkDir is the directory the migration writes the transformed store
// into.
func (h *Handle) WorkDir() string {
	return h.workDir
}

// Commit makes the working directory the live store. The migration must
// have written a settings file there; Commit stamps it with the step's
// target version and the next generation, persists it durably, then
// flips the symlink chain. Each link flip is an atomic rename, but when
// the old and new chains share links below "current" (a patch or minor
// step), the first rename of a shared link is the one that publishes,
// so a flip failing after that point has already made the working
// directory live. Abort detects that case and keeps the directory.
// Returns the new generation.
func (h *Handle) Commit() (uint64, error) {
	if h.done {
		return 0, errors.New("datastore: step already finished")
	}
	a := h.adapter
	if h.generation != a.current.Generation {
		return 0, fmt.Errorf("%w: committing against generation %d, store is at %d", ErrGenerationMismatch, h.generation, a.current.Generation)
	}

	store, err := LoadStore(h.workDir)
	if err != nil {
		return 0, fmt.Errorf("step produced no readable store: %w", err)
	}
	store.Version = h.target
	store.Generation = h.generation + 1
	if err := store.Write(h.workDir); err != nil {
		return 0, err
	}

	if err := flipLinks(a.root, h.target, filepath.Base(h.workDir)); err != nil {
		return 0, err
	}

	h.done = true
	a.handle = nil
	a.current = store
	a.dir = h.workDir
	return store.Generation, nil
}

// Abort discards the working directory. The live store is untouched.
//
// One exception: a commit whose link flip failed partway may already
// have published the working directory. Abort never removes a directory
// the live chain resolves into; it keeps the directory and reports the
// condition, so a failed flip degrades to a committed step rather than
// a chain pointing at nothing.
func (h *Handle) Abort() error {
	if h.done {
		return nil
	}
	h.done = true
	h.adapter.handle = nil

	dir, _, err := resolveCurrent(h.adapter.root)
	if err != nil {
		return fmt.Errorf("datastore: keeping working directory %s, live chain is unreadable: %w", filepath.Base(h.workDir), err)
	}
	if filepath.Base(dir) == filepath.Base(h.workDir) {
		return fmt.Errorf("datastore: working directory %s became live during the failed commit, keeping it", filepath.Base(h.workDir))
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		return fmt.Errorf("removing working directory: %w", err)
	}
	return nil
}

// AdoptVersion republishes the live store's content under a new
// version without running any migration. Used when an update needs no
// migrations but the version naming must still advance. The content is
// written into a fresh store directory and the link chain flipped to
// it; the live store file is never touched, so interruption leaves the
// previous version intact. The generation does not change because the
// keys did not.
func (a *Adapter) AdoptVersion(target semver.Version) error {
	if a.handle != nil {
		return ErrStepInProgress
	}
	if a.current.Version.EQ(target) {
		return nil
	}

	dirName, err := storeDirName(target)
	if err != nil {
		return err
	}
	dir := filepath.Join(a.root, dirName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	store := a.current.Clone()
	store.Version = target
	if err := store.Write(dir); err != nil {
		os.RemoveAll(dir)
		return err
	}
	if err := flipLinks(a.root, target, dirName); err != nil {
		return err
	}
	a.current = store
	a.dir = dir
	return nil
}
