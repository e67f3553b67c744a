// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/codec"
)

// StoreFilename is the settings file inside every store directory.
const StoreFilename = "settings.cbor"

// Store is one generation of the settings store: the schema version its
// keys conform to, a generation counter advanced by exactly one per
// committed migration step, and the settings themselves.
type Store struct {
	Version    semver.Version    `cbor:"version"`
	Generation uint64            `cbor:"generation"`
	Keys       map[string]string `cbor:"keys"`
}

// LoadStore reads the settings file from a store directory.
func LoadStore(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, StoreFilename))
	if err != nil {
		return nil, fmt.Errorf("reading store in %s: %w", dir, err)
	}
	var store Store
	if err := codec.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("decoding store in %s: %w", dir, err)
	}
	if store.Keys == nil {
		store.Keys = make(map[string]string)
	}
	return &store, nil
}

// Write persists the store into dir durably: written to a temporary
// file, synced, renamed into place, and the directory synced so the
// rename itself survives a crash.
func (s *Store) Write(dir string) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	temp, err := os.CreateTemp(dir, "."+StoreFilename+".*")
	if err != nil {
		return fmt.Errorf("creating store file: %w", err)
	}
	defer os.Remove(temp.Name())

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing store file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing store file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing store file: %w", err)
	}
	if err := os.Rename(temp.Name(), filepath.Join(dir, StoreFilename)); err != nil {
		return fmt.Errorf("renaming store file: %w", err)
	}
	return syncDir(dir)
}

// Clone returns a deep copy, so a migration can transform the keys
// without aliasing the source store.
func (s *Store) Clone() *Store {
	clone := &Store{
		Version:    s.Version,
		Generation: s.Generation,
		Keys:       make(map[string]string, len(s.Keys)),
	}
	for key, value := range s.Keys {
		clone.Keys[key] = value
	}
	return clone
}

// InitStore creates a brand-new datastore under root at the given
// version, generation zero, with the given initial keys. Used at host
// provisioning and by tests; fails if root already has a live store.
func InitStore(root string, version semver.Version, keys map[string]string) error {
	if _, err := os.Readlink(filepath.Join(root, currentLink)); err == nil {
		return errors.New("datastore already initialized")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating datastore root: %w", err)
	}

	dirName, err := storeDirName(version)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, dirName)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	store := &Store{Version: version, Keys: keys}
	if store.Keys == nil {
		store.Keys = make(map[string]string)
	}
	if err := store.Write(dir); err != nil {
		return err
	}
	return flipLinks(root, version, dirName)
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s for sync: %w", dir, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}
