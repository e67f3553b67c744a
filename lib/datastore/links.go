// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver/v4"
)

const currentLink = "current"

// storeDirName generates the directory name for a fresh store at a
// version: the patch-level name plus a random suffix, so two attempts
// at the same version never reuse a directory.
func storeDirName(version semver.Version) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generating store directory suffix: %w", err)
	}
	return fmt.Sprintf("v%s_%s", version, hex.EncodeToString(suffix[:])), nil
}

// linkChain returns the symlink names from "current" down to the patch
// level for a version, most general first.
func linkChain(version semver.Version) []string {
	return []string{
		currentLink,
		fmt.Sprintf("v%d", version.Major),
		fmt.Sprintf("v%d.%d", version.Major, version.Minor),
		fmt.Sprintf("v%d.%d.%d", version.Major, version.Minor, version.Patch),
	}
}

// flipLinks points the symlink chain for version at the store
// directory. Links are created deepest-first under temporary names and
// renamed into place, so a reader following "current" sees either the
// old chain or the new one. The root directory is synced afterward so
// the renames are durable.
func flipLinks(root string, version semver.Version, storeDir string) error {
	chain := linkChain(version)
	// Each link points at the next name in the chain; the deepest
	// points at the store directory itself.
	for i := len(chain) - 1; i >= 0; i-- {
		target := storeDir
		if i < len(chain)-1 {
			target = chain[i+1]
		}
		if err := replaceLink(filepath.Join(root, chain[i]), target); err != nil {
			return err
		}
	}
	return syncDir(root)
}

func replaceLink(path, target string) error {
	temp := path + ".new"
	if err := os.Remove(temp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stale link %s: %w", temp, err)
	}
	if err := os.Symlink(target, temp); err != nil {
		return fmt.Errorf("creating link %s: %w", temp, err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("renaming link into %s: %w", path, err)
	}
	return nil
}

// resolveCurrent follows the link chain from "current" to the store
// directory and reports both the directory path and the version the
// chain names.
func resolveCurrent(root string) (dir string, version semver.Version, err error) {
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, currentLink))
	if err != nil {
		return "", semver.Version{}, fmt.Errorf("resolving current datastore: %w", err)
	}

	name := filepath.Base(resolved)
	base, _, found := strings.Cut(name, "_")
	if !found || !strings.HasPrefix(base, "v") {
		return "", semver.Version{}, fmt.Errorf("store directory %q does not follow the v<version>_<id> layout", name)
	}
	version, err = semver.Parse(strings.TrimPrefix(base, "v"))
	if err != nil {
		return "", semver.Version{}, fmt.Errorf("store directory %q: %w", name, err)
	}
	return resolved, version, nil
}
