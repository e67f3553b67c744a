// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caldera-os/caldera/lib/codec"
)

// LoadTrustedVersions reads persisted per-role trusted versions. A
// missing file is an empty map: first contact has no rollback floor.
func LoadTrustedVersions(path string) (TrustedVersions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TrustedVersions{}, nil
		}
		return nil, fmt.Errorf("reading trusted versions: %w", err)
	}
	var versions TrustedVersions
	if err := codec.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("decoding trusted versions: %w", err)
	}
	return versions, nil
}

// Save persists the trusted versions durably so the rollback floor
// survives across update attempts and reboots.
func (v TrustedVersions) Save(path string) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding trusted versions: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing trusted versions: %w", err)
	}
	defer os.Remove(temp.Name())

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing trusted versions: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing trusted versions: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing trusted versions: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("renaming trusted versions into place: %w", err)
	}
	return nil
}
