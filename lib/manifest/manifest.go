// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the migration manifest: the ordered catalog
// of datastore migrations and the version transition each performs.
//
// The manifest is authored as JSONC (JSON with comments and trailing
// commas) by the release tooling and published as a target in the trust
// repository, so its bytes are hash-verified before any entry is
// believed. Versions are semantic versions with a total order; each
// migration declares the exact (from, to) pair it transforms, always
// forward — a downgrade runs the same artifact with the backward flag.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/blang/semver/v4"
	"github.com/tidwall/jsonc"
)

// TargetName is the well-known target path of the manifest inside the
// trust repository.
const TargetName = "manifest.json"

// SchemaVersion is the manifest document schema this engine reads and
// writes. A bump means a change to the document structure itself, not
// to the datastore versions it describes.
const SchemaVersion = 1

// Migration is one entry of the catalog: a named, one-directional
// transformation between two adjacent datastore versions. The artifact
// referenced by Target contains the executable migration; Compression
// names how the stored artifact bytes are encoded (the target hash in
// the trust repository covers the stored bytes, so decompression
// happens only after verification).
type Migration struct {
	Name        string         `json:"name"`
	From        semver.Version `json:"from"`
	To          semver.Version `json:"to"`
	Target      string         `json:"target"`
	Compression string         `json:"compression,omitempty"`
}

// Origin records the artifact identity of the manifest itself as
// published by the trust layer: where it was fetched from and the
// verified content hash. Filled in by the loader, empty for manifests
// built in-process by the repository tool.
type Origin struct {
	Target string `json:"target"`
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
}

// Manifest is the ordered migration catalog.
type Manifest struct {
	Schema     int         `json:"schema"`
	Migrations []Migration `json:"migrations"`

	// Origin is not part of the published document.
	Origin Origin `json:"-"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the manifest.
func Parse(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	var m Manifest
	if err := json.Unmarshal(stripped, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Schema != SchemaVersion {
		return nil, fmt.Errorf("unsupported manifest schema %d (engine supports %d)", m.Schema, SchemaVersion)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes the manifest as plain JSON for publication.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks manifest integrity:
//
//   - every migration has a name, a target, and from < to
//   - names are unique
//   - at most one migration per (from, to) pair — a duplicate is an
//     integrity error, never resolved heuristically
//   - transitions do not branch or overlap: sorted by version, each
//     migration's from is at or past the previous migration's to
//
// Gaps between transitions are allowed here; they only become errors
// when a migration path is resolved across them.
func (m *Manifest) Validate() error {
	names := make(map[string]bool, len(m.Migrations))
	pairs := make(map[string]string, len(m.Migrations))

	for i, mig := range m.Migrations {
		if mig.Name == "" {
			return fmt.Errorf("migration %d has no name", i)
		}
		if mig.Target == "" {
			return fmt.Errorf("migration %q has no artifact target", mig.Name)
		}
		if !mig.From.LT(mig.To) {
			return fmt.Errorf("migration %q: from %s must be lower than to %s (migrations are declared forward; downgrades run them backward)",
				mig.Name, mig.From, mig.To)
		}
		if names[mig.Name] {
			return fmt.Errorf("duplicate migration name %q", mig.Name)
		}
		names[mig.Name] = true

		pair := mig.From.String() + "→" + mig.To.String()
		if other, ok := pairs[pair]; ok {
			return fmt.Errorf("migrations %q and %q both cover %s", other, mig.Name, pair)
		}
		pairs[pair] = mig.Name
	}

	ordered := m.Ordered()
	for i := 1; i < len(ordered); i++ {
		previous, current := ordered[i-1], ordered[i]
		if current.From.LT(previous.To) {
			return fmt.Errorf("migrations %q (to %s) and %q (from %s) overlap",
				previous.Name, previous.To, current.Name, current.From)
		}
	}

	return nil
}

// Ordered returns the migrations sorted by ascending from version.
// The returned slice is a copy; the manifest's own order (the authored
// document order) is preserved.
func (m *Manifest) Ordered() []Migration {
	ordered := make([]Migration, len(m.Migrations))
	copy(ordered, m.Migrations)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].From.LT(ordered[j-1].From); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

// ParseVersion parses a datastore version string. A leading 'v' is
// accepted so symlink names like "v1.2.0" parse directly.
func ParseVersion(s string) (semver.Version, error) {
	version, err := semver.ParseTolerant(s)
	if err != nil {
		return semver.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return version, nil
}
