// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// NewRoot returns a version-1 root with empty key assignments for all
// four roles. Keys and thresholds are added before first signing.
func NewRoot(expires time.Time) *Root {
	root := &Root{
		Type:    RoleRoot,
		Version: 1,
		Expires: expires,
		Keys:    make(map[string]PublicKey),
		Roles:   make(map[Role]RoleKeys),
	}
	for _, role := range AllRoles() {
		root.Roles[role] = RoleKeys{Threshold: 1}
	}
	return root
}

// NextRoot prepares a rotation of an existing root: a deep copy with
// the version bumped. The result is edited (keys swapped, thresholds
// changed) and must then be signed by thresholds of both the old and
// new root keys.
func NextRoot(previous *Root, expires time.Time) *Root {
	next := &Root{
		Type:    RoleRoot,
		Version: previous.Version + 1,
		Expires: expires,
		Keys:    make(map[string]PublicKey, len(previous.Keys)),
		Roles:   make(map[Role]RoleKeys, len(previous.Roles)),
	}
	for id, key := range previous.Keys {
		next.Keys[id] = key
	}
	for role, assignment := range previous.Roles {
		next.Roles[role] = RoleKeys{
			KeyIDs:    append([]string(nil), assignment.KeyIDs...),
			Threshold: assignment.Threshold,
		}
	}
	return next
}

// AddKey registers a public key and assigns it to a role. Adding a key
// already assigned to the role is a no-op.
func (r *Root) AddKey(role Role, key PublicKey) error {
	assignment, ok := r.Roles[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	id := key.ID()
	if existing, ok := r.Keys[id]; ok {
		if existing.Algorithm != key.Algorithm || string(existing.Value) != string(key.Value) {
			return fmt.Errorf("key ID collision on %s", id)
		}
	}
	r.Keys[id] = key
	for _, keyID := range assignment.KeyIDs {
		if keyID == id {
			return nil
		}
	}
	assignment.KeyIDs = append(assignment.KeyIDs, id)
	sort.Strings(assignment.KeyIDs)
	r.Roles[role] = assignment
	return nil
}

// RemoveKey drops a key from a role's assignment. The key entry itself
// is removed once no role references it.
func (r *Root) RemoveKey(role Role, keyID string) error {
	assignment, ok := r.Roles[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	filtered := assignment.KeyIDs[:0]
	found := false
	for _, id := range assignment.KeyIDs {
		if id == keyID {
			found = true
			continue
		}
		filtered = append(filtered, id)
	}
	if !found {
		return fmt.Errorf("role %q does not list key %s", role, keyID)
	}
	assignment.KeyIDs = filtered
	r.Roles[role] = assignment

	for _, other := range r.Roles {
		for _, id := range other.KeyIDs {
			if id == keyID {
				return nil
			}
		}
	}
	delete(r.Keys, keyID)
	return nil
}

// SetThreshold sets the signature threshold for a role.
func (r *Root) SetThreshold(role Role, threshold int) error {
	assignment, ok := r.Roles[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if threshold < 1 {
		return fmt.Errorf("threshold %d is invalid", threshold)
	}
	assignment.Threshold = threshold
	r.Roles[role] = assignment
	return nil
}

// RepositoryEditor assembles one publish of a repository: targets are
// added, versions and expirations set, then Sign produces the complete
// verifiable metadata set. The zero value is not usable; construct with
// NewRepositoryEditor.
type RepositoryEditor struct {
	root    *Root
	targets *Targets
	files   map[string][]byte

	snapshotVersion  uint64
	timestampVersion uint64
	targetsExpires   time.Time
	snapshotExpires  time.Time
	timestampExpires time.Time
}

// NewRepositoryEditor starts a publish against a validated root.
// Versions default to 1; a publish that supersedes an earlier one must
// set higher versions or clients will reject it as a rollback.
func NewRepositoryEditor(root *Root, now time.Time) (*RepositoryEditor, error) {
	if err := root.Validate(now); err != nil {
		return nil, fmt.Errorf("root document: %w", err)
	}
	return &RepositoryEditor{
		root: root,
		targets: &Targets{
			Type:    RoleTargets,
			Version: 1,
			Targets: make(map[string]TargetMeta),
		},
		files:            make(map[string][]byte),
		snapshotVersion:  1,
		timestampVersion: 1,
		targetsExpires:   now.AddDate(0, 3, 0),
		snapshotExpires:  now.AddDate(0, 3, 0),
		timestampExpires: now.AddDate(0, 0, 14),
	}, nil
}

// AddTarget registers an artifact under the given name. Names are flat:
// path separators would collide with the hash-prefixed storage layout.
func (e *RepositoryEditor) AddTarget(name string, data []byte) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid target name %q", name)
	}
	if _, ok := e.targets.Targets[name]; ok {
		return fmt.Errorf("target %q already added", name)
	}
	e.targets.Targets[name] = TargetMeta{
		Hash:   HashTarget(data),
		Length: int64(len(data)),
	}
	e.files[name] = data
	return nil
}

// SetVersions sets the targets, snapshot and timestamp versions for
// this publish.
func (e *RepositoryEditor) SetVersions(targets, snapshot, timestamp uint64) {
	e.targets.Version = targets
	e.snapshotVersion = snapshot
	e.timestampVersion = timestamp
}

// SetExpirations overrides the default expirations.
func (e *RepositoryEditor) SetExpirations(targets, snapshot, timestamp time.Time) {
	e.targetsExpires = targets
	e.snapshotExpires = snapshot
	e.timestampExpires = timestamp
}

// SignedRepository is a complete, internally consistent metadata set
// plus the target file contents, ready to be written out.
type SignedRepository struct {
	RootVersion uint64
	Metadata    map[string][]byte
	Targets     map[string][]byte
}

// Sign builds the metadata chain bottom-up (targets, then the snapshot
// pinning it, then the timestamp pinning that) and signs each document
// with every offered signer holding a key for its role. It fails if any
// role ends below its threshold, so an unverifiable publish can never
// be produced.
func (e *RepositoryEditor) Sign(signers []*Signer) (*SignedRepository, error) {
	e.targets.Expires = e.targetsExpires
	targetsBytes, err := e.signDocument(RoleTargets, e.targets, signers)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Type:    RoleSnapshot,
		Version: e.snapshotVersion,
		Expires: e.snapshotExpires,
		Targets: MetaPin{
			Version: e.targets.Version,
			Hash:    HashMetadata(targetsBytes),
			Length:  int64(len(targetsBytes)),
		},
	}
	snapshotBytes, err := e.signDocument(RoleSnapshot, snapshot, signers)
	if err != nil {
		return nil, err
	}

	timestamp := &Timestamp{
		Type:    RoleTimestamp,
		Version: e.timestampVersion,
		Expires: e.timestampExpires,
		Snapshot: MetaPin{
			Version: snapshot.Version,
			Hash:    HashMetadata(snapshotBytes),
			Length:  int64(len(snapshotBytes)),
		},
	}
	timestampBytes, err := e.signDocument(RoleTimestamp, timestamp, signers)
	if err != nil {
		return nil, err
	}

	result := &SignedRepository{
		RootVersion: e.root.Version,
		Metadata: map[string][]byte{
			MetadataFilename(RoleTargets, e.targets.Version):   targetsBytes,
			MetadataFilename(RoleSnapshot, snapshot.Version):   snapshotBytes,
			MetadataFilename(RoleTimestamp, timestamp.Version): timestampBytes,
		},
		Targets: make(map[string][]byte, len(e.files)),
	}
	for name, data := range e.files {
		result.Targets[TargetFilename(name, e.targets.Targets[name].Hash)] = data
	}
	return result, nil
}

// signDocument seals a document, signs it with every signer assigned to
// the role, and verifies the result meets the role's threshold.
func (e *RepositoryEditor) signDocument(role Role, document any, signers []*Signer) ([]byte, error) {
	envelope, err := Seal(document)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	keys, threshold, err := e.root.KeysForRole(role)
	if err != nil {
		return nil, err
	}
	for _, signer := range signers {
		if _, ok := keys[signer.ID()]; ok {
			envelope.Sign(signer)
		}
	}
	if err := envelope.Verify(keys, threshold); err != nil {
		return nil, fmt.Errorf("signing %s: %w", role, err)
	}
	return envelope.Encode()
}

// SignRoot seals and signs a root document with every offered signer
// holding a root key of either the document itself or, when previous is
// non-nil, the root it rotates. The result must satisfy the document's
// own threshold, and the previous root's when rotating.
func SignRoot(root *Root, previous *Root, signers []*Signer) ([]byte, error) {
	envelope, err := Seal(root)
	if err != nil {
		return nil, err
	}

	ownKeys, ownThreshold, err := root.KeysForRole(RoleRoot)
	if err != nil {
		return nil, err
	}
	eligible := make(map[string]PublicKey, len(ownKeys))
	for id, key := range ownKeys {
		eligible[id] = key
	}

	var previousKeys map[string]PublicKey
	var previousThreshold int
	if previous != nil {
		previousKeys, previousThreshold, err = previous.KeysForRole(RoleRoot)
		if err != nil {
			return nil, err
		}
		for id, key := range previousKeys {
			eligible[id] = key
		}
	}

	for _, signer := range signers {
		if _, ok := eligible[signer.ID()]; ok {
			envelope.Sign(signer)
		}
	}

	if err := envelope.Verify(ownKeys, ownThreshold); err != nil {
		return nil, fmt.Errorf("root version %d: %w", root.Version, err)
	}
	if previous != nil {
		if err := envelope.Verify(previousKeys, previousThreshold); err != nil {
			return nil, fmt.Errorf("root version %d against previous keys: %w", root.Version, err)
		}
	}
	return envelope.Encode()
}

// Write lays the repository out on disk under dir: metadata files at
// the top level, target files under targets/. Files are written to a
// temporary name and renamed into place.
func (r *SignedRepository) Write(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "targets"), 0o755); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}
	for name, data := range r.Metadata {
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	for name, data := range r.Targets {
		if err := writeFileAtomic(filepath.Join(dir, filepath.FromSlash(name)), data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	temp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer os.Remove(temp.Name())

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
