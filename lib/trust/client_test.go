// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caldera-os/caldera/lib/testutil"
)

var testNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

// testRepo is a signed repository on disk plus everything needed to
// load or republish it.
type testRepo struct {
	dir       string
	rootBytes []byte
	root      *Root
	signer    *Signer
}

func (r *testRepo) options() Options {
	return Options{
		MetadataTransport: &FilesystemTransport{Dir: r.dir},
		Now:               testutil.FixedClock(testNow),
	}
}

// newTestRepo publishes a single-signer repository containing the given
// targets, with all metadata at version 1.
func newTestRepo(t *testing.T, targets map[string][]byte) *testRepo {
	t.Helper()

	signer := mustSigner(t)
	root := NewRoot(testNow.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := root.AddKey(role, signer.Public()); err != nil {
			t.Fatalf("adding key to %s: %v", role, err)
		}
	}

	rootBytes, err := SignRoot(root, nil, []*Signer{signer})
	if err != nil {
		t.Fatalf("signing root: %v", err)
	}

	dir := t.TempDir()
	publishRepo(t, dir, root, signer, targets, 1)
	return &testRepo{dir: dir, rootBytes: rootBytes, root: root, signer: signer}
}

// publishRepo signs and writes one publish of the repository, with all
// of targets, snapshot and timestamp at the given version.
func publishRepo(t *testing.T, dir string, root *Root, signer *Signer, targets map[string][]byte, version uint64) {
	t.Helper()

	editor, err := NewRepositoryEditor(root, testNow)
	if err != nil {
		t.Fatalf("creating editor: %v", err)
	}
	for name, data := range targets {
		if err := editor.AddTarget(name, data); err != nil {
			t.Fatalf("adding target %s: %v", name, err)
		}
	}
	editor.SetVersions(version, version, version)

	signed, err := editor.Sign([]*Signer{signer})
	if err != nil {
		t.Fatalf("signing repository: %v", err)
	}
	if err := signed.Write(dir); err != nil {
		t.Fatalf("writing repository: %v", err)
	}
}

func TestLoadAndFetchTarget(t *testing.T) {
	manifest := []byte(`{"schema": 1, "migrations": []}`)
	repo := newTestRepo(t, map[string][]byte{"manifest.json": manifest})

	client, err := Load(context.Background(), repo.rootBytes, repo.options())
	if err != nil {
		t.Fatalf("loading repository: %v", err)
	}

	data, err := client.FetchTarget(context.Background(), "manifest.json")
	if err != nil {
		t.Fatalf("fetching target: %v", err)
	}
	if string(data) != string(manifest) {
		t.Fatalf("fetched target does not match published content")
	}

	versions := client.TrustedVersions()
	for _, role := range AllRoles() {
		if versions[role] != 1 {
			t.Fatalf("trusted %s version is %d, want 1", role, versions[role])
		}
	}
}

func TestLoadMissingTarget(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	client, err := Load(context.Background(), repo.rootBytes, repo.options())
	if err != nil {
		t.Fatalf("loading repository: %v", err)
	}
	if _, err := client.FetchTarget(context.Background(), "absent"); !errors.Is(err, ErrNoSuchTarget) {
		t.Fatalf("fetching absent target: got %v, want ErrNoSuchTarget", err)
	}
}

func TestLoadRejectsTimestampRollback(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	options := repo.options()
	options.TrustedVersions = TrustedVersions{RoleTimestamp: 5}

	_, err := Load(context.Background(), repo.rootBytes, options)
	if !errors.Is(err, ErrRollback) {
		t.Fatalf("timestamp below trusted version: got %v, want ErrRollback", err)
	}
}

func TestLoadAcceptsNewerVersions(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})
	publishRepo(t, repo.dir, repo.root, repo.signer, map[string][]byte{"manifest.json": []byte("{}")}, 4)

	options := repo.options()
	options.TrustedVersions = TrustedVersions{
		RoleTimestamp: 2,
		RoleSnapshot:  2,
		RoleTargets:   2,
	}

	client, err := Load(context.Background(), repo.rootBytes, options)
	if err != nil {
		t.Fatalf("loading newer publish: %v", err)
	}
	if got := client.TrustedVersions()[RoleTimestamp]; got != 4 {
		t.Fatalf("trusted timestamp version is %d, want 4", got)
	}
}

func TestLoadRejectsExpiredTimestamp(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	options := repo.options()
	options.Now = testutil.FixedClock(testNow.AddDate(0, 1, 0))

	_, err := Load(context.Background(), repo.rootBytes, options)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expired timestamp: got %v, want ErrExpired", err)
	}
}

func TestLoadUnsafeSkipsExpiry(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	options := repo.options()
	options.Now = testutil.FixedClock(testNow.AddDate(5, 0, 0))
	options.Expiration = ExpirationUnsafe

	client, err := Load(context.Background(), repo.rootBytes, options)
	if err != nil {
		t.Fatalf("unsafe load of expired repository: %v", err)
	}
	if _, err := client.FetchTarget(context.Background(), "manifest.json"); err != nil {
		t.Fatalf("fetching after unsafe load: %v", err)
	}
}

func TestLoadFollowsRootRotation(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	// Rotate the root key: the new root drops the old key from the
	// root role and introduces a fresh one.
	successor := mustSigner(t)
	rotated := NextRoot(repo.root, testNow.AddDate(1, 0, 0))
	if err := rotated.AddKey(RoleRoot, successor.Public()); err != nil {
		t.Fatalf("adding successor key: %v", err)
	}
	if err := rotated.RemoveKey(RoleRoot, repo.signer.ID()); err != nil {
		t.Fatalf("removing predecessor key: %v", err)
	}

	rotatedBytes, err := SignRoot(rotated, repo.root, []*Signer{repo.signer, successor})
	if err != nil {
		t.Fatalf("signing rotated root: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(repo.dir, MetadataFilename(RoleRoot, 2)), rotatedBytes)

	client, err := Load(context.Background(), repo.rootBytes, repo.options())
	if err != nil {
		t.Fatalf("loading across rotation: %v", err)
	}
	if client.Root().Version != 2 {
		t.Fatalf("client trusts root version %d, want 2", client.Root().Version)
	}
	if got := client.TrustedVersions()[RoleRoot]; got != 2 {
		t.Fatalf("trusted root version is %d, want 2", got)
	}
}

func TestLoadRejectsRotationWithoutPredecessorSignatures(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	// A revoked or never-trusted key publishes a root update signed
	// only by itself. Without a threshold of predecessor signatures it
	// must be rejected.
	impostor := mustSigner(t)
	forged := NextRoot(repo.root, testNow.AddDate(1, 0, 0))
	if err := forged.AddKey(RoleRoot, impostor.Public()); err != nil {
		t.Fatalf("adding impostor key: %v", err)
	}
	if err := forged.RemoveKey(RoleRoot, repo.signer.ID()); err != nil {
		t.Fatalf("removing trusted key: %v", err)
	}

	forgedBytes, err := SignRoot(forged, nil, []*Signer{impostor})
	if err != nil {
		t.Fatalf("signing forged root: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(repo.dir, MetadataFilename(RoleRoot, 2)), forgedBytes)

	_, err = Load(context.Background(), repo.rootBytes, repo.options())
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("rotation without predecessor signatures: got %v, want ErrThresholdNotMet", err)
	}
}

func TestLoadRejectsTamperedSnapshot(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	path := filepath.Join(repo.dir, MetadataFilename(RoleSnapshot, 1))
	data := testutil.ReadFile(t, path)
	data[len(data)-1] ^= 0x01
	testutil.WriteFile(t, path, data)

	_, err := Load(context.Background(), repo.rootBytes, repo.options())
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("tampered snapshot: got %v, want ErrHashMismatch", err)
	}
}

func TestLoadRejectsUnsignedTimestampReplacement(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	// Replace the timestamp with one signed by a key the root does not
	// list.
	stranger := mustSigner(t)
	envelope, err := Seal(&Timestamp{
		Type:    RoleTimestamp,
		Version: 9,
		Expires: testNow.AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("sealing forged timestamp: %v", err)
	}
	envelope.Sign(stranger)
	forged, err := envelope.Encode()
	if err != nil {
		t.Fatalf("encoding forged timestamp: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(repo.dir, MetadataFilename(RoleTimestamp, 0)), forged)

	_, err = Load(context.Background(), repo.rootBytes, repo.options())
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("forged timestamp: got %v, want ErrThresholdNotMet", err)
	}
}

func TestFetchTargetRejectsCorruptContent(t *testing.T) {
	payload := []byte("migration binary payload")
	repo := newTestRepo(t, map[string][]byte{"migrate.lz4": payload})

	client, err := Load(context.Background(), repo.rootBytes, repo.options())
	if err != nil {
		t.Fatalf("loading repository: %v", err)
	}

	meta, err := client.TargetMeta("migrate.lz4")
	if err != nil {
		t.Fatalf("looking up target: %v", err)
	}
	path := filepath.Join(repo.dir, filepath.FromSlash(TargetFilename("migrate.lz4", meta.Hash)))

	// Same length, different content.
	corrupt := append([]byte(nil), payload...)
	corrupt[0] ^= 0x01
	testutil.WriteFile(t, path, corrupt)
	if _, err := client.FetchTarget(context.Background(), "migrate.lz4"); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("corrupt target: got %v, want ErrHashMismatch", err)
	}

	// Different length.
	testutil.WriteFile(t, path, append(corrupt, 'x'))
	if _, err := client.FetchTarget(context.Background(), "migrate.lz4"); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("truncated target: got %v, want ErrLengthMismatch", err)
	}
}

func TestLoadMissingRepository(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{"manifest.json": []byte("{}")})

	options := repo.options()
	options.MetadataTransport = &FilesystemTransport{Dir: t.TempDir()}

	_, err := Load(context.Background(), repo.rootBytes, options)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty repository: got %v, want ErrNotFound", err)
	}
}

func TestFilesystemTransportRejectsEscape(t *testing.T) {
	transport := &FilesystemTransport{Dir: t.TempDir()}
	if _, err := transport.Fetch(context.Background(), "../etc/passwd", 1<<20); err == nil {
		t.Fatal("path escaping the repository directory was not rejected")
	}
	if _, err := transport.Fetch(context.Background(), "/etc/passwd", 1<<20); err == nil {
		t.Fatal("absolute path was not rejected")
	}
}

func TestFilesystemTransportEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big"), make([]byte, 100), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	transport := &FilesystemTransport{Dir: dir}
	if _, err := transport.Fetch(context.Background(), "big", 99); err == nil {
		t.Fatal("oversized object was not rejected")
	}
	if _, err := transport.Fetch(context.Background(), "big", 100); err != nil {
		t.Fatalf("object at the limit rejected: %v", err)
	}
}
