// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRepositoryEditorWriteLayout(t *testing.T) {
	repo := newTestRepo(t, map[string][]byte{
		"manifest.json": []byte("{}"),
		"migrate.lz4":   []byte("payload"),
	})

	for _, name := range []string{"timestamp.cbor", "1.snapshot.cbor", "1.targets.cbor"} {
		if _, err := os.Stat(filepath.Join(repo.dir, name)); err != nil {
			t.Fatalf("metadata file %s: %v", name, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(repo.dir, "targets"))
	if err != nil {
		t.Fatalf("reading targets directory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("targets directory has %d entries, want 2", len(entries))
	}
	for _, entry := range entries {
		// 64 hex digits, a dot, then the target name.
		if len(entry.Name()) < 66 {
			t.Fatalf("target file %q is not hash-prefixed", entry.Name())
		}
	}
}

func TestRepositoryEditorRejectsBadTargetNames(t *testing.T) {
	repo := newTestRepo(t, nil)
	editor, err := NewRepositoryEditor(repo.root, testNow)
	if err != nil {
		t.Fatalf("creating editor: %v", err)
	}

	for _, name := range []string{"", "a/b", `a\b`} {
		if err := editor.AddTarget(name, []byte("x")); err == nil {
			t.Fatalf("target name %q was accepted", name)
		}
	}

	if err := editor.AddTarget("dup", []byte("x")); err != nil {
		t.Fatalf("adding target: %v", err)
	}
	if err := editor.AddTarget("dup", []byte("y")); err == nil {
		t.Fatal("duplicate target name was accepted")
	}
}

func TestRepositoryEditorRefusesUnderThresholdPublish(t *testing.T) {
	alice := mustSigner(t)
	bob := mustSigner(t)

	root := NewRoot(testNow.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := root.AddKey(role, alice.Public()); err != nil {
			t.Fatalf("adding key: %v", err)
		}
	}
	if err := root.AddKey(RoleTargets, bob.Public()); err != nil {
		t.Fatalf("adding key: %v", err)
	}
	if err := root.SetThreshold(RoleTargets, 2); err != nil {
		t.Fatalf("setting threshold: %v", err)
	}

	editor, err := NewRepositoryEditor(root, testNow)
	if err != nil {
		t.Fatalf("creating editor: %v", err)
	}
	if _, err := editor.Sign([]*Signer{alice}); err == nil {
		t.Fatal("publish below the targets threshold was produced")
	}
	if _, err := editor.Sign([]*Signer{alice, bob}); err != nil {
		t.Fatalf("publish at threshold: %v", err)
	}
}

func TestRemoveKeyKeepsSharedKeyMaterial(t *testing.T) {
	signer := mustSigner(t)
	root := NewRoot(testNow.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := root.AddKey(role, signer.Public()); err != nil {
			t.Fatalf("adding key: %v", err)
		}
	}

	if err := root.RemoveKey(RoleTimestamp, signer.ID()); err != nil {
		t.Fatalf("removing key from one role: %v", err)
	}
	if _, ok := root.Keys[signer.ID()]; !ok {
		t.Fatal("key material dropped while other roles still reference it")
	}

	for _, role := range []Role{RoleRoot, RoleSnapshot, RoleTargets} {
		if err := root.RemoveKey(role, signer.ID()); err != nil {
			t.Fatalf("removing key from %s: %v", role, err)
		}
	}
	if _, ok := root.Keys[signer.ID()]; ok {
		t.Fatal("key material kept after the last reference was removed")
	}
}

func TestSignRootRequiresBothThresholdsOnRotation(t *testing.T) {
	predecessor := mustSigner(t)
	successor := mustSigner(t)

	previous := NewRoot(testNow.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := previous.AddKey(role, predecessor.Public()); err != nil {
			t.Fatalf("adding key: %v", err)
		}
	}

	rotated := NextRoot(previous, testNow.AddDate(2, 0, 0))
	if err := rotated.AddKey(RoleRoot, successor.Public()); err != nil {
		t.Fatalf("adding successor key: %v", err)
	}
	if err := rotated.RemoveKey(RoleRoot, predecessor.ID()); err != nil {
		t.Fatalf("removing predecessor key: %v", err)
	}

	if _, err := SignRoot(rotated, previous, []*Signer{successor}); err == nil {
		t.Fatal("rotation signed without the predecessor key was produced")
	}
	if _, err := SignRoot(rotated, previous, []*Signer{predecessor}); err == nil {
		t.Fatal("rotation signed without the successor key was produced")
	}
	if _, err := SignRoot(rotated, previous, []*Signer{predecessor, successor}); err != nil {
		t.Fatalf("rotation signed by both: %v", err)
	}
}
