// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore stores repository signing keys at rest, sealed with
// a passphrase. It wraps filippo.io/age scrypt encryption: each key is
// one <name>.key.age file holding the raw Ed25519 private key, and
// nothing usable without the passphrase.
//
// The keystore lives on an operator or release-tooling machine, never
// on hosts: hosts only ever see public keys inside the root document.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"

	"github.com/caldera-os/caldera/lib/trust"
)

const keyFileSuffix = ".key.age"

// Keystore is a directory of passphrase-sealed signing keys.
type Keystore struct {
	Dir string
}

// Save seals the signer's private key under the given name. Fails if a
// key by that name already exists; keys are never silently replaced.
func (k *Keystore) Save(name string, signer *trust.Signer, passphrase string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}

	path := k.path(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key %q already exists", name)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("preparing key encryption: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	if _, err := writer.Write(signer.PrivateKey()); err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}

	if err := os.WriteFile(path, sealed.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// Load unseals the named key.
func (k *Keystore) Load(name, passphrase string) (*trust.Signer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(k.path(name))
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", name, err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("preparing key decryption: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing key %q: %w", name, err)
	}
	private, err := io.ReadAll(io.LimitReader(reader, ed25519.PrivateKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("unsealing key %q: %w", name, err)
	}

	signer, err := trust.NewSigner(ed25519.PrivateKey(private))
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", name, err)
	}
	return signer, nil
}

// List names the stored keys, sorted.
func (k *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keystore directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if name, found := strings.CutSuffix(entry.Name(), keyFileSuffix); found {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (k *Keystore) path(name string) string {
	return filepath.Join(k.Dir, name+keyFileSuffix)
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid key name %q", name)
	}
	return nil
}
