// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeyAlgorithmEd25519 is the only signature algorithm the engine
// accepts. The field exists in PublicKey so a future algorithm can be
// introduced through a root rotation rather than a flag day.
const KeyAlgorithmEd25519 = "ed25519"

// PublicKey is a role signing key as listed in a root document.
type PublicKey struct {
	Algorithm string `cbor:"algorithm"`
	Value     []byte `cbor:"value"`
}

// ID returns the key's identifier: the key-domain BLAKE3 hash of the
// algorithm name and key bytes, hex-encoded. Signatures reference keys
// by this ID.
func (k PublicKey) ID() string {
	material := make([]byte, 0, len(k.Algorithm)+1+len(k.Value))
	material = append(material, k.Algorithm...)
	material = append(material, 0)
	material = append(material, k.Value...)
	return FormatHash(hashPublicKey(material))
}

// Verify checks an Ed25519 signature over message.
func (k PublicKey) Verify(message, signature []byte) error {
	if k.Algorithm != KeyAlgorithmEd25519 {
		return fmt.Errorf("unsupported key algorithm %q", k.Algorithm)
	}
	if len(k.Value) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 public key is %d bytes, want %d", len(k.Value), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(k.Value), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Signer holds a private signing key and its derived public identity.
type Signer struct {
	private ed25519.PrivateKey
	public  PublicKey
	id      string
}

// NewSigner wraps an existing Ed25519 private key.
func NewSigner(private ed25519.PrivateKey) (*Signer, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key is %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	public := PublicKey{
		Algorithm: KeyAlgorithmEd25519,
		Value:     append([]byte(nil), private.Public().(ed25519.PublicKey)...),
	}
	return &Signer{private: private, public: public, id: public.ID()}, nil
}

// GenerateSigner creates a fresh Ed25519 signing key.
func GenerateSigner() (*Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return NewSigner(private)
}

// Public returns the signer's public key.
func (s *Signer) Public() PublicKey {
	return s.public
}

// ID returns the signer's key ID.
func (s *Signer) ID() string {
	return s.id
}

// PrivateKey returns the raw private key, for sealing into a keystore.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.private
}

func (s *Signer) sign(message []byte) []byte {
	return ed25519.Sign(s.private, message)
}
