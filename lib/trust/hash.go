// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Target content hashes and metadata
// pin hashes are this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same bytes hash differently as target
// content, metadata, or key material, preventing cross-domain
// collisions. These values are protocol constants — changing them
// invalidates every published repository.
type domainKey [32]byte

// The byte values are the ASCII encoding of the domain name,
// zero-padded to 32 bytes, so the keys are readable in hex dumps
// without losing any cryptographic property.
var (
	targetDomainKey = domainKey{
		'c', 'a', 'l', 'd', 'e', 'r', 'a', '.', 't', 'r', 'u', 's', 't', '.',
		't', 'a', 'r', 'g', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	metadataDomainKey = domainKey{
		'c', 'a', 'l', 'd', 'e', 'r', 'a', '.', 't', 'r', 'u', 's', 't', '.',
		'm', 'e', 't', 'a', 'd', 'a', 't', 'a', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	keyDomainKey = domainKey{
		'c', 'a', 'l', 'd', 'e', 'r', 'a', '.', 't', 'r', 'u', 's', 't', '.',
		'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashTarget computes the target-domain hash of artifact bytes. This is
// the hash recorded in targets metadata and checked before any fetched
// artifact is trusted.
func HashTarget(data []byte) Hash {
	return keyedHash(targetDomainKey, data)
}

// HashMetadata computes the metadata-domain hash of an encoded metadata
// envelope. Snapshot records it for the targets document, and timestamp
// for the snapshot document, so a verified parent pins the exact child
// bytes.
func HashMetadata(data []byte) Hash {
	return keyedHash(metadataDomainKey, data)
}

// hashPublicKey computes the key-domain hash of public key material.
// Key IDs are derived from it.
func hashPublicKey(data []byte) Hash {
	return keyedHash(keyDomainKey, data)
}

// FormatHash returns the hex-encoded string representation of a hash,
// the canonical form used in metadata, filenames, and logs.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as
// hex strings in CBOR and JSON.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(FormatHash(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("trust: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
