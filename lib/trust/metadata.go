// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"fmt"
	"time"

	"github.com/caldera-os/caldera/lib/codec"
)

// Role names the four metadata roles of the hierarchy.
type Role string

const (
	RoleRoot      Role = "root"
	RoleTargets   Role = "targets"
	RoleSnapshot  Role = "snapshot"
	RoleTimestamp Role = "timestamp"
)

// AllRoles lists every role, in verification order from the anchor
// down.
func AllRoles() []Role {
	return []Role{RoleRoot, RoleTimestamp, RoleSnapshot, RoleTargets}
}

// RoleKeys is a root document's key assignment for one role: which
// keys may sign for it and how many distinct valid signatures a
// document needs.
type RoleKeys struct {
	KeyIDs    []string `cbor:"key_ids"`
	Threshold int      `cbor:"threshold"`
}

// Root is the anchor of trust: it enumerates the public keys and
// signature threshold for each of the four roles, and its own
// expiration. Key material lives in Keys, keyed by key ID; Roles
// reference keys by ID so one key may serve several roles.
type Root struct {
	Type    Role                 `cbor:"type"`
	Version uint64               `cbor:"version"`
	Expires time.Time            `cbor:"expires"`
	Keys    map[string]PublicKey `cbor:"keys"`
	Roles   map[Role]RoleKeys    `cbor:"roles"`
}

// TargetMeta declares the exact content of one artifact: the
// target-domain hash of its stored bytes and their length. An artifact
// is trusted only when both match.
type TargetMeta struct {
	Hash   Hash  `cbor:"hash"`
	Length int64 `cbor:"length"`
}

// Targets maps artifact paths (migration binaries and the manifest) to
// their content identity.
type Targets struct {
	Type    Role                  `cbor:"type"`
	Version uint64                `cbor:"version"`
	Expires time.Time             `cbor:"expires"`
	Targets map[string]TargetMeta `cbor:"targets"`
}

// MetaPin pins a child metadata document: its exact version and the
// hash/length of its encoded envelope. Snapshot pins targets;
// timestamp pins snapshot.
type MetaPin struct {
	Version uint64 `cbor:"version"`
	Hash    Hash   `cbor:"hash"`
	Length  int64  `cbor:"length"`
}

// Snapshot pins the targets document currently valid, preventing
// mix-and-match of metadata from different publishes.
type Snapshot struct {
	Type    Role      `cbor:"type"`
	Version uint64    `cbor:"version"`
	Expires time.Time `cbor:"expires"`
	Targets MetaPin   `cbor:"targets"`
}

// Timestamp pins the snapshot document. It has the shortest expiry and
// is refreshed most often, so staleness is detected here first.
type Timestamp struct {
	Type     Role      `cbor:"type"`
	Version  uint64    `cbor:"version"`
	Expires  time.Time `cbor:"expires"`
	Snapshot MetaPin   `cbor:"snapshot"`
}

// KeysForRole resolves the public keys assigned to a role. Key IDs
// listed but absent from Keys are skipped — they cannot contribute
// valid signatures anyway.
func (r *Root) KeysForRole(role Role) (map[string]PublicKey, int, error) {
	assignment, ok := r.Roles[role]
	if !ok {
		return nil, 0, fmt.Errorf("root document assigns no keys to role %q", role)
	}
	keys := make(map[string]PublicKey, len(assignment.KeyIDs))
	for _, keyID := range assignment.KeyIDs {
		if key, ok := r.Keys[keyID]; ok {
			keys[keyID] = key
		}
	}
	return keys, assignment.Threshold, nil
}

// Validate checks the root document's self-consistency: every role
// keyed with a satisfiable threshold, and the document unexpired. A
// root must pass before any dependent metadata can be created or
// verified against it.
func (r *Root) Validate(now time.Time) error {
	if r.Type != RoleRoot {
		return fmt.Errorf("document type is %q, want %q", r.Type, RoleRoot)
	}
	if r.Version < 1 {
		return fmt.Errorf("root version %d is invalid", r.Version)
	}
	if !now.Before(r.Expires) {
		return fmt.Errorf("%w: root expired %s", ErrExpired, r.Expires.UTC().Format(time.RFC3339))
	}
	for _, role := range AllRoles() {
		assignment, ok := r.Roles[role]
		if !ok {
			return fmt.Errorf("role %q has no key assignment", role)
		}
		if assignment.Threshold < 1 {
			return fmt.Errorf("role %q threshold %d is invalid", role, assignment.Threshold)
		}
		available := 0
		for _, keyID := range assignment.KeyIDs {
			key, ok := r.Keys[keyID]
			if !ok {
				return fmt.Errorf("role %q references unknown key %s", role, keyID)
			}
			if key.ID() != keyID {
				return fmt.Errorf("key listed as %s has actual ID %s", keyID, key.ID())
			}
			available++
		}
		if available < assignment.Threshold {
			return fmt.Errorf("role %q has %d keys but threshold %d", role, available, assignment.Threshold)
		}
	}
	return nil
}

// Signature is one detached signature over an envelope's payload
// bytes, attributed to a key by ID.
type Signature struct {
	KeyID     string `cbor:"key_id"`
	Signature []byte `cbor:"signature"`
}

// Envelope wraps a metadata document: the exact deterministic-CBOR
// payload bytes plus the signatures over them. The payload is carried
// raw so decode/re-encode can never perturb the signed bytes.
type Envelope struct {
	Payload    codec.RawMessage `cbor:"payload"`
	Signatures []Signature      `cbor:"signatures"`
}

// Seal encodes a metadata document into a fresh, unsigned envelope.
func Seal(document any) (*Envelope, error) {
	payload, err := codec.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata payload: %w", err)
	}
	return &Envelope{Payload: codec.RawMessage(payload)}, nil
}

// Sign adds the signer's signature over the payload bytes. Signing
// twice with the same key replaces the earlier signature, so
// countersigning workflows can re-run safely.
func (e *Envelope) Sign(signer *Signer) {
	signature := Signature{KeyID: signer.ID(), Signature: signer.sign(e.Payload)}
	for i := range e.Signatures {
		if e.Signatures[i].KeyID == signer.ID() {
			e.Signatures[i] = signature
			return
		}
	}
	e.Signatures = append(e.Signatures, signature)
}

// Verify checks that the payload carries at least threshold valid
// signatures from distinct keys in the given set. Signatures from
// unknown keys or failing verification are ignored, not fatal — the
// question is only whether enough valid ones exist.
func (e *Envelope) Verify(keys map[string]PublicKey, threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold %d is invalid", ErrThresholdNotMet, threshold)
	}
	seen := make(map[string]bool)
	valid := 0
	for _, signature := range e.Signatures {
		if seen[signature.KeyID] {
			continue
		}
		key, ok := keys[signature.KeyID]
		if !ok {
			continue
		}
		if key.Verify(e.Payload, signature.Signature) != nil {
			continue
		}
		seen[signature.KeyID] = true
		valid++
	}
	if valid < threshold {
		return fmt.Errorf("%w: %d valid of %d required", ErrThresholdNotMet, valid, threshold)
	}
	return nil
}

// Decode unmarshals the payload into a metadata document.
func (e *Envelope) Decode(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding metadata payload: %w", err)
	}
	return nil
}

// Encode serializes the envelope for storage or transport.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an encoded envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding metadata envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("metadata envelope has no payload")
	}
	return &envelope, nil
}

// Header is the subset of fields shared by every metadata document,
// used to peek at a payload's role and version before full decoding.
type Header struct {
	Type    Role      `cbor:"type"`
	Version uint64    `cbor:"version"`
	Expires time.Time `cbor:"expires"`
}

// PeekHeader decodes only the common header fields of the payload.
func (e *Envelope) PeekHeader() (Header, error) {
	var h Header
	if err := codec.Unmarshal(e.Payload, &h); err != nil {
		return Header{}, fmt.Errorf("decoding metadata header: %w", err)
	}
	return h, nil
}

// MetadataFilename returns the repository filename for a role document
// at a version. Timestamp is unversioned — it is the mutable entry
// point clients poll; everything else is immutable and
// version-prefixed (consistent snapshot naming).
func MetadataFilename(role Role, version uint64) string {
	if role == RoleTimestamp {
		return "timestamp.cbor"
	}
	return fmt.Sprintf("%d.%s.cbor", version, role)
}
