// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"testing"
	"time"
)

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("generating signer: %v", err)
	}
	return signer
}

func TestEnvelopeSignVerify(t *testing.T) {
	signer := mustSigner(t)
	timestamp := Timestamp{
		Type:    RoleTimestamp,
		Version: 3,
		Expires: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	envelope, err := Seal(&timestamp)
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(signer)

	keys := map[string]PublicKey{signer.ID(): signer.Public()}
	if err := envelope.Verify(keys, 1); err != nil {
		t.Fatalf("verifying: %v", err)
	}

	var decoded Timestamp
	if err := envelope.Decode(&decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if decoded.Version != 3 || decoded.Type != RoleTimestamp {
		t.Fatalf("decoded document %+v does not match original", decoded)
	}
}

func TestEnvelopeEncodeRoundtrip(t *testing.T) {
	signer := mustSigner(t)
	envelope, err := Seal(&Snapshot{Type: RoleSnapshot, Version: 7})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(signer)

	data, err := envelope.Encode()
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}

	keys := map[string]PublicKey{signer.ID(): signer.Public()}
	if err := decoded.Verify(keys, 1); err != nil {
		t.Fatalf("signature did not survive the roundtrip: %v", err)
	}

	header, err := decoded.PeekHeader()
	if err != nil {
		t.Fatalf("peeking header: %v", err)
	}
	if header.Type != RoleSnapshot || header.Version != 7 {
		t.Fatalf("header %+v does not match document", header)
	}
}

func TestEnvelopeThresholdNotMet(t *testing.T) {
	alice := mustSigner(t)
	bob := mustSigner(t)

	envelope, err := Seal(&Timestamp{Type: RoleTimestamp, Version: 1})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(alice)

	keys := map[string]PublicKey{
		alice.ID(): alice.Public(),
		bob.ID():   bob.Public(),
	}
	err = envelope.Verify(keys, 2)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("one signature against threshold 2: got %v, want ErrThresholdNotMet", err)
	}

	envelope.Sign(bob)
	if err := envelope.Verify(keys, 2); err != nil {
		t.Fatalf("two signatures against threshold 2: %v", err)
	}
}

func TestEnvelopeResignReplacesSignature(t *testing.T) {
	signer := mustSigner(t)
	envelope, err := Seal(&Timestamp{Type: RoleTimestamp, Version: 1})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(signer)
	envelope.Sign(signer)

	if len(envelope.Signatures) != 1 {
		t.Fatalf("re-signing with the same key left %d signatures, want 1", len(envelope.Signatures))
	}
}

func TestEnvelopeIgnoresUnknownAndBadSignatures(t *testing.T) {
	signer := mustSigner(t)
	stranger := mustSigner(t)

	envelope, err := Seal(&Timestamp{Type: RoleTimestamp, Version: 1})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(stranger)
	envelope.Signatures = append(envelope.Signatures, Signature{
		KeyID:     signer.ID(),
		Signature: make([]byte, 64),
	})

	keys := map[string]PublicKey{signer.ID(): signer.Public()}
	err = envelope.Verify(keys, 1)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("unknown plus garbage signature: got %v, want ErrThresholdNotMet", err)
	}

	envelope.Sign(signer)
	if err := envelope.Verify(keys, 1); err != nil {
		t.Fatalf("valid signature alongside noise: %v", err)
	}
}

func TestEnvelopeTamperedPayloadFailsVerification(t *testing.T) {
	signer := mustSigner(t)
	envelope, err := Seal(&Timestamp{Type: RoleTimestamp, Version: 2})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	envelope.Sign(signer)

	envelope.Payload[len(envelope.Payload)-1] ^= 0x01

	keys := map[string]PublicKey{signer.ID(): signer.Public()}
	err = envelope.Verify(keys, 1)
	if !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("tampered payload: got %v, want ErrThresholdNotMet", err)
	}
}

func TestRootValidate(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	signer := mustSigner(t)

	root := NewRoot(now.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := root.AddKey(role, signer.Public()); err != nil {
			t.Fatalf("adding key to %s: %v", role, err)
		}
	}
	if err := root.Validate(now); err != nil {
		t.Fatalf("valid root rejected: %v", err)
	}

	if err := root.Validate(now.AddDate(2, 0, 0)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired root: got %v, want ErrExpired", err)
	}

	if err := root.SetThreshold(RoleTimestamp, 2); err != nil {
		t.Fatalf("setting threshold: %v", err)
	}
	if err := root.Validate(now); err == nil {
		t.Fatal("root with unsatisfiable threshold passed validation")
	}
}

func TestRootValidateRejectsUnknownKeyReference(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	signer := mustSigner(t)

	root := NewRoot(now.AddDate(1, 0, 0))
	for _, role := range AllRoles() {
		if err := root.AddKey(role, signer.Public()); err != nil {
			t.Fatalf("adding key: %v", err)
		}
	}
	assignment := root.Roles[RoleSnapshot]
	assignment.KeyIDs = append(assignment.KeyIDs, "deadbeef")
	root.Roles[RoleSnapshot] = assignment

	if err := root.Validate(now); err == nil {
		t.Fatal("root referencing an unlisted key passed validation")
	}
}

func TestMetadataFilename(t *testing.T) {
	if got := MetadataFilename(RoleTimestamp, 9); got != "timestamp.cbor" {
		t.Fatalf("timestamp filename: got %q", got)
	}
	if got := MetadataFilename(RoleRoot, 2); got != "2.root.cbor" {
		t.Fatalf("root filename: got %q", got)
	}
	if got := MetadataFilename(RoleSnapshot, 14); got != "14.snapshot.cbor" {
		t.Fatalf("snapshot filename: got %q", got)
	}
}

func TestPublicKeyIDStable(t *testing.T) {
	signer := mustSigner(t)
	first := signer.Public().ID()
	second := PublicKey{Algorithm: KeyAlgorithmEd25519, Value: signer.Public().Value}.ID()
	if first != second {
		t.Fatalf("key ID not stable: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("key ID %q is not a 32-byte hex digest", first)
	}
}
