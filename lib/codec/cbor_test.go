// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// sampleRecord is a representative internal record using cbor struct
// tags (the convention for purely-internal types).
type sampleRecord struct {
	Name       string `cbor:"name"`
	Generation uint64 `cbor:"generation"`
	Keys       int    `cbor:"keys"`
}

// sampleDualRecord uses json struct tags (the convention for types that
// serve both JSON and CBOR, relying on fxamacker's fallback).
type sampleDualRecord struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Name:       "remove-metadata-keys",
		Generation: 12,
		Keys:       42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	record := sampleRecord{
		Name:       "settings",
		Generation: 7,
		Keys:       3,
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(record)
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("non-deterministic encoding on iteration %d", i)
		}
	}
}

func TestMapKeysSorted(t *testing.T) {
	// Map iteration order is random in Go; deterministic encoding must
	// remove that randomness so signed payloads containing maps are
	// stable.
	value := map[string]int{"zebra": 1, "apple": 2, "mango": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(map[string]int{"mango": 3, "zebra": 1, "apple": 2})
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("map encoding differs between iterations")
		}
	}
}

func TestJSONTagFallback(t *testing.T) {
	original := sampleDualRecord{Version: 2, Name: "manifest"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// Decode into a map to confirm the json tag named the fields.
	var asMap map[string]any
	if err := Unmarshal(data, &asMap); err != nil {
		t.Fatalf("Unmarshal into map: %v", err)
	}
	if _, ok := asMap["version"]; !ok {
		t.Errorf("expected field name from json tag, got keys %v", asMap)
	}

	var decoded sampleDualRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestRawMessagePreservesBytes(t *testing.T) {
	inner, err := Marshal(sampleRecord{Name: "payload", Generation: 1, Keys: 9})
	if err != nil {
		t.Fatalf("Marshal inner: %v", err)
	}

	type envelope struct {
		Payload RawMessage `cbor:"payload"`
	}

	data, err := Marshal(envelope{Payload: RawMessage(inner)})
	if err != nil {
		t.Fatalf("Marshal envelope: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if !bytes.Equal([]byte(decoded.Payload), inner) {
		t.Error("RawMessage did not preserve payload bytes through the envelope")
	}
}
