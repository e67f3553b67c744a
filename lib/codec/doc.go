// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Caldera's standard CBOR encoding configuration.
//
// The migration engine serializes two kinds of data:
//
//   - Trust metadata payloads (root, targets, snapshot, timestamp).
//     Signatures are computed over the encoded payload bytes, so the
//     encoding must be canonical: the same logical document must always
//     produce identical bytes, or signature verification becomes
//     encoder-dependent.
//   - On-disk records: the settings store file, the migration run
//     record, and sealed signing keys.
//
// Both go through this package. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types encoded by this package carry `cbor` struct tags. Types that
// are also part of a JSON surface (the migration manifest, CLI output)
// carry `json` tags instead; fxamacker/cbor reads them as a fallback,
// so one tag controls naming for both formats.
package codec
