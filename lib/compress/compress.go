// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress encodes and decodes migration artifact bytes.
//
// Artifacts are stored compressed in the trust repository; the target
// hash declared in the repository metadata covers the stored
// (compressed) bytes, so the runner verifies first and decompresses
// after. Tags are recorded per migration in the manifest.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression algorithm used for a stored artifact.
// Tag strings appear in manifest documents — changing them breaks
// published manifests.
type Tag string

const (
	// None stores the artifact bytes as-is.
	None Tag = "none"

	// LZ4 is the default for migration binaries: fast decode at boot
	// with a usable ratio on executable data.
	LZ4 Tag = "lz4"

	// Zstd trades decode speed for ratio. Used for large artifacts
	// where download size dominates.
	Zstd Tag = "zstd"
)

// ParseTag validates a tag string from a manifest entry. The empty
// string normalizes to None.
func ParseTag(name string) (Tag, error) {
	switch Tag(name) {
	case "":
		return None, nil
	case None, LZ4, Zstd:
		return Tag(name), nil
	default:
		return "", fmt.Errorf("unknown compression tag %q", name)
	}
}

// zstdEncoder and zstdDecoder are reused across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with the given tag. For None the input is
// returned unchanged (no copy).
func Encode(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil

	case LZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil

	case Zstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %q", tag)
	}
}

// Decode decompresses stored artifact bytes. maxSize bounds the
// decompressed output: artifacts whose metadata passed verification are
// trusted content, but the bound keeps a mis-published artifact from
// exhausting memory on a host mid-update.
func Decode(data []byte, tag Tag, maxSize int64) ([]byte, error) {
	switch tag {
	case None:
		if int64(len(data)) > maxSize {
			return nil, fmt.Errorf("artifact is %d bytes, limit %d", len(data), maxSize)
		}
		return data, nil

	case LZ4:
		reader := lz4.NewReader(bytes.NewReader(data))
		decoded, err := readBounded(reader, maxSize)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return decoded, nil

	case Zstd:
		// A fresh stream decoder per call: the shared zstdDecoder's
		// DecodeAll path has no size bound.
		streamDecoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer streamDecoder.Close()
		decoded, err := readBounded(streamDecoder, maxSize)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %q", tag)
	}
}

// readBounded reads everything from r, failing once the output would
// exceed maxSize.
func readBounded(r io.Reader, maxSize int64) ([]byte, error) {
	limited := io.LimitReader(r, maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("decompressed size exceeds limit of %d bytes", maxSize)
	}
	return data, nil
}
