// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec serializes raw records for storage. Values are JSON,
// optionally zstd-compressed, behind a one-byte format marker.
package codec

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how encoded records are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

const (
	formatJSON     byte = 0x00
	formatJSONZstd byte = 0x01
)

// Codec encodes and decodes raw records. It is safe for concurrent use.
type Codec struct {
	compression Compression
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

// New returns a codec. An empty compression means none.
func New(compression Compression) (*Codec, error) {
	switch compression {
	case "", CompressionNone:
		return &Codec{compression: CompressionNone}, nil
	case CompressionZstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		return &Codec{compression: CompressionZstd}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

// Encode serializes data.
func (c *Codec) Encode(data map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	if c.compression == CompressionZstd {
		out := make([]byte, 1, len(raw)/2+1)
		out[0] = formatJSONZstd
		return zstdEncoder.EncodeAll(raw, out), nil
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, formatJSON)
	return append(out, raw...), nil
}

// Decode reads a value written by any codec configuration.
func (c *Codec) Decode(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty record value")
	}

	payload := b[1:]
	switch b[0] {
	case formatJSON:
	case formatJSONZstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress record: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown record format 0x%02x", b[0])
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return data, nil
}
