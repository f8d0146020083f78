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

// Package keys defines which values can be primary or index keys and how
// they order. Numbers sort before strings, strings before binary. Within a
// type, numbers order numerically and strings and binary order bytewise.
//
// Encode produces a byte string whose lexical order matches Compare, so
// ordered key/value engines can store keys directly.
package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
)

const (
	tagNumber byte = 0x10
	tagString byte = 0x20
	tagBytes  byte = 0x30

	escape     byte = 0x00
	escapedNul byte = 0xFF
	terminator byte = 0x01
)

// Normalize converts a key into its canonical form: float64, string or
// []byte. Anything else, and NaN, is rejected with persistence.ErrInvalidKey.
func Normalize(v any) (any, error) {
	switch k := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", persistence.ErrInvalidKey)
	case float64:
		if math.IsNaN(k) {
			return nil, fmt.Errorf("%w: NaN", persistence.ErrInvalidKey)
		}
		return k, nil
	case float32:
		return Normalize(float64(k))
	case int:
		return float64(k), nil
	case int8:
		return float64(k), nil
	case int16:
		return float64(k), nil
	case int32:
		return float64(k), nil
	case int64:
		return float64(k), nil
	case uint:
		return float64(k), nil
	case uint8:
		return float64(k), nil
	case uint16:
		return float64(k), nil
	case uint32:
		return float64(k), nil
	case uint64:
		return float64(k), nil
	case string:
		return k, nil
	case []byte:
		return append([]byte(nil), k...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", persistence.ErrInvalidKey, v)
	}
}

func rank(v any) int {
	switch v.(type) {
	case float64:
		return 0
	case string:
		return 1
	default:
		return 2
	}
}

// Compare orders two normalized keys. It returns -1, 0 or 1.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	default:
		return bytes.Compare(a.([]byte), b.([]byte))
	}
}

// Encode appends the order-preserving encoding of a key to dst.
func Encode(dst []byte, key any) ([]byte, error) {
	k, err := Normalize(key)
	if err != nil {
		return nil, err
	}

	switch v := k.(type) {
	case float64:
		bits := math.Float64bits(v)
		if v == 0 {
			bits = 0
		}
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = append(dst, tagNumber)
		return binary.BigEndian.AppendUint64(dst, bits), nil
	case string:
		return appendEscaped(append(dst, tagString), []byte(v)), nil
	default:
		return appendEscaped(append(dst, tagBytes), v.([]byte)), nil
	}
}

// MustEncode is Encode for keys already known to be valid.
func MustEncode(key any) []byte {
	b, err := Encode(nil, key)
	if err != nil {
		panic(err)
	}
	return b
}

func appendEscaped(dst, src []byte) []byte {
	for _, c := range src {
		if c == escape {
			dst = append(dst, escape, escapedNul)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escape, terminator)
}

var errTruncated = errors.New("truncated key encoding")

// Decode reads one encoded key from the front of b and returns it with the
// remaining bytes.
func Decode(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errTruncated
	}

	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, errTruncated
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	case tagString, tagBytes:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		if b[0] == tagString {
			return string(raw), rest, nil
		}
		return raw, rest, nil
	default:
		return nil, nil, fmt.Errorf("unknown key tag 0x%02x", b[0])
	}
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escape {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errTruncated
		}
		switch b[i+1] {
		case terminator:
			return out, b[i+2:], nil
		case escapedNul:
			out = append(out, escape)
			i++
		default:
			return nil, nil, fmt.Errorf("bad escape 0x%02x", b[i+1])
		}
	}
	return nil, nil, errTruncated
}

// Extract reads a possibly dotted field path from raw record data.
func Extract(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}

	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Inject writes value at a possibly dotted field path, creating
// intermediate maps.
func Inject(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// String renders a value the way the contains search sees it.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
