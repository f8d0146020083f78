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

package engine

import (
	"fmt"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

// KeyRange bounds a cursor. A nil bound is unbounded. A nil *KeyRange
// covers everything.
type KeyRange struct {
	Lower     any
	Upper     any
	LowerOpen bool
	UpperOpen bool
}

// Only matches exactly one key.
func Only(v any) *KeyRange {
	return &KeyRange{Lower: v, Upper: v}
}

// Bound is the inclusive range [lower, upper].
func Bound(lower, upper any) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper}
}

// LowerBound is [lower, +inf).
func LowerBound(lower any) *KeyRange {
	return &KeyRange{Lower: lower}
}

// UpperBound is (-inf, upper].
func UpperBound(upper any) *KeyRange {
	return &KeyRange{Upper: upper}
}

// Normalize validates the bounds and converts them to canonical keys.
func (r *KeyRange) Normalize() (*KeyRange, error) {
	if r == nil {
		return nil, nil
	}

	out := *r
	if r.Lower != nil {
		k, err := keys.Normalize(r.Lower)
		if err != nil {
			return nil, fmt.Errorf("lower bound: %w", err)
		}
		out.Lower = k
	}
	if r.Upper != nil {
		k, err := keys.Normalize(r.Upper)
		if err != nil {
			return nil, fmt.Errorf("upper bound: %w", err)
		}
		out.Upper = k
	}
	if out.Lower != nil && out.Upper != nil && keys.Compare(out.Lower, out.Upper) > 0 {
		return nil, fmt.Errorf("%w: lower bound above upper bound", persistence.ErrInvalidKey)
	}
	return &out, nil
}

// Contains reports whether a normalized key lies in the range.
func (r *KeyRange) Contains(k any) bool {
	if r == nil {
		return true
	}
	if r.Lower != nil {
		c := keys.Compare(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := keys.Compare(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// FieldType is the declared type of a record field.
type FieldType string

const (
	FieldAny    FieldType = ""
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBytes  FieldType = "bytes"
	FieldBool   FieldType = "bool"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldAny, FieldString, FieldNumber, FieldBytes, FieldBool:
		return true
	default:
		return false
	}
}

// IndexKey derives the index key of a field value. ok is false when the
// value is missing, is not a valid key, or does not match t.
func (t FieldType) IndexKey(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	k, err := keys.Normalize(v)
	if err != nil {
		return nil, false
	}

	switch t {
	case FieldAny:
		return k, true
	case FieldString:
		_, ok := k.(string)
		return k, ok
	case FieldNumber:
		_, ok := k.(float64)
		return k, ok
	case FieldBytes:
		_, ok := k.([]byte)
		return k, ok
	default:
		return nil, false
	}
}
