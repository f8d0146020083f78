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

package objectstore

import (
	"encoding/binary"
	"sort"

	"github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

// Key layout:
//
//	0x00 "catalog"                          -> catalog JSON
//	0x00 "k" collID                         -> key generator (float64 bits)
//	0x01 collID enc(pk)                     -> record
//	0x02 collID idxID enc(indexKey) enc(pk) -> empty
//
// enc is the order-preserving encoding of package keys, so iteration order
// matches key order.
const (
	prefixMeta   byte = 0x00
	prefixRecord byte = 0x01
	prefixIndex  byte = 0x02

	// upperSentinel sorts after every encoded key tag.
	upperSentinel byte = 0xFF
)

var catalogKey = []byte{prefixMeta, 'c', 'a', 't', 'a', 'l', 'o', 'g'}

type indexMeta struct {
	ID        uint32           `json:"id"`
	FieldPath string           `json:"fieldPath"`
	Unique    bool             `json:"unique"`
	Type      engine.FieldType `json:"type,omitempty"`
}

type collectionMeta struct {
	ID            uint32               `json:"id"`
	KeyPath       string               `json:"keyPath"`
	AutoIncrement bool                 `json:"autoIncrement"`
	Indexes       map[string]indexMeta `json:"indexes"`
	NextIndexID   uint32               `json:"nextIndexId"`
}

// catalog is the persisted schema of one database.
type catalog struct {
	Version     string                     `json:"version"`
	NextID      uint32                     `json:"nextId"`
	Collections map[string]*collectionMeta `json:"collections"`
}

func newCatalog() *catalog {
	return &catalog{NextID: 1, Collections: map[string]*collectionMeta{}}
}

func decodeCatalog(b []byte) (*catalog, error) {
	c := newCatalog()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if c.Collections == nil {
		c.Collections = map[string]*collectionMeta{}
	}
	return c, nil
}

func (c *catalog) encode() ([]byte, error) {
	return json.Marshal(c)
}

func (c *catalog) clone() (*catalog, error) {
	out := &catalog{}
	if err := deepcopy.Copy(out, c); err != nil {
		return nil, err
	}
	if out.Collections == nil {
		out.Collections = map[string]*collectionMeta{}
	}
	return out, nil
}

func (c *catalog) names() []string {
	out := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func generatorKey(collID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixMeta, 'k'}, collID)
}

func recordPrefix(collID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixRecord}, collID)
}

func collectionIndexPrefix(collID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefixIndex}, collID)
}

func indexPrefix(collID, idxID uint32) []byte {
	return binary.BigEndian.AppendUint32(collectionIndexPrefix(collID), idxID)
}

func recordKey(collID uint32, pk any) ([]byte, error) {
	return keys.Encode(recordPrefix(collID), pk)
}

func indexEntryKey(collID, idxID uint32, ik, pk any) ([]byte, error) {
	b, err := keys.Encode(indexPrefix(collID, idxID), ik)
	if err != nil {
		return nil, err
	}
	return keys.Encode(b, pk)
}

// rangeFor maps a normalized key range under prefix to a leveldb range.
func rangeFor(prefix []byte, r *engine.KeyRange) (*util.Range, error) {
	rng := util.BytesPrefix(prefix)
	if r == nil {
		return rng, nil
	}

	if r.Lower != nil {
		start, err := keys.Encode(append([]byte(nil), prefix...), r.Lower)
		if err != nil {
			return nil, err
		}
		if r.LowerOpen {
			start = append(start, upperSentinel)
		}
		rng.Start = start
	}
	if r.Upper != nil {
		limit, err := keys.Encode(append([]byte(nil), prefix...), r.Upper)
		if err != nil {
			return nil, err
		}
		if !r.UpperOpen {
			limit = append(limit, upperSentinel)
		}
		rng.Limit = limit
	}
	return rng, nil
}
