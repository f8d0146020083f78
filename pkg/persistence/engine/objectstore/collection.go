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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

type collection struct {
	tx   *txn
	name string
	meta *collectionMeta
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Options() engine.CollectionOptions {
	return engine.CollectionOptions{KeyPath: c.meta.KeyPath, AutoIncrement: c.meta.AutoIncrement}
}

func (c *collection) IndexNames() []string {
	out := make([]string, 0, len(c.meta.Indexes))
	for name := range c.meta.Indexes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *collection) Index(name string) (engine.Index, error) {
	im, ok := c.meta.Indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: index %q does not exist on %q", persistence.ErrNotFound, name, c.name)
	}
	return &index{c: c, name: name, meta: im}, nil
}

// getRaw returns the stored bytes of a record, or nil if it does not exist.
func (c *collection) getRaw(pk any) ([]byte, error) {
	k, err := recordKey(c.meta.ID, pk)
	if err != nil {
		return nil, err
	}
	b, err := c.tx.r.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (c *collection) Get(ctx context.Context, key any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.tx.checkOpen(); err != nil {
		return nil, persistence.StorageError("get", err)
	}
	pk, err := keys.Normalize(key)
	if err != nil {
		return nil, err
	}
	b, err := c.getRaw(pk)
	if err != nil {
		return nil, persistence.StorageError("get", err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: key %v in %q", persistence.ErrNotFound, key, c.name)
	}
	v, err := c.tx.db.codec.Decode(b)
	if err != nil {
		return nil, persistence.StorageError("decode", err)
	}
	return v, nil
}

func (c *collection) Add(ctx context.Context, value map[string]any) (any, error) {
	return c.write(ctx, value, false)
}

func (c *collection) Put(ctx context.Context, value map[string]any) (any, error) {
	return c.write(ctx, value, true)
}

func (c *collection) readGenerator() (float64, error) {
	b, err := c.tx.r.Get(generatorKey(c.meta.ID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errors.New("corrupt key generator")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (c *collection) writeGenerator(v float64) error {
	return c.tx.ltx.Put(generatorKey(c.meta.ID), binary.BigEndian.AppendUint64(nil, math.Float64bits(v)), nil)
}

// primaryKey resolves the key of value, generating one for auto-increment
// collections. The generated key is written into value.
func (c *collection) primaryKey(value map[string]any) (any, error) {
	raw, ok := keys.Extract(value, c.meta.KeyPath)
	if !ok || raw == nil {
		if !c.meta.AutoIncrement {
			return nil, fmt.Errorf("%w: record has no value at key path %q", persistence.ErrInvalidKey, c.meta.KeyPath)
		}
		current, err := c.readGenerator()
		if err != nil {
			return nil, err
		}
		next := math.Floor(current) + 1
		if err := c.writeGenerator(next); err != nil {
			return nil, err
		}
		keys.Inject(value, c.meta.KeyPath, next)
		return next, nil
	}

	pk, err := keys.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if n, isNum := pk.(float64); isNum && c.meta.AutoIncrement {
		current, err := c.readGenerator()
		if err != nil {
			return nil, err
		}
		if n > current {
			if err := c.writeGenerator(math.Floor(n)); err != nil {
				return nil, err
			}
		}
	}
	return pk, nil
}

type indexEntry struct {
	name string
	meta indexMeta
	ik   any
	key  []byte
}

func (c *collection) indexEntries(pk any, value map[string]any) ([]indexEntry, error) {
	var out []indexEntry
	for name, im := range c.meta.Indexes {
		field, _ := keys.Extract(value, im.FieldPath)
		ik, ok := im.Type.IndexKey(field)
		if !ok {
			continue
		}
		k, err := indexEntryKey(c.meta.ID, im.ID, ik, pk)
		if err != nil {
			return nil, err
		}
		out = append(out, indexEntry{name: name, meta: im, ik: ik, key: k})
	}
	return out, nil
}

// uniqueConflict reports whether another record already uses ik in a
// unique index.
func (c *collection) uniqueConflict(im indexMeta, ik, pk any) (bool, error) {
	prefix, err := keys.Encode(indexPrefix(c.meta.ID, im.ID), ik)
	if err != nil {
		return false, err
	}
	it := c.tx.r.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		other, _, err := keys.Decode(it.Key()[len(prefix):])
		if err != nil {
			return false, err
		}
		if keys.Compare(other, pk) != 0 {
			return true, nil
		}
	}
	return false, it.Error()
}

func (c *collection) write(ctx context.Context, value map[string]any, overwrite bool) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.tx.checkWrite(); err != nil {
		return nil, persistence.StorageError("write", err)
	}

	value = persistence.CopyData(value)
	pk, err := c.primaryKey(value)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidKey) {
			return nil, err
		}
		return nil, persistence.StorageError("key generator", err)
	}

	existing, err := c.getRaw(pk)
	if err != nil {
		return nil, persistence.StorageError("write", err)
	}
	if existing != nil && !overwrite {
		return nil, fmt.Errorf("%w: key %v already exists in %q", persistence.ErrConstraint, pk, c.name)
	}

	entries, err := c.indexEntries(pk, value)
	if err != nil {
		return nil, persistence.StorageError("index", err)
	}
	for _, e := range entries {
		if !e.meta.Unique {
			continue
		}
		conflict, err := c.uniqueConflict(e.meta, e.ik, pk)
		if err != nil {
			return nil, persistence.StorageError("index", err)
		}
		if conflict {
			return nil, fmt.Errorf("%w: unique index %q already holds %v", persistence.ErrConstraint, e.name, e.ik)
		}
	}

	if existing != nil {
		if err := c.dropIndexEntries(pk, existing); err != nil {
			return nil, persistence.StorageError("index", err)
		}
	}

	encoded, err := c.tx.db.codec.Encode(value)
	if err != nil {
		return nil, persistence.StorageError("encode", err)
	}
	rk, err := recordKey(c.meta.ID, pk)
	if err != nil {
		return nil, err
	}
	if err := c.tx.ltx.Put(rk, encoded, nil); err != nil {
		return nil, persistence.StorageError("put", err)
	}
	for _, e := range entries {
		if err := c.tx.ltx.Put(e.key, nil, nil); err != nil {
			return nil, persistence.StorageError("index", err)
		}
	}
	return pk, nil
}

func (c *collection) dropIndexEntries(pk any, stored []byte) error {
	old, err := c.tx.db.codec.Decode(stored)
	if err != nil {
		return err
	}
	entries, err := c.indexEntries(pk, old)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.tx.ltx.Delete(e.key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *collection) Delete(ctx context.Context, key any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.tx.checkWrite(); err != nil {
		return persistence.StorageError("delete", err)
	}
	pk, err := keys.Normalize(key)
	if err != nil {
		return err
	}
	stored, err := c.getRaw(pk)
	if err != nil {
		return persistence.StorageError("delete", err)
	}
	if stored == nil {
		return nil
	}
	if err := c.dropIndexEntries(pk, stored); err != nil {
		return persistence.StorageError("delete", err)
	}
	rk, err := recordKey(c.meta.ID, pk)
	if err != nil {
		return err
	}
	if err := c.tx.ltx.Delete(rk, nil); err != nil {
		return persistence.StorageError("delete", err)
	}
	return nil
}

// Clear removes every record and index entry. The key generator keeps its
// value.
func (c *collection) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.tx.checkWrite(); err != nil {
		return persistence.StorageError("clear", err)
	}
	for _, prefix := range [][]byte{recordPrefix(c.meta.ID), collectionIndexPrefix(c.meta.ID)} {
		if err := c.tx.deletePrefix(prefix); err != nil {
			return persistence.StorageError("clear", err)
		}
	}
	return nil
}

func (c *collection) Count(ctx context.Context, r *engine.KeyRange) (int, error) {
	cur, err := c.OpenCursor(ctx, r, engine.Next)
	if err != nil {
		return 0, err
	}
	return countCursor(cur)
}

func (c *collection) OpenCursor(ctx context.Context, r *engine.KeyRange, dir engine.Direction) (engine.Cursor, error) {
	if err := c.tx.checkOpen(); err != nil {
		return nil, persistence.StorageError("cursor", err)
	}
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}
	prefix := recordPrefix(c.meta.ID)
	rng, err := rangeFor(prefix, nr)
	if err != nil {
		return nil, err
	}
	return newCursor(ctx, c, c.tx.r.NewIterator(rng, nil), dir, len(prefix), false), nil
}

// backfill writes entries of a new index for every existing record.
func (c *collection) backfill(im indexMeta) error {
	it := c.tx.r.NewIterator(util.BytesPrefix(recordPrefix(c.meta.ID)), nil)
	defer it.Release()

	prefixLen := len(recordPrefix(c.meta.ID))
	seen := map[string]struct{}{}
	var pending [][]byte

	for it.Next() {
		pk, _, err := keys.Decode(it.Key()[prefixLen:])
		if err != nil {
			return persistence.StorageError("backfill", err)
		}
		value, err := c.tx.db.codec.Decode(it.Value())
		if err != nil {
			return persistence.StorageError("backfill", err)
		}
		field, _ := keys.Extract(value, im.FieldPath)
		ik, ok := im.Type.IndexKey(field)
		if !ok {
			continue
		}
		if im.Unique {
			enc := string(keys.MustEncode(ik))
			if _, dup := seen[enc]; dup {
				return fmt.Errorf("%w: existing records violate unique index on %q", persistence.ErrConstraint, im.FieldPath)
			}
			seen[enc] = struct{}{}
		}
		k, err := indexEntryKey(c.meta.ID, im.ID, ik, pk)
		if err != nil {
			return persistence.StorageError("backfill", err)
		}
		pending = append(pending, k)
	}
	if err := it.Error(); err != nil {
		return persistence.StorageError("backfill", err)
	}

	for _, k := range pending {
		if err := c.tx.ltx.Put(k, nil, nil); err != nil {
			return persistence.StorageError("backfill", err)
		}
	}
	return nil
}

type index struct {
	c    *collection
	name string
	meta indexMeta
}

func (i *index) Name() string {
	return i.name
}

func (i *index) Options() engine.IndexOptions {
	return engine.IndexOptions{FieldPath: i.meta.FieldPath, Unique: i.meta.Unique, Type: i.meta.Type}
}

func (i *index) Get(ctx context.Context, key any) (any, map[string]any, error) {
	cur, err := i.OpenCursor(ctx, engine.Only(key), engine.Next)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close()

	if cur.Next() {
		return cur.PrimaryKey(), cur.Value(), nil
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%w: %v in index %q", persistence.ErrNotFound, key, i.name)
}

func (i *index) Count(ctx context.Context, r *engine.KeyRange) (int, error) {
	cur, err := i.OpenCursor(ctx, r, engine.Next)
	if err != nil {
		return 0, err
	}
	return countCursor(cur)
}

func (i *index) OpenCursor(ctx context.Context, r *engine.KeyRange, dir engine.Direction) (engine.Cursor, error) {
	if err := i.c.tx.checkOpen(); err != nil {
		return nil, persistence.StorageError("cursor", err)
	}
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}
	prefix := indexPrefix(i.c.meta.ID, i.meta.ID)
	rng, err := rangeFor(prefix, nr)
	if err != nil {
		return nil, err
	}
	return newCursor(ctx, i.c, i.c.tx.r.NewIterator(rng, nil), dir, len(prefix), true), nil
}

func countCursor(cur engine.Cursor) (int, error) {
	defer cur.Close()
	n := 0
	for cur.Next() {
		n++
	}
	return n, cur.Err()
}
