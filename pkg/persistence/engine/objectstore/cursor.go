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
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/iterator"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

// cursor walks a leveldb iterator over record keys or index entries.
type cursor struct {
	ctx       context.Context
	c         *collection
	it        iterator.Iterator
	dir       engine.Direction
	prefixLen int
	isIndex   bool

	started bool
	closed  bool
	key     any
	pk      any
	value   map[string]any
	err     error
}

func newCursor(ctx context.Context, c *collection, it iterator.Iterator, dir engine.Direction, prefixLen int, isIndex bool) *cursor {
	return &cursor{ctx: ctx, c: c, it: it, dir: dir, prefixLen: prefixLen, isIndex: isIndex}
}

func (cur *cursor) step() bool {
	if !cur.started {
		cur.started = true
		if cur.dir == engine.Prev {
			return cur.it.Last()
		}
		return cur.it.First()
	}
	if cur.dir == engine.Prev {
		return cur.it.Prev()
	}
	return cur.it.Next()
}

func (cur *cursor) Next() bool {
	if cur.closed || cur.err != nil {
		return false
	}
	if err := cur.ctx.Err(); err != nil {
		cur.err = err
		return false
	}
	if !cur.step() {
		cur.err = cur.it.Error()
		return false
	}

	raw := cur.it.Key()[cur.prefixLen:]
	k, rest, err := keys.Decode(raw)
	if err != nil {
		cur.err = persistence.StorageError("decode key", err)
		return false
	}
	cur.key = k

	if !cur.isIndex {
		cur.pk = k
		cur.value, err = cur.c.tx.db.codec.Decode(cur.it.Value())
		if err != nil {
			cur.err = persistence.StorageError("decode record", err)
			return false
		}
		return true
	}

	cur.pk, _, err = keys.Decode(rest)
	if err != nil {
		cur.err = persistence.StorageError("decode index entry", err)
		return false
	}
	stored, err := cur.c.getRaw(cur.pk)
	if err != nil {
		cur.err = persistence.StorageError("load record", err)
		return false
	}
	if stored == nil {
		cur.err = persistence.StorageError("load record", fmt.Errorf("dangling index entry for key %v", cur.pk))
		return false
	}
	cur.value, err = cur.c.tx.db.codec.Decode(stored)
	if err != nil {
		cur.err = persistence.StorageError("decode record", err)
		return false
	}
	return true
}

func (cur *cursor) Key() any {
	return cur.key
}

func (cur *cursor) PrimaryKey() any {
	return cur.pk
}

func (cur *cursor) Value() map[string]any {
	return cur.value
}

func (cur *cursor) Err() error {
	return cur.err
}

func (cur *cursor) Close() error {
	if cur.closed {
		return nil
	}
	cur.closed = true
	cur.it.Release()
	return nil
}
