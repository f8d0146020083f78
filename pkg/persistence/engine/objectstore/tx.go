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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

var (
	errTxDone   = errors.New("transaction already finished")
	errReadOnly = errors.New("write in read-only transaction")
	errNoSchema = errors.New("schema changes are only allowed during an upgrade")
)

type txn struct {
	db      *Database
	mode    engine.Mode
	r       reader
	ltx     *leveldb.Transaction
	snap    *leveldb.Snapshot
	cat     *catalog
	scope   map[string]struct{}
	upgrade bool

	mu   sync.Mutex
	done bool
}

func (t *txn) Mode() engine.Mode {
	return t.mode
}

func (t *txn) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *txn) checkWrite() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.mode != engine.ReadWrite {
		return errReadOnly
	}
	return nil
}

func (t *txn) Collection(name string) (engine.Collection, error) {
	if err := t.checkOpen(); err != nil {
		return nil, persistence.StorageError("collection", err)
	}
	if len(t.scope) > 0 {
		if _, ok := t.scope[name]; !ok {
			return nil, fmt.Errorf("%w: collection %q is not in the transaction scope", persistence.ErrNotFound, name)
		}
	}
	meta, ok := t.cat.Collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, name)
	}
	return &collection{tx: t, name: name, meta: meta}, nil
}

func (t *txn) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Commit makes the writes visible. Upgrade transactions also persist the
// catalog and publish it to new transactions.
func (t *txn) Commit() error {
	if !t.finish() {
		return persistence.StorageError("commit", errTxDone)
	}
	if t.snap != nil {
		t.snap.Release()
		return nil
	}
	defer t.db.writeMu.Unlock()

	if t.upgrade {
		b, err := t.cat.encode()
		if err != nil {
			t.ltx.Discard()
			return persistence.StorageError("encode catalog", err)
		}
		if err := t.ltx.Put(catalogKey, b, nil); err != nil {
			t.ltx.Discard()
			return persistence.StorageError("write catalog", err)
		}
	}

	if err := t.ltx.Commit(); err != nil {
		t.ltx.Discard()
		return persistence.StorageError("commit", err)
	}

	if t.upgrade {
		t.db.mu.Lock()
		t.db.catalog = t.cat
		t.db.mu.Unlock()
	}
	return nil
}

// Rollback discards the writes. Calling it after Commit is a no-op.
func (t *txn) Rollback() error {
	if !t.finish() {
		return nil
	}
	if t.snap != nil {
		t.snap.Release()
		return nil
	}
	t.ltx.Discard()
	t.db.writeMu.Unlock()
	return nil
}

func (t *txn) CollectionNames() []string {
	return t.cat.names()
}

func (t *txn) CreateCollection(name string, opts engine.CollectionOptions) (engine.Collection, error) {
	if !t.upgrade {
		return nil, persistence.StorageError("create collection", errNoSchema)
	}
	if err := t.checkWrite(); err != nil {
		return nil, persistence.StorageError("create collection", err)
	}
	if _, ok := t.cat.Collections[name]; ok {
		return nil, fmt.Errorf("%w: collection %q already exists", persistence.ErrConstraint, name)
	}

	if opts.KeyPath == "" {
		opts.KeyPath = persistence.DefaultIDProperty
	}
	meta := &collectionMeta{
		ID:            t.cat.NextID,
		KeyPath:       opts.KeyPath,
		AutoIncrement: opts.AutoIncrement,
		Indexes:       map[string]indexMeta{},
		NextIndexID:   1,
	}
	t.cat.NextID++
	t.cat.Collections[name] = meta

	t.db.log.Debugw("Created collection", "collection", name, "keyPath", opts.KeyPath, "autoIncrement", opts.AutoIncrement)
	return &collection{tx: t, name: name, meta: meta}, nil
}

func (t *txn) DeleteCollection(name string) error {
	if !t.upgrade {
		return persistence.StorageError("delete collection", errNoSchema)
	}
	if err := t.checkWrite(); err != nil {
		return persistence.StorageError("delete collection", err)
	}
	meta, ok := t.cat.Collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, name)
	}

	for _, prefix := range [][]byte{recordPrefix(meta.ID), collectionIndexPrefix(meta.ID)} {
		if err := t.deletePrefix(prefix); err != nil {
			return persistence.StorageError("delete collection", err)
		}
	}
	if err := t.ltx.Delete(generatorKey(meta.ID), nil); err != nil {
		return persistence.StorageError("delete collection", err)
	}
	delete(t.cat.Collections, name)
	return nil
}

func (t *txn) Indexes(collectionName string) ([]engine.IndexInfo, error) {
	meta, ok := t.cat.Collections[collectionName]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	out := make([]engine.IndexInfo, 0, len(meta.Indexes))
	for name, im := range meta.Indexes {
		out = append(out, engine.IndexInfo{
			Name: name,
			IndexOptions: engine.IndexOptions{
				FieldPath: im.FieldPath,
				Unique:    im.Unique,
				Type:      im.Type,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateIndex adds an index and fills it from the existing records.
func (t *txn) CreateIndex(collectionName, name string, opts engine.IndexOptions) error {
	if !t.upgrade {
		return persistence.StorageError("create index", errNoSchema)
	}
	if err := t.checkWrite(); err != nil {
		return persistence.StorageError("create index", err)
	}
	meta, ok := t.cat.Collections[collectionName]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	if _, exists := meta.Indexes[name]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", persistence.ErrConstraint, name, collectionName)
	}

	im := indexMeta{ID: meta.NextIndexID, FieldPath: opts.FieldPath, Unique: opts.Unique, Type: opts.Type}
	meta.NextIndexID++

	c := &collection{tx: t, name: collectionName, meta: meta}
	if err := c.backfill(im); err != nil {
		return err
	}
	meta.Indexes[name] = im

	t.db.log.Debugw("Created index", "collection", collectionName, "index", name, "fieldPath", opts.FieldPath, "unique", opts.Unique)
	return nil
}

func (t *txn) DeleteIndex(collectionName, name string) error {
	if !t.upgrade {
		return persistence.StorageError("delete index", errNoSchema)
	}
	if err := t.checkWrite(); err != nil {
		return persistence.StorageError("delete index", err)
	}
	meta, ok := t.cat.Collections[collectionName]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	im, ok := meta.Indexes[name]
	if !ok {
		return fmt.Errorf("%w: index %q does not exist on %q", persistence.ErrNotFound, name, collectionName)
	}
	if err := t.deletePrefix(indexPrefix(meta.ID, im.ID)); err != nil {
		return persistence.StorageError("delete index", err)
	}
	delete(meta.Indexes, name)

	t.db.log.Debugw("Deleted index", "collection", collectionName, "index", name)
	return nil
}

// deletePrefix removes every key under prefix. Keys are collected before
// deleting so the iterator never observes its own deletes.
func (t *txn) deletePrefix(prefix []byte) error {
	it := t.r.NewIterator(util.BytesPrefix(prefix), nil)
	var doomed [][]byte
	for it.Next() {
		doomed = append(doomed, append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range doomed {
		if err := t.ltx.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}
