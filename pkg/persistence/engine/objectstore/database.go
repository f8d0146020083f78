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
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

var errClosed = errors.New("database is closed")

// reader is what snapshots and transactions have in common.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// Database is an open goleveldb database.
type Database struct {
	name  string
	ldb   *leveldb.DB
	codec *codec.Codec
	log   *zap.SugaredLogger

	// writeMu serializes read-write transactions.
	writeMu *ctxmutex.CtxMutex

	mu      sync.RWMutex
	catalog *catalog
	closed  bool
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Kind() engine.Kind {
	return engine.KindObjectStore
}

func (db *Database) Version() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.catalog.Version
}

func (db *Database) CollectionNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.catalog.names()
}

func (db *Database) loadCatalog() (*catalog, error) {
	b, err := db.ldb.Get(catalogKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return newCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCatalog(b)
}

func (db *Database) currentCatalog() (*catalog, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errClosed
	}
	return db.catalog, nil
}

// Begin starts a transaction. Read-only transactions read from a snapshot
// and never block; read-write transactions are serialized.
func (db *Database) Begin(ctx context.Context, mode engine.Mode, collections ...string) (engine.Tx, error) {
	cat, err := db.currentCatalog()
	if err != nil {
		return nil, persistence.StorageError("begin", err)
	}

	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		if _, ok := cat.Collections[name]; !ok {
			return nil, fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, name)
		}
		scope[name] = struct{}{}
	}

	if mode == engine.ReadOnly {
		snap, err := db.ldb.GetSnapshot()
		if err != nil {
			return nil, persistence.StorageError("snapshot", err)
		}
		return &txn{db: db, mode: mode, r: snap, snap: snap, cat: cat, scope: scope}, nil
	}

	if err := db.lockWrites(ctx); err != nil {
		return nil, err
	}
	ltx, err := db.ldb.OpenTransaction()
	if err != nil {
		db.writeMu.Unlock()
		return nil, persistence.StorageError("open transaction", err)
	}
	return &txn{db: db, mode: mode, r: ltx, ltx: ltx, cat: cat, scope: scope}, nil
}

// lockWrites takes the write lock, waiting for the running read-write
// transaction when there is one.
func (db *Database) lockWrites(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if db.writeMu.TryLock() {
		return nil
	}
	db.log.Debugw("Waiting for a read-write transaction to finish", "database", db.name)
	return db.writeMu.Lock(ctx)
}

func (db *Database) runUpgrade(ctx context.Context, oldVersion, newVersion string, upgrade engine.UpgradeFunc) error {
	if err := db.lockWrites(ctx); err != nil {
		return err
	}
	ltx, err := db.ldb.OpenTransaction()
	if err != nil {
		db.writeMu.Unlock()
		return persistence.StorageError("open upgrade transaction", err)
	}

	cat, err := db.catalog.clone()
	if err != nil {
		ltx.Discard()
		db.writeMu.Unlock()
		return persistence.StorageError("clone catalog", err)
	}

	tx := &txn{db: db, mode: engine.ReadWrite, r: ltx, ltx: ltx, cat: cat, upgrade: true}
	if upgrade != nil {
		if err := upgrade(ctx, tx, oldVersion, newVersion); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	cat.Version = newVersion
	return tx.Commit()
}

// Close closes the underlying leveldb instance. Open transactions must be
// finished first.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.ldb.Close()
}
