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

package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

var errClosed = errors.New("database is closed")

// Database is an open SQLite database.
type Database struct {
	name  string
	db    *sql.DB
	codec *codec.Codec
	log   *zap.SugaredLogger

	// stmts caches statements prepared on the pool. Statements missing
	// from the cache are prepared on the transaction and warmed into the
	// cache once the connection is free again.
	stmts  *lru.Cache[string, *sql.Stmt]
	warmWg sync.WaitGroup

	mu      sync.RWMutex
	catalog *catalog
	closed  bool
}

func newDatabase(name string, sqlDB *sql.DB, c *codec.Codec, cacheSize int, log *zap.SugaredLogger) (*Database, error) {
	cache, err := lru.NewWithEvict[string, *sql.Stmt](cacheSize, func(_ string, stmt *sql.Stmt) {
		_ = stmt.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &Database{
		name:    name,
		db:      sqlDB,
		codec:   c,
		log:     log,
		stmts:   cache,
		catalog: &catalog{Collections: map[string]*collectionDef{}},
	}, nil
}

func (db *Database) bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapStatements {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return persistence.StorageError("create meta tables", err)
		}
	}
	cat, err := loadCatalog(ctx, db.db)
	if err != nil {
		return persistence.StorageError("load catalog", err)
	}
	db.mu.Lock()
	db.catalog = cat
	db.mu.Unlock()
	return nil
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Kind() engine.Kind {
	return engine.KindSQL
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

func (db *Database) currentCatalog() (*catalog, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errClosed
	}
	return db.catalog, nil
}

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

	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.StorageError("begin", err)
	}
	return &txn{db: db, mode: mode, tx: sqlTx, cat: cat, scope: scope}, nil
}

func (db *Database) runUpgrade(ctx context.Context, oldVersion, newVersion string, upgrade engine.UpgradeFunc) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.StorageError("begin upgrade", err)
	}
	db.mu.RLock()
	cat, err := db.catalog.clone()
	db.mu.RUnlock()
	if err != nil {
		_ = sqlTx.Rollback()
		return persistence.StorageError("clone catalog", err)
	}

	t := &txn{db: db, mode: engine.ReadWrite, tx: sqlTx, cat: cat, upgrade: true}
	if upgrade != nil {
		if err := upgrade(ctx, t, oldVersion, newVersion); err != nil {
			_ = t.Rollback()
			return err
		}
	}
	cat.Version = newVersion
	return t.Commit()
}

// stmt returns a statement for query bound to tx. A cache miss prepares on
// the transaction and schedules the query for warming.
func (db *Database) stmt(ctx context.Context, t *txn, query string) (*sql.Stmt, error) {
	if s, ok := db.stmts.Get(query); ok {
		return t.tx.StmtContext(ctx, s), nil
	}
	s, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	if !t.upgrade {
		t.missed = append(t.missed, query)
	}
	return s, nil
}

// warm prepares queries on the pool in the background. It waits for the
// single connection, so it must not run while the caller holds a
// transaction.
func (db *Database) warm(queries []string) {
	if len(queries) == 0 {
		return
	}
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return
	}
	db.warmWg.Add(1)
	db.mu.RUnlock()

	go func() {
		defer db.warmWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, q := range queries {
			if db.stmts.Contains(q) {
				continue
			}
			s, err := db.db.PrepareContext(ctx, q)
			if err != nil {
				db.log.Debugw("Failed to warm statement", "error", err)
				continue
			}
			if prev, ok, _ := db.stmts.PeekOrAdd(q, s); ok && prev != nil {
				_ = s.Close()
			}
		}
	}()
}

// Close waits for background statement preparation and closes the pool.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.warmWg.Wait()
	db.stmts.Purge()
	return db.db.Close()
}
