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
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

var (
	errTxDone   = errors.New("transaction already finished")
	errReadOnly = errors.New("write in read-only transaction")
	errNoSchema = errors.New("schema changes are only allowed during an upgrade")
)

type txn struct {
	db      *Database
	mode    engine.Mode
	tx      *sql.Tx
	cat     *catalog
	scope   map[string]struct{}
	upgrade bool

	mu     sync.Mutex
	done   bool
	missed []string
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

func (t *txn) finish() ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, false
	}
	t.done = true
	return t.missed, true
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
	def, ok := t.cat.Collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, name)
	}
	return &collection{tx: t, def: def}, nil
}

func (t *txn) Commit() error {
	missed, ok := t.finish()
	if !ok {
		return persistence.StorageError("commit", errTxDone)
	}

	if t.upgrade {
		if _, err := t.tx.Exec(
			`INSERT INTO `+metaTable+` (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			versionKey, t.cat.Version,
		); err != nil {
			_ = t.tx.Rollback()
			return persistence.StorageError("write version", err)
		}
	}

	if err := t.tx.Commit(); err != nil {
		return persistence.StorageError("commit", err)
	}

	if t.upgrade {
		// Cached statements may reference dropped tables or columns.
		t.db.stmts.Purge()
		t.db.mu.Lock()
		t.db.catalog = t.cat
		t.db.mu.Unlock()
		return nil
	}
	t.db.warm(missed)
	return nil
}

func (t *txn) Rollback() error {
	missed, ok := t.finish()
	if !ok {
		return nil
	}
	err := t.tx.Rollback()
	if !t.upgrade {
		t.db.warm(missed)
	}
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return persistence.StorageError("rollback", err)
	}
	return nil
}

func (t *txn) CollectionNames() []string {
	return t.cat.names()
}

func (t *txn) schemaWrite(op string) error {
	if !t.upgrade {
		return persistence.StorageError(op, errNoSchema)
	}
	if err := t.checkWrite(); err != nil {
		return persistence.StorageError(op, err)
	}
	return nil
}

func (t *txn) CreateCollection(name string, opts engine.CollectionOptions) (engine.Collection, error) {
	if err := t.schemaWrite("create collection"); err != nil {
		return nil, err
	}
	if _, ok := t.cat.Collections[name]; ok {
		return nil, fmt.Errorf("%w: collection %q already exists", persistence.ErrConstraint, name)
	}
	if opts.KeyPath == "" {
		opts.KeyPath = persistence.DefaultIDProperty
	}

	def := &collectionDef{
		Name:          name,
		Table:         tableName(name),
		KeyPath:       opts.KeyPath,
		AutoIncrement: opts.AutoIncrement,
		Indexes:       map[string]*indexDef{},
	}

	// The key column has no declared type so SQLite keeps numbers, text
	// and blobs apart and orders them numbers < text < blobs.
	ddl := fmt.Sprintf(`CREATE TABLE %s (pk NOT NULL PRIMARY KEY, data BLOB NOT NULL) WITHOUT ROWID`, quote(def.Table))
	if _, err := t.tx.Exec(ddl); err != nil {
		return nil, persistence.StorageError("create collection "+name, err)
	}
	if _, err := t.tx.Exec(
		`INSERT INTO `+collectionsTable+` (name, tbl, key_path, auto_increment) VALUES (?, ?, ?, ?)`,
		name, def.Table, def.KeyPath, def.AutoIncrement,
	); err != nil {
		return nil, persistence.StorageError("create collection "+name, err)
	}
	t.cat.Collections[name] = def

	t.db.log.Debugw("Created collection", "collection", name, "table", def.Table, "keyPath", def.KeyPath)
	return &collection{tx: t, def: def}, nil
}

func (t *txn) DeleteCollection(name string) error {
	if err := t.schemaWrite("delete collection"); err != nil {
		return err
	}
	def, ok := t.cat.Collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, name)
	}
	for _, stmt := range []struct {
		q    string
		args []any
	}{
		{q: `DROP TABLE ` + quote(def.Table)},
		{q: `DELETE FROM ` + indexesTable + ` WHERE collection = ?`, args: []any{name}},
		{q: `DELETE FROM ` + collectionsTable + ` WHERE name = ?`, args: []any{name}},
	} {
		if _, err := t.tx.Exec(stmt.q, stmt.args...); err != nil {
			return persistence.StorageError("delete collection "+name, err)
		}
	}
	delete(t.cat.Collections, name)
	return nil
}

func (t *txn) Indexes(collectionName string) ([]engine.IndexInfo, error) {
	def, ok := t.cat.Collections[collectionName]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	out := make([]engine.IndexInfo, 0, len(def.Indexes))
	for _, idx := range def.Indexes {
		out = append(out, engine.IndexInfo{
			Name:         idx.Name,
			IndexOptions: engine.IndexOptions{FieldPath: idx.FieldPath, Unique: idx.Unique, Type: idx.Type},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateIndex adds a column for the index, fills it from the stored
// records and creates the SQL index over it.
func (t *txn) CreateIndex(collectionName, name string, opts engine.IndexOptions) error {
	if err := t.schemaWrite("create index"); err != nil {
		return err
	}
	def, ok := t.cat.Collections[collectionName]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	if _, exists := def.Indexes[name]; exists {
		return fmt.Errorf("%w: index %q already exists on %q", persistence.ErrConstraint, name, collectionName)
	}

	idx := &indexDef{
		Name:      name,
		FieldPath: opts.FieldPath,
		Unique:    opts.Unique,
		Type:      opts.Type,
		Column:    columnName(collectionName, name),
		Physical:  physicalIndexName(collectionName, name),
	}

	table := quote(def.Table)
	col := quote(idx.Column)
	if _, err := t.tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col, columnType(idx.Type))); err != nil {
		return persistence.StorageError("create index "+name, err)
	}
	if err := t.backfill(def, idx); err != nil {
		return err
	}

	var ddl string
	if idx.Unique {
		ddl = fmt.Sprintf(`CREATE UNIQUE INDEX %s ON %s (%s)`, quote(idx.Physical), table, col)
	} else {
		ddl = fmt.Sprintf(`CREATE INDEX %s ON %s (%s, pk)`, quote(idx.Physical), table, col)
	}
	if _, err := t.tx.Exec(ddl); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: existing records violate unique index %q", persistence.ErrConstraint, name)
		}
		return persistence.StorageError("create index "+name, err)
	}

	if _, err := t.tx.Exec(
		`INSERT INTO `+indexesTable+` (collection, name, field_path, is_unique, field_type, col, idx) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		collectionName, name, idx.FieldPath, idx.Unique, string(idx.Type), idx.Column, idx.Physical,
	); err != nil {
		return persistence.StorageError("create index "+name, err)
	}
	def.Indexes[name] = idx

	t.db.log.Debugw("Created index", "collection", collectionName, "index", name, "column", idx.Column, "unique", idx.Unique)
	return nil
}

func (t *txn) backfill(def *collectionDef, idx *indexDef) error {
	rows, err := t.tx.Query(fmt.Sprintf(`SELECT pk, data FROM %s`, quote(def.Table)))
	if err != nil {
		return persistence.StorageError("backfill", err)
	}

	type update struct{ pk, ik any }
	var pending []update
	for rows.Next() {
		var pk any
		var data []byte
		if err := rows.Scan(&pk, &data); err != nil {
			_ = rows.Close()
			return persistence.StorageError("backfill", err)
		}
		value, err := t.db.codec.Decode(data)
		if err != nil {
			_ = rows.Close()
			return persistence.StorageError("backfill", err)
		}
		field, _ := keys.Extract(value, idx.FieldPath)
		if ik, ok := idx.Type.IndexKey(field); ok {
			pending = append(pending, update{pk: pk, ik: ik})
		}
	}
	if err := rows.Close(); err != nil {
		return persistence.StorageError("backfill", err)
	}
	if err := rows.Err(); err != nil {
		return persistence.StorageError("backfill", err)
	}

	q := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE pk = ?`, quote(def.Table), quote(idx.Column))
	for _, u := range pending {
		if _, err := t.tx.Exec(q, u.ik, u.pk); err != nil {
			return persistence.StorageError("backfill", err)
		}
	}
	return nil
}

func (t *txn) DeleteIndex(collectionName, name string) error {
	if err := t.schemaWrite("delete index"); err != nil {
		return err
	}
	def, ok := t.cat.Collections[collectionName]
	if !ok {
		return fmt.Errorf("%w: collection %q does not exist", persistence.ErrNotFound, collectionName)
	}
	idx, ok := def.Indexes[name]
	if !ok {
		return fmt.Errorf("%w: index %q does not exist on %q", persistence.ErrNotFound, name, collectionName)
	}

	for _, stmt := range []struct {
		q    string
		args []any
	}{
		{q: `DROP INDEX IF EXISTS ` + quote(idx.Physical)},
		{q: fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quote(def.Table), quote(idx.Column))},
		{q: `DELETE FROM ` + indexesTable + ` WHERE collection = ? AND name = ?`, args: []any{collectionName, name}},
	} {
		if _, err := t.tx.Exec(stmt.q, stmt.args...); err != nil {
			return persistence.StorageError("delete index "+name, err)
		}
	}
	delete(def.Indexes, name)

	t.db.log.Debugw("Deleted index", "collection", collectionName, "index", name)
	return nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
