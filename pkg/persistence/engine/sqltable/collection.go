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
	"math"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

type collection struct {
	tx  *txn
	def *collectionDef
}

func (c *collection) Name() string {
	return c.def.Name
}

func (c *collection) Options() engine.CollectionOptions {
	return engine.CollectionOptions{KeyPath: c.def.KeyPath, AutoIncrement: c.def.AutoIncrement}
}

func (c *collection) IndexNames() []string {
	out := make([]string, 0, len(c.def.Indexes))
	for name := range c.def.Indexes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *collection) Index(name string) (engine.Index, error) {
	idx, ok := c.def.Indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: index %q does not exist on %q", persistence.ErrNotFound, name, c.def.Name)
	}
	return &index{c: c, def: idx}, nil
}

func (c *collection) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	stmt, err := c.tx.db.stmt(ctx, c.tx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryRowContext(ctx, args...), nil
}

func (c *collection) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := c.tx.db.stmt(ctx, c.tx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (c *collection) Get(ctx context.Context, key any) (map[string]any, error) {
	if err := c.tx.checkOpen(); err != nil {
		return nil, persistence.StorageError("get", err)
	}
	pk, err := keys.Normalize(key)
	if err != nil {
		return nil, err
	}
	row, err := c.queryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, quote(c.def.Table)), pk)
	if err != nil {
		return nil, persistence.StorageError("get", err)
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: key %v in %q", persistence.ErrNotFound, key, c.def.Name)
		}
		return nil, persistence.StorageError("get", err)
	}
	v, err := c.tx.db.codec.Decode(data)
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

func (c *collection) generator(ctx context.Context) (float64, error) {
	row, err := c.queryRow(ctx, `SELECT generator FROM `+collectionsTable+` WHERE name = ?`, c.def.Name)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (c *collection) setGenerator(ctx context.Context, v float64) error {
	_, err := c.exec(ctx, `UPDATE `+collectionsTable+` SET generator = ? WHERE name = ?`, v, c.def.Name)
	return err
}

func (c *collection) primaryKey(ctx context.Context, value map[string]any) (any, error) {
	raw, ok := keys.Extract(value, c.def.KeyPath)
	if !ok || raw == nil {
		if !c.def.AutoIncrement {
			return nil, fmt.Errorf("%w: record has no value at key path %q", persistence.ErrInvalidKey, c.def.KeyPath)
		}
		current, err := c.generator(ctx)
		if err != nil {
			return nil, err
		}
		next := math.Floor(current) + 1
		if err := c.setGenerator(ctx, next); err != nil {
			return nil, err
		}
		keys.Inject(value, c.def.KeyPath, next)
		return next, nil
	}

	pk, err := keys.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if n, isNum := pk.(float64); isNum && c.def.AutoIncrement {
		current, err := c.generator(ctx)
		if err != nil {
			return nil, err
		}
		if n > current {
			if err := c.setGenerator(ctx, math.Floor(n)); err != nil {
				return nil, err
			}
		}
	}
	return pk, nil
}

func (c *collection) insertSQL(overwrite bool) string {
	idxs := c.def.sortedIndexes()
	cols := []string{"pk", "data"}
	marks := []string{"?", "?"}
	updates := []string{"data = excluded.data"}
	for _, idx := range idxs {
		col := quote(idx.Column)
		cols = append(cols, col)
		marks = append(marks, "?")
		updates = append(updates, col+" = excluded."+col)
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quote(c.def.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if overwrite {
		q += ` ON CONFLICT(pk) DO UPDATE SET ` + strings.Join(updates, ", ")
	}
	return q
}

func (c *collection) write(ctx context.Context, value map[string]any, overwrite bool) (any, error) {
	if err := c.tx.checkWrite(); err != nil {
		return nil, persistence.StorageError("write", err)
	}

	value = persistence.CopyData(value)
	pk, err := c.primaryKey(ctx, value)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidKey) {
			return nil, err
		}
		return nil, persistence.StorageError("key generator", err)
	}

	data, err := c.tx.db.codec.Encode(value)
	if err != nil {
		return nil, persistence.StorageError("encode", err)
	}

	args := []any{pk, data}
	for _, idx := range c.def.sortedIndexes() {
		field, _ := keys.Extract(value, idx.FieldPath)
		if ik, ok := idx.Type.IndexKey(field); ok {
			args = append(args, ik)
		} else {
			args = append(args, nil)
		}
	}

	if _, err := c.exec(ctx, c.insertSQL(overwrite), args...); err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("%w: key %v in %q: %v", persistence.ErrConstraint, pk, c.def.Name, err)
		}
		return nil, persistence.StorageError("write", err)
	}
	return pk, nil
}

func (c *collection) Delete(ctx context.Context, key any) error {
	if err := c.tx.checkWrite(); err != nil {
		return persistence.StorageError("delete", err)
	}
	pk, err := keys.Normalize(key)
	if err != nil {
		return err
	}
	if _, err := c.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quote(c.def.Table)), pk); err != nil {
		return persistence.StorageError("delete", err)
	}
	return nil
}

func (c *collection) Clear(ctx context.Context) error {
	if err := c.tx.checkWrite(); err != nil {
		return persistence.StorageError("clear", err)
	}
	if _, err := c.exec(ctx, `DELETE FROM `+quote(c.def.Table)); err != nil {
		return persistence.StorageError("clear", err)
	}
	return nil
}

func (c *collection) Count(ctx context.Context, r *engine.KeyRange) (int, error) {
	return c.count(ctx, "pk", r, false)
}

func (c *collection) count(ctx context.Context, column string, r *engine.KeyRange, skipNull bool) (int, error) {
	if err := c.tx.checkOpen(); err != nil {
		return 0, persistence.StorageError("count", err)
	}
	nr, err := r.Normalize()
	if err != nil {
		return 0, err
	}
	where, args := whereClause(column, nr, skipNull)
	row, err := c.queryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, quote(c.def.Table), where), args...)
	if err != nil {
		return 0, persistence.StorageError("count", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, persistence.StorageError("count", err)
	}
	return n, nil
}

func (c *collection) OpenCursor(ctx context.Context, r *engine.KeyRange, dir engine.Direction) (engine.Cursor, error) {
	return c.openCursor(ctx, "pk", r, dir, false)
}

func (c *collection) openCursor(ctx context.Context, column string, r *engine.KeyRange, dir engine.Direction, skipNull bool) (engine.Cursor, error) {
	if err := c.tx.checkOpen(); err != nil {
		return nil, persistence.StorageError("cursor", err)
	}
	nr, err := r.Normalize()
	if err != nil {
		return nil, err
	}

	order := "ASC"
	if dir == engine.Prev {
		order = "DESC"
	}
	where, args := whereClause(column, nr, skipNull)
	q := fmt.Sprintf(`SELECT %s, pk, data FROM %s%s ORDER BY %s %s, pk %s`, column, quote(c.def.Table), where, column, order, order)
	if column == "pk" {
		q = fmt.Sprintf(`SELECT pk, pk, data FROM %s%s ORDER BY pk %s`, quote(c.def.Table), where, order)
	}

	stmt, err := c.tx.db.stmt(ctx, c.tx, q)
	if err != nil {
		return nil, persistence.StorageError("cursor", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, persistence.StorageError("cursor", err)
	}
	return &cursor{rows: rows, codec: c.tx.db.codec}, nil
}

// whereClause builds the range condition on column. SQLite compares values
// of different storage classes as numbers < text < blobs, the same order
// as package keys.
func whereClause(column string, r *engine.KeyRange, skipNull bool) (string, []any) {
	var conds []string
	var args []any

	if skipNull {
		conds = append(conds, column+" IS NOT NULL")
	}
	if r != nil && r.Lower != nil {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		conds = append(conds, column+" "+op+" ?")
		args = append(args, r.Lower)
	}
	if r != nil && r.Upper != nil {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		conds = append(conds, column+" "+op+" ?")
		args = append(args, r.Upper)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type index struct {
	c   *collection
	def *indexDef
}

func (i *index) Name() string {
	return i.def.Name
}

func (i *index) Options() engine.IndexOptions {
	return engine.IndexOptions{FieldPath: i.def.FieldPath, Unique: i.def.Unique, Type: i.def.Type}
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
	return nil, nil, fmt.Errorf("%w: %v in index %q", persistence.ErrNotFound, key, i.def.Name)
}

func (i *index) Count(ctx context.Context, r *engine.KeyRange) (int, error) {
	return i.c.count(ctx, quote(i.def.Column), r, true)
}

func (i *index) OpenCursor(ctx context.Context, r *engine.KeyRange, dir engine.Direction) (engine.Cursor, error) {
	return i.c.openCursor(ctx, quote(i.def.Column), r, dir, true)
}
