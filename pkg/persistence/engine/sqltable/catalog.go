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
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

const (
	metaTable        = "_browserdb_meta"
	collectionsTable = "_browserdb_collections"
	indexesTable     = "_browserdb_indexes"
	versionKey       = "version"
)

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + collectionsTable + ` (
		name           TEXT PRIMARY KEY,
		tbl            TEXT NOT NULL UNIQUE,
		key_path       TEXT NOT NULL,
		auto_increment INTEGER NOT NULL,
		generator      REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ` + indexesTable + ` (
		collection TEXT NOT NULL,
		name       TEXT NOT NULL,
		field_path TEXT NOT NULL,
		is_unique  INTEGER NOT NULL,
		field_type TEXT NOT NULL,
		col        TEXT NOT NULL,
		idx        TEXT NOT NULL,
		PRIMARY KEY (collection, name)
	)`,
}

type indexDef struct {
	Name      string
	FieldPath string
	Unique    bool
	Type      engine.FieldType
	Column    string
	Physical  string
}

type collectionDef struct {
	Name          string
	Table         string
	KeyPath       string
	AutoIncrement bool
	Indexes       map[string]*indexDef
}

// sortedIndexes fixes the column order used in INSERT statements.
func (c *collectionDef) sortedIndexes() []*indexDef {
	out := make([]*indexDef, 0, len(c.Indexes))
	for _, idx := range c.Indexes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type catalog struct {
	Version     string
	Collections map[string]*collectionDef
}

func (c *catalog) clone() (*catalog, error) {
	out := &catalog{}
	if err := deepcopy.Copy(out, c); err != nil {
		return nil, err
	}
	if out.Collections == nil {
		out.Collections = map[string]*collectionDef{}
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

// Physical identifiers are hashes of the logical names, so any collection
// or index name maps to a valid and database-unique SQL identifier.
func tableName(collection string) string {
	return fmt.Sprintf("c_%016x", xxhash.Sum64String(collection))
}

func columnName(collection, index string) string {
	return fmt.Sprintf("i_%016x", xxhash.Sum64String(collection+"\x00"+index))
}

func physicalIndexName(collection, index string) string {
	return fmt.Sprintf("x_%016x", xxhash.Sum64String(collection+"\x00"+index))
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func columnType(t engine.FieldType) string {
	switch t {
	case engine.FieldString:
		return "TEXT"
	case engine.FieldNumber:
		return "REAL"
	case engine.FieldBytes:
		return "BLOB"
	default:
		return ""
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCatalog(ctx context.Context, q queryer) (*catalog, error) {
	cat := &catalog{Collections: map[string]*collectionDef{}}

	err := q.QueryRowContext(ctx, `SELECT value FROM `+metaTable+` WHERE key = ?`, versionKey).Scan(&cat.Version)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT name, tbl, key_path, auto_increment FROM `+collectionsTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read collections: %w", err)
	}
	for rows.Next() {
		c := &collectionDef{Indexes: map[string]*indexDef{}}
		if err := rows.Scan(&c.Name, &c.Table, &c.KeyPath, &c.AutoIncrement); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		cat.Collections[c.Name] = c
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT collection, name, field_path, is_unique, field_type, col, idx FROM `+indexesTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var collection, fieldType string
		idx := &indexDef{}
		if err := rows.Scan(&collection, &idx.Name, &idx.FieldPath, &idx.Unique, &fieldType, &idx.Column, &idx.Physical); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx.Type = engine.FieldType(fieldType)
		if c, ok := cat.Collections[collection]; ok {
			c.Indexes[idx.Name] = idx
		}
	}
	return cat, rows.Err()
}
