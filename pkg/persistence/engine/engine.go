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

// Package engine defines the contract every storage engine implements:
// versioned databases holding named collections with secondary indexes,
// accessed through transactions and ordered cursors.
package engine

import (
	"context"
)

// Kind names a storage engine.
type Kind string

const (
	// KindAuto lets the selector choose.
	KindAuto Kind = "auto"
	// KindObjectStore is the cursor-oriented key/value engine.
	KindObjectStore Kind = "objectstore"
	// KindSQL is the SQL-table engine.
	KindSQL Kind = "sqltable"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Direction is the iteration order of a cursor.
type Direction int

const (
	Next Direction = iota
	Prev
)

// CollectionOptions describe how a collection derives primary keys.
type CollectionOptions struct {
	// KeyPath is the field holding the primary key.
	KeyPath string
	// AutoIncrement makes the engine generate numeric keys for records
	// without one.
	AutoIncrement bool
}

// IndexOptions describe a secondary index.
type IndexOptions struct {
	FieldPath string
	Unique    bool
	// Type restricts which values get indexed. Values of another type are
	// left out of the index.
	Type FieldType
}

// IndexInfo describes a physical index.
type IndexInfo struct {
	Name string
	IndexOptions
}

// Cursor walks entries in key order. Usage mirrors sql.Rows:
//
//	for cur.Next() {
//	    ... cur.PrimaryKey(), cur.Value()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor interface {
	Next() bool
	// Key is the index key for index cursors and the primary key otherwise.
	Key() any
	PrimaryKey() any
	Value() map[string]any
	Err() error
	Close() error
}

// Index is a secondary index of a collection.
type Index interface {
	Name() string
	Options() IndexOptions
	// Get returns the first record whose index key equals key.
	Get(ctx context.Context, key any) (primaryKey any, value map[string]any, err error)
	Count(ctx context.Context, r *KeyRange) (int, error)
	OpenCursor(ctx context.Context, r *KeyRange, dir Direction) (Cursor, error)
}

// Collection is a named record set within a transaction.
type Collection interface {
	Name() string
	Options() CollectionOptions
	// Get returns persistence.ErrNotFound for missing keys.
	Get(ctx context.Context, key any) (map[string]any, error)
	// Add inserts a record. An existing key yields persistence.ErrConstraint.
	// The returned key is the stored primary key, generated if needed.
	Add(ctx context.Context, value map[string]any) (any, error)
	// Put inserts or fully replaces a record.
	Put(ctx context.Context, value map[string]any) (any, error)
	// Delete removes a record. Missing keys are not an error.
	Delete(ctx context.Context, key any) error
	Clear(ctx context.Context) error
	Count(ctx context.Context, r *KeyRange) (int, error)
	OpenCursor(ctx context.Context, r *KeyRange, dir Direction) (Cursor, error)
	Index(name string) (Index, error)
	IndexNames() []string
}

// Tx is a transaction scoped to a set of collections.
type Tx interface {
	Mode() Mode
	Collection(name string) (Collection, error)
	Commit() error
	Rollback() error
}

// UpgradeTx is the transaction granted during a version change. It may
// alter the schema.
type UpgradeTx interface {
	Tx
	CollectionNames() []string
	CreateCollection(name string, opts CollectionOptions) (Collection, error)
	DeleteCollection(name string) error
	Indexes(collection string) ([]IndexInfo, error)
	CreateIndex(collection, name string, opts IndexOptions) error
	DeleteIndex(collection, name string) error
}

// UpgradeFunc runs inside the upgrade transaction when the stored version
// differs from the requested one. oldVersion is empty for new databases.
type UpgradeFunc func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion string) error

// Database is an open physical database.
type Database interface {
	Name() string
	Kind() Kind
	Version() string
	CollectionNames() []string
	// Begin starts a transaction over the named collections.
	Begin(ctx context.Context, mode Mode, collections ...string) (Tx, error)
	Close() error
}

// Driver opens databases of one engine kind.
type Driver interface {
	Kind() Kind
	// Available returns nil if the engine can be used in this process.
	Available() error
	// Open opens or creates a database, running upgrade when the stored
	// version differs from version. Both are compared verbatim.
	Open(ctx context.Context, name, version string, upgrade UpgradeFunc) (Database, error)
}
