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

// Package sqltable implements the SQL-table engine on embedded SQLite. Each
// collection is a table with the primary key, the encoded record and one
// column per declared index.
package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

const (
	// DefaultDriverName is the database/sql driver registered by go-sqlite3.
	DefaultDriverName = "sqlite3"
	// DefaultStatementCacheSize bounds the prepared statement cache.
	DefaultStatementCacheSize = 128
)

var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// Config configures the SQL-table driver.
type Config struct {
	// DataDir holds one <name>.sqlite file per database.
	DataDir string
	// InMemory uses shared-cache in-memory databases. Data survives as long
	// as the database stays open.
	InMemory bool
	// DriverName defaults to DefaultDriverName.
	DriverName         string
	Disabled           bool
	Compression        codec.Compression
	StatementCacheSize int
	MinFreeBytes       uint64
}

// Driver opens SQLite-backed databases.
type Driver struct {
	cfg   Config
	codec *codec.Codec
	log   *zap.SugaredLogger
}

func NewDriver(cfg Config) (*Driver, error) {
	if cfg.DriverName == "" {
		cfg.DriverName = DefaultDriverName
	}
	if cfg.StatementCacheSize <= 0 {
		cfg.StatementCacheSize = DefaultStatementCacheSize
	}
	c, err := codec.New(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrConfigurationInvalid, err)
	}
	return &Driver{cfg: cfg, codec: c, log: logger.For(logger.ComponentSQLTable)}, nil
}

func (d *Driver) Kind() engine.Kind {
	return engine.KindSQL
}

// Available checks that the SQL driver is registered and the data
// directory is usable.
func (d *Driver) Available() error {
	if d.cfg.Disabled {
		return errors.New("disabled by configuration")
	}
	if !slices.Contains(sql.Drivers(), d.cfg.DriverName) {
		return fmt.Errorf("sql driver %q is not registered", d.cfg.DriverName)
	}
	if d.cfg.InMemory {
		return nil
	}
	return engine.CheckDataDir(d.cfg.DataDir, d.cfg.MinFreeBytes)
}

// buildConnectionString uses WAL with full sync and a busy timeout so
// concurrent processes wait instead of failing.
func (d *Driver) buildConnectionString(name string) string {
	if d.cfg.InMemory {
		return fmt.Sprintf("file:browserdb_%s?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=off", name)
	}
	path := filepath.Join(d.cfg.DataDir, name+".sqlite")
	return path + "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"
}

// Open opens or creates the database and runs upgrade on a version change.
func (d *Driver) Open(ctx context.Context, name, version string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	if !databaseNamePattern.MatchString(name) {
		return nil, persistence.Invalidf("invalid database name %q", name)
	}

	sqlDB, err := sql.Open(d.cfg.DriverName, d.buildConnectionString(name))
	if err != nil {
		return nil, persistence.StorageError("open database "+name, err)
	}
	// One connection: transactions run one at a time.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, persistence.StorageError("ping database "+name, err)
	}

	db, err := newDatabase(name, sqlDB, d.codec, d.cfg.StatementCacheSize, d.log.With("database", name))
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := db.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if db.Version() == version {
		return db, nil
	}

	db.log.Infow("Version change", "old", db.Version(), "new", version)
	if err := db.runUpgrade(ctx, db.Version(), version, upgrade); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
