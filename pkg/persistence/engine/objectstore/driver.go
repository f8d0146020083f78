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

// Package objectstore implements the cursor-oriented engine on goleveldb.
// Each database is one leveldb instance; collections and indexes are key
// ranges inside it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// Config configures the object-store driver.
type Config struct {
	// DataDir holds one <name>.ldb directory per database.
	DataDir string
	// InMemory keeps databases in memory for the lifetime of the driver.
	InMemory bool
	// Disabled makes the engine report itself unavailable.
	Disabled    bool
	Compression codec.Compression
	// MinFreeBytes is the free space the data directory must have. Zero
	// skips the check.
	MinFreeBytes uint64
}

// Driver opens goleveldb-backed databases.
type Driver struct {
	cfg   Config
	codec *codec.Codec
	log   *zap.SugaredLogger

	memMu sync.Mutex
	mem   map[string]storage.Storage
}

// NewDriver creates a driver. It does not touch the filesystem.
func NewDriver(cfg Config) (*Driver, error) {
	c, err := codec.New(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrConfigurationInvalid, err)
	}
	return &Driver{
		cfg:   cfg,
		codec: c,
		log:   logger.For(logger.ComponentObjectStore),
		mem:   map[string]storage.Storage{},
	}, nil
}

func (d *Driver) Kind() engine.Kind {
	return engine.KindObjectStore
}

// Available checks that the data directory can be created and written.
func (d *Driver) Available() error {
	if d.cfg.Disabled {
		return errors.New("disabled by configuration")
	}
	if d.cfg.InMemory {
		return nil
	}
	if err := engine.CheckDataDir(d.cfg.DataDir, d.cfg.MinFreeBytes); err != nil {
		return err
	}
	probe, err := os.CreateTemp(d.cfg.DataDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

func (d *Driver) open(name string) (*leveldb.DB, error) {
	if !d.cfg.InMemory {
		return leveldb.OpenFile(filepath.Join(d.cfg.DataDir, name+".ldb"), nil)
	}

	d.memMu.Lock()
	defer d.memMu.Unlock()
	stor, ok := d.mem[name]
	if !ok {
		stor = storage.NewMemStorage()
		d.mem[name] = stor
	}
	return leveldb.Open(stor, nil)
}

// Open opens or creates the database and runs upgrade on a version change.
func (d *Driver) Open(ctx context.Context, name, version string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	if !databaseNamePattern.MatchString(name) {
		return nil, persistence.Invalidf("invalid database name %q", name)
	}

	ldb, err := d.open(name)
	if err != nil {
		return nil, persistence.StorageError("open database "+name, err)
	}

	db := &Database{
		name:    name,
		ldb:     ldb,
		codec:   d.codec,
		writeMu: ctxmutex.NewCtxMutex(),
		log:     d.log.With("database", name),
	}

	cat, err := db.loadCatalog()
	if err != nil {
		_ = ldb.Close()
		return nil, persistence.StorageError("load catalog", err)
	}
	db.catalog = cat

	if cat.Version == version {
		return db, nil
	}

	db.log.Infow("Version change", "old", cat.Version, "new", version)
	if err := db.runUpgrade(ctx, cat.Version, version, upgrade); err != nil {
		_ = ldb.Close()
		return nil, err
	}
	return db, nil
}
