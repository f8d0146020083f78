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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/config"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/proxy"
)

var errUsage = errors.New("usage")

type cli struct {
	cfg      config.FullConfig
	registry *connection.Registry
	out      io.Writer
	log      *zap.SugaredLogger
}

func (c *cli) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "schema":
		return c.schema(ctx)
	case "dump":
		if len(args) != 2 {
			return errUsage
		}
		return c.dump(ctx, args[0], args[1])
	case "import":
		clearFirst := false
		var pos []string
		for _, a := range args {
			if a == "-clear" || a == "--clear" {
				clearFirst = true
				continue
			}
			pos = append(pos, a)
		}
		if len(pos) != 3 {
			return errUsage
		}
		return c.importFile(ctx, pos[0], pos[1], pos[2], clearFirst)
	case "clear":
		if len(args) != 2 {
			return errUsage
		}
		return c.clear(ctx, args[0], args[1])
	default:
		return errUsage
	}
}

// schema opens every declared database, which runs reconciliation, and
// prints collections with their indexes.
func (c *cli) schema(ctx context.Context) error {
	driver, err := c.registry.Selector().Select()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "engine: %s\n", driver.Kind())

	for _, name := range c.registry.Names() {
		conn := c.registry.Connection(name)
		db, err := conn.WaitOpen(ctx)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		fmt.Fprintf(c.out, "database %s (version %s)\n", db.Name(), db.Version())
		if r := conn.Report(); r != nil && !r.Empty() {
			fmt.Fprintf(c.out, "  reconciled: %d collections created, %d indexes created, %d indexes deleted\n",
				len(r.CreatedCollections), len(r.CreatedIndexes), len(r.DeletedIndexes))
		}

		collections := db.CollectionNames()
		sort.Strings(collections)
		if len(collections) == 0 {
			continue
		}
		tx, err := conn.Guard().Begin(ctx, engine.ReadOnly, collections...)
		if err != nil {
			return err
		}
		for _, cn := range collections {
			col, err := tx.Collection(cn)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			count, err := col.Count(ctx, nil)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			opts := col.Options()
			fmt.Fprintf(c.out, "  collection %s key=%s autoIncrement=%t records=%d\n", cn, opts.KeyPath, opts.AutoIncrement, count)
			for _, in := range col.IndexNames() {
				idx, err := col.Index(in)
				if err != nil {
					_ = tx.Rollback()
					return err
				}
				idxOpts := idx.Options()
				fmt.Fprintf(c.out, "    index %s field=%s unique=%t\n", in, idxOpts.FieldPath, idxOpts.Unique)
			}
		}
		_ = tx.Rollback()
	}
	return nil
}

func (c *cli) proxyFor(ctx context.Context, database, collection string) (*proxy.Proxy, error) {
	db, ok := c.cfg.Database(database)
	if !ok {
		return nil, persistence.Invalidf("database %q is not declared in the config", database)
	}
	col, ok := db.Collection(collection)
	if !ok {
		return nil, persistence.Invalidf("collection %q is not declared in database %q", collection, database)
	}
	return proxy.New(ctx, c.registry, proxy.Config{
		DatabaseName:   db.Name,
		CollectionName: col.Name,
		SchemaVersion:  db.Version,
		KeyPath:        col.KeyPath,
		AutoIncrement:  col.AutoIncrement,
		Indexes:        col.Indexes,
		Fields:         col.Fields,
	})
}

func (c *cli) dump(ctx context.Context, database, collection string) error {
	p, err := c.proxyFor(ctx, database, collection)
	if err != nil {
		return err
	}

	op := persistence.NewRead(nil)
	p.Read(ctx, op, nil)
	rs, err := op.Wait(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.out)
	for _, rec := range rs.Records {
		if err := enc.Encode(rec.Data()); err != nil {
			return err
		}
	}
	c.log.Debugw("Dumped records", "database", database, "collection", collection, "records", rs.Total)
	return nil
}

func (c *cli) importFile(ctx context.Context, database, collection, path string, clearFirst bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var data []map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%s: expected a JSON array of objects: %w", path, err)
	}

	p, err := c.proxyFor(ctx, database, collection)
	if err != nil {
		return err
	}
	op := p.AddData(ctx, data, clearFirst, nil)
	rs, err := op.Wait(ctx)
	for _, re := range op.RecordErrors() {
		c.log.Warnw("Record rejected", "index", re.Index, "key", re.Key, "error", re.Err)
	}
	if rs != nil {
		fmt.Fprintf(c.out, "imported %d of %d records into %s/%s\n", rs.Total, len(data), database, collection)
	}
	return err
}

func (c *cli) clear(ctx context.Context, database, collection string) error {
	p, err := c.proxyFor(ctx, database, collection)
	if err != nil {
		return err
	}
	op := persistence.NewClear()
	p.Clear(ctx, op, nil)
	if _, err := op.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "cleared %s/%s\n", database, collection)
	return nil
}
