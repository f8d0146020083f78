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

package config

import (
	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/objectstore"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/sqltable"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
)

// Drivers builds both engine drivers in preference order.
func (c FullConfig) Drivers() ([]engine.Driver, error) {
	store, err := objectstore.NewDriver(objectstore.Config{
		DataDir:      c.Engine.DataDir,
		InMemory:     c.Engine.InMemory,
		Disabled:     c.Engine.DisableObjectStore,
		Compression:  c.Engine.Compression,
		MinFreeBytes: c.Engine.MinFreeBytes,
	})
	if err != nil {
		return nil, err
	}
	sq, err := sqltable.NewDriver(sqltable.Config{
		DataDir:            c.Engine.DataDir,
		InMemory:           c.Engine.InMemory,
		DriverName:         c.Engine.SQLDriver,
		Disabled:           c.Engine.DisableSQL,
		Compression:        c.Engine.Compression,
		StatementCacheSize: c.Engine.StatementCacheSize,
		MinFreeBytes:       c.Engine.MinFreeBytes,
	})
	if err != nil {
		return nil, err
	}
	return []engine.Driver{store, sq}, nil
}

// NewRegistry builds the selector and registry and declares every database
// of the config on it.
func (c FullConfig) NewRegistry(bus *events.Bus) (*connection.Registry, error) {
	drivers, err := c.Drivers()
	if err != nil {
		return nil, err
	}
	selector := engine.NewSelector(c.Engine.Kind, logger.For(logger.ComponentSelector), drivers...)
	registry := connection.NewRegistry(selector,
		connection.WithBus(bus),
		connection.WithRetry(c.RetryOptions()),
	)
	for _, db := range c.Databases {
		if err := registry.Connection(db.Name).Declare(db); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
