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

// Package proxy binds one collection of one database to create, read,
// update, destroy and clear operations. Every call returns immediately and
// completes its operation asynchronously.
package proxy

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

// DefaultConcurrency bounds how many per-record requests of one batch run at
// the same time.
const DefaultConcurrency = 8

// Config binds a proxy to a collection.
type Config struct {
	DatabaseName string `validate:"required"`
	// CollectionName falls back to Table when empty.
	CollectionName string
	Table          string
	SchemaVersion  string
	// KeyPath defaults to persistence.DefaultIDProperty.
	KeyPath       string
	AutoIncrement bool
	Indexes       []schema.Index `validate:"dive"`
	Fields        map[string]schema.FieldType
	// InitialData is written once, when opening the database created the
	// collection.
	InitialData  []map[string]any
	ModelFactory persistence.ModelFactory
	Concurrency  int `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Proxy is the collection adapter.
type Proxy struct {
	database    string
	collection  string
	keyPath     string
	factory     persistence.ModelFactory
	concurrency int

	conn  *connection.Connection
	guard *connection.Guard
	bus   *events.Bus
	log   *zap.SugaredLogger

	inflight sync.WaitGroup
	seedOnce sync.Once
}

// New validates cfg, declares the collection on the registry's connection
// for the database and starts opening it. It fails with
// persistence.ErrEnvironmentUnsupported when no engine is usable and with
// persistence.ErrConfigurationInvalid for incomplete configuration.
//
// The first New for a database starts opening it, which fixes its set of
// collections. A later New for a collection that was not part of that set
// fails with persistence.ErrConfigurationInvalid. Declare every collection
// of a database up front, either with Registry.Connection(name).Declare or
// through config.NewRegistry, when several proxies share it.
func New(ctx context.Context, registry *connection.Registry, cfg Config) (*Proxy, error) {
	if registry == nil {
		return nil, persistence.Invalidf("registry is required")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, persistence.Invalidf("proxy config: %v", err)
	}

	collection := cfg.CollectionName
	if collection == "" {
		collection = cfg.Table
	}
	if collection == "" {
		return nil, persistence.Invalidf("database %q: collection name is required", cfg.DatabaseName)
	}

	log := logger.For(logger.ComponentProxy).With("database", cfg.DatabaseName, "collection", collection)

	if _, err := registry.Selector().Select(); err != nil {
		registry.Bus().Publish(events.Event{
			Type:       events.EngineUnsupported,
			Source:     "proxy",
			Database:   cfg.DatabaseName,
			Collection: collection,
			Err:        err,
		})
		log.Errorw("Cannot create proxy", "error", err)
		return nil, err
	}

	col := schema.Collection{
		Name:          collection,
		KeyPath:       cfg.KeyPath,
		AutoIncrement: cfg.AutoIncrement,
		Fields:        cfg.Fields,
		Indexes:       cfg.Indexes,
	}
	decl := schema.Database{Name: cfg.DatabaseName, Version: cfg.SchemaVersion, Collections: []schema.Collection{col}}
	if err := schema.Validate(decl); err != nil {
		return nil, err
	}

	conn := registry.Connection(cfg.DatabaseName)
	if err := conn.Declare(decl); err != nil {
		return nil, err
	}

	p := &Proxy{
		database:    cfg.DatabaseName,
		collection:  collection,
		keyPath:     col.EffectiveKeyPath(),
		factory:     cfg.ModelFactory,
		concurrency: cfg.Concurrency,
		conn:        conn,
		guard:       conn.Guard(),
		bus:         registry.Bus(),
		log:         log,
	}
	if p.factory == nil {
		p.factory = persistence.DefaultModelFactory(p.keyPath)
	}
	if p.concurrency == 0 {
		p.concurrency = DefaultConcurrency
	}

	if len(cfg.InitialData) > 0 {
		seedCtx := context.WithoutCancel(ctx)
		data := cfg.InitialData
		conn.Subscribe(func(_ engine.Database) {
			if !conn.Report().Created(collection) {
				return
			}
			p.seedOnce.Do(func() {
				go p.seed(seedCtx, data)
			})
		})
	}

	conn.Initialize(ctx)
	return p, nil
}

func (p *Proxy) Database() string {
	return p.database
}

func (p *Proxy) Collection() string {
	return p.collection
}

// KeyPath is the identity field of the collection.
func (p *Proxy) KeyPath() string {
	return p.keyPath
}

// Connection returns the shared connection of the proxy's database.
func (p *Proxy) Connection() *connection.Connection {
	return p.conn
}

// Wait blocks until every operation dispatched so far has completed.
func (p *Proxy) Wait() {
	p.inflight.Wait()
}

func (p *Proxy) seed(ctx context.Context, data []map[string]any) {
	op := p.AddData(ctx, data, false, nil)
	if _, err := op.Wait(ctx); err != nil {
		p.log.Errorw("Failed to insert initial data", "error", err)
		return
	}
	p.log.Infow("Initial data inserted", "records", len(data))
	p.bus.Publish(events.Event{
		Type:       events.InitialDataInserted,
		Source:     "proxy",
		Database:   p.database,
		Collection: p.collection,
		Payload:    op.ResultSet(),
	})
}
