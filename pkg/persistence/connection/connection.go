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

package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/metrics"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

// Connection states.
const (
	StateClosed  = "closed"
	StateOpening = "opening"
	StateOpen    = "open"
	StateFailed  = "failed"
)

// Connection transitions.
const (
	EventOpen   = "open"
	EventOpened = "opened"
	EventFail   = "fail"
	EventClose  = "close"
)

// OpenHandler is called with the database handle once the connection is
// open.
type OpenHandler func(db engine.Database)

// Connection is the single physical connection to one named database. It
// moves closed -> opening -> open (or failed) and hands the open database
// to every subscriber.
type Connection struct {
	name     string
	registry *Registry
	log      *zap.SugaredLogger

	mu          sync.Mutex
	fsm         *fsm.FSM
	declared    schema.Database
	handle      engine.Database
	err         error
	report      *schema.Report
	ready       chan struct{}
	subscribers []OpenHandler
}

func newConnection(name string, r *Registry) *Connection {
	c := &Connection{
		name:     name,
		registry: r,
		log:      r.log.With("database", name),
		declared: schema.Database{Name: name},
		ready:    make(chan struct{}),
	}
	c.fsm = fsm.NewFSM(
		StateClosed,
		fsm.Events{
			{Name: EventOpen, Src: []string{StateClosed}, Dst: StateOpening},
			{Name: EventOpened, Src: []string{StateOpening}, Dst: StateOpen},
			{Name: EventFail, Src: []string{StateOpening}, Dst: StateFailed},
			{Name: EventClose, Src: []string{StateOpen, StateFailed}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debugw("Connection state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// Name is the database name.
func (c *Connection) Name() string {
	return c.name
}

// State returns the current state.
func (c *Connection) State() string {
	return c.fsm.Current()
}

func (c *Connection) IsOpen() bool {
	return c.fsm.Is(StateOpen)
}

// Declare adds collection declarations. Collections declared after the
// connection left the closed state cannot be created any more; declaring
// one is a configuration error.
func (c *Connection) Declare(decl schema.Database) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if decl.Name != "" && decl.Name != c.name {
		return persistence.Invalidf("declaration for %q given to connection %q", decl.Name, c.name)
	}

	if c.fsm.Is(StateClosed) {
		merged := c.declared.Merge(decl)
		if c.declared.Version != "" && decl.Version != "" &&
			schema.CanonicalVersion(decl.Version) != schema.CanonicalVersion(c.declared.Version) {
			c.log.Warnw("Conflicting schema versions declared, keeping the first",
				"kept", c.declared.Version, "ignored", decl.Version)
		}
		c.declared = merged
		return nil
	}

	for _, col := range decl.Collections {
		if _, ok := c.declared.Collection(col.Name); !ok {
			return persistence.Invalidf("database %q is already %s; collection %q was not declared before opening, declare it with Registry.Connection(%q).Declare first",
				c.name, c.fsm.Current(), col.Name, c.name)
		}
	}
	return nil
}

// Declared returns the merged declaration.
func (c *Connection) Declared() schema.Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declared
}

// Initialize starts opening the database in the background. Only the first
// call on a closed connection does anything.
func (c *Connection) Initialize(ctx context.Context) {
	c.mu.Lock()
	if !c.fsm.Is(StateClosed) {
		c.mu.Unlock()
		return
	}
	if err := c.fsm.Event(ctx, EventOpen); err != nil {
		c.mu.Unlock()
		c.log.Errorw("Failed to start opening", "error", err)
		return
	}
	decl := c.declared
	c.mu.Unlock()

	go c.open(context.WithoutCancel(ctx), decl)
}

func (c *Connection) open(ctx context.Context, decl schema.Database) {
	if err := schema.Validate(decl); err != nil {
		c.fail(ctx, err)
		return
	}

	driver, err := c.registry.selector.Select()
	if err != nil {
		c.registry.bus.Publish(events.Event{
			Type:     events.EngineUnsupported,
			Source:   "connection",
			Database: c.name,
			Err:      err,
		})
		c.fail(ctx, err)
		return
	}

	var report *schema.Report
	version := schema.CanonicalVersion(decl.Version)
	db, err := driver.Open(ctx, c.name, version, c.registry.schemas.UpgradeFunc(decl, func(r *schema.Report) {
		report = r
	}))
	if report != nil || err != nil {
		metrics.IncSchemaReconcile(c.name, err == nil)
	}
	if err != nil {
		if !errors.Is(err, persistence.ErrConfigurationInvalid) && !errors.Is(err, persistence.ErrSchemaReconciliationFailed) {
			err = persistence.StorageError("open database "+c.name, err)
		}
		c.fail(ctx, err)
		return
	}

	c.mu.Lock()
	c.handle = db
	c.report = report
	if err := c.fsm.Event(ctx, EventOpened); err != nil {
		c.mu.Unlock()
		_ = db.Close()
		c.log.Errorw("Unexpected state transition failure", "error", err)
		return
	}
	subscribers := c.subscribers
	c.subscribers = nil
	close(c.ready)
	c.mu.Unlock()

	metrics.SetConnectionOpen(c.name, string(db.Kind()), true)
	c.log.Infow("Database open", "engine", db.Kind(), "version", db.Version())

	if report != nil {
		c.registry.bus.Publish(events.Event{
			Type:     events.SchemaUpgraded,
			Source:   "connection",
			Database: c.name,
			Payload:  report,
		})
	}
	c.registry.bus.Publish(events.Event{
		Type:     events.ConnectionOpen,
		Source:   "connection",
		Database: c.name,
		Payload:  db,
	})

	for _, fn := range subscribers {
		fn(db)
	}
}

func (c *Connection) fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.err = err
	if ferr := c.fsm.Event(ctx, EventFail); ferr != nil {
		c.log.Errorw("Unexpected state transition failure", "error", ferr)
	}
	c.subscribers = nil
	close(c.ready)
	c.mu.Unlock()

	c.log.Errorw("Failed to open database", "error", err)
	c.registry.bus.Publish(events.Event{
		Type:     events.Exception,
		Source:   "connection",
		Database: c.name,
		Err:      err,
	})
}

// Subscribe registers fn for the open notification. If the connection is
// already open, fn runs immediately.
func (c *Connection) Subscribe(fn OpenHandler) {
	c.mu.Lock()
	if c.fsm.Is(StateOpen) {
		db := c.handle
		c.mu.Unlock()
		fn(db)
		return
	}
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}

// Handle returns the open database.
func (c *Connection) Handle() (engine.Database, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fsm.Is(StateOpen) {
		return nil, false
	}
	return c.handle, true
}

// Ready is closed once the connection is open or has failed.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Err returns why opening failed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Report returns the result of the reconciliation that ran on open, if any.
func (c *Connection) Report() *schema.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// WaitOpen initializes the connection and blocks until it is open, failed,
// or ctx is done.
func (c *Connection) WaitOpen(ctx context.Context) (engine.Database, error) {
	c.Initialize(ctx)
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if db, ok := c.Handle(); ok {
		return db, nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("connection closed")
}

// Guard returns a transaction guard for this connection.
func (c *Connection) Guard() *Guard {
	return &Guard{conn: c, retry: c.registry.retry, log: c.log}
}

// close releases the handle and returns to the closed state so the
// connection can be opened again.
func (c *Connection) close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fsm.Is(StateOpen) && !c.fsm.Is(StateFailed) {
		return nil
	}

	var err error
	if c.handle != nil {
		metrics.SetConnectionOpen(c.name, string(c.handle.Kind()), false)
		err = c.handle.Close()
		c.handle = nil
	}
	c.err = nil
	c.report = nil
	c.ready = make(chan struct{})
	if ferr := c.fsm.Event(ctx, EventClose); ferr != nil {
		return ferr
	}
	return err
}
