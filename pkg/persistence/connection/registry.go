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

// Package connection owns the one physical connection per database name and
// the guard that hands out transactions once it is open.
package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

const (
	DefaultMaxRetries = 50
	DefaultRetryDelay = 20 * time.Millisecond
)

// RetryOptions bound how long a guard waits for a connection to open.
type RetryOptions struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries uint64
	// Delay is how long a single attempt waits for the connection.
	Delay time.Duration
}

// DefaultRetryOptions returns 50 retries of 20ms each.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxRetries: DefaultMaxRetries, Delay: DefaultRetryDelay}
}

// Registry maps database names to connections. All proxies sharing a
// registry share one connection per name.
type Registry struct {
	selector *engine.Selector
	bus      *events.Bus
	schemas  *schema.Manager
	retry    RetryOptions
	log      *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]*Connection
}

// Option customizes a Registry.
type Option func(*Registry)

func WithBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func WithRetry(opts RetryOptions) Option {
	return func(r *Registry) { r.retry = opts }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates a registry that opens databases with the engine the
// selector picks.
func NewRegistry(selector *engine.Selector, opts ...Option) *Registry {
	r := &Registry{
		selector: selector,
		retry:    DefaultRetryOptions(),
		conns:    map[string]*Connection{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.For(logger.ComponentRegistry)
	}
	if r.bus == nil {
		r.bus = events.NewBus()
	}
	r.schemas = schema.NewManager(logger.For(logger.ComponentSchemaManager))
	return r
}

// Connection returns the connection for name, creating it in the closed
// state on first use.
func (r *Registry) Connection(name string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[name]
	if !ok {
		c = newConnection(name, r)
		r.conns[name] = c
		r.log.Debugw("Connection registered", "database", name)
	}
	return c
}

// Names lists the registered database names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.conns))
	for name := range r.conns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Bus() *events.Bus {
	return r.bus
}

func (r *Registry) Selector() *engine.Selector {
	return r.selector
}

func (r *Registry) Retry() RetryOptions {
	return r.retry
}

// Close closes every open connection. Connections stay registered and can
// be initialized again.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var errs error
	for _, c := range conns {
		errs = multierr.Append(errs, c.close(context.Background()))
	}
	return errs
}
