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

// Package events is the diagnostic notification stream of the persistence
// layer. Results of operations are never delivered through it.
package events

import (
	"sync"
	"time"
)

// Type identifies a notification.
type Type string

const (
	// ConnectionOpen fires once a database is open and its schema is
	// reconciled.
	ConnectionOpen Type = "connection_open"
	// SchemaUpgraded fires after a reconciliation ran.
	SchemaUpgraded Type = "schema_upgraded"
	// Exception fires for every storage failure.
	Exception Type = "exception"
	// CollectionCleared fires after a clear.
	CollectionCleared Type = "collection_cleared"
	// EngineUnsupported fires when no storage engine is available.
	EngineUnsupported Type = "engine_unsupported"
	// InitialDataInserted fires after seed data was written.
	InitialDataInserted Type = "initial_data_inserted"
)

// Event is one notification.
type Event struct {
	Type       Type
	Time       time.Time
	Source     string
	Database   string
	Collection string
	// Err is set for Exception and EngineUnsupported.
	Err error
	// Payload carries type-specific data, e.g. the schema report.
	Payload any
}

// Handler receives events. It runs on the publishing goroutine and must not
// block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]subscription
}

type subscription struct {
	types   map[Type]struct{}
	handler Handler
}

func NewBus() *Bus {
	return &Bus{handlers: map[uint64]subscription{}}
}

// Subscribe registers h for the given types, or for all types when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every matching subscriber. A nil bus drops events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(e)
	}
}
