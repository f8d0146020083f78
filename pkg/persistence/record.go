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

package persistence

import (
	"sort"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// DefaultIDProperty is the identity field used when no key path is declared.
const DefaultIDProperty = "id"

// Record is the unit of persistence exchanged with callers.
type Record interface {
	// ID returns the primary key, or nil if the engine should generate it.
	ID() any
	// Data returns the raw field values that get stored.
	Data() map[string]any
	// Modified lists fields changed since the record was loaded or committed.
	Modified() []string
}

// KeySetter is implemented by records that accept an engine-generated key.
type KeySetter interface {
	SetID(key any)
}

// ModelFactory builds a Record from stored raw data and its primary key.
type ModelFactory func(raw map[string]any, key any) Record

// Model is a map-backed Record.
type Model struct {
	mu         sync.RWMutex
	idProperty string
	data       map[string]any
	modified   map[string]struct{}
}

// NewModel creates a model over a copy of data. An empty idProperty means
// DefaultIDProperty.
func NewModel(idProperty string, data map[string]any) *Model {
	if idProperty == "" {
		idProperty = DefaultIDProperty
	}
	m := &Model{
		idProperty: idProperty,
		data:       CopyData(data),
		modified:   map[string]struct{}{},
	}
	return m
}

// DefaultModelFactory returns a factory producing *Model values keyed by
// idProperty.
func DefaultModelFactory(idProperty string) ModelFactory {
	return func(raw map[string]any, key any) Record {
		m := NewModel(idProperty, raw)
		if key != nil {
			m.data[m.idProperty] = key
		}
		return m
	}
}

func (m *Model) ID() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[m.idProperty]
}

// SetID stores an engine-generated key under the identity field.
func (m *Model) SetID(key any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.idProperty] = key
}

// Data returns a copy of the model's fields.
func (m *Model) Data() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CopyData(m.data)
}

func (m *Model) Get(field string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[field]
}

// Set changes a field and marks it modified.
func (m *Model) Set(field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[field] = value
	m.modified[field] = struct{}{}
}

func (m *Model) Modified() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.modified))
	for f := range m.modified {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Commit clears the modified set.
func (m *Model) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modified = map[string]struct{}{}
}

// CopyData deep-copies a raw record so stored values never alias caller
// memory.
func CopyData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := deepcopy.Copy(&out, &data); err != nil || out == nil {
		out = make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
	}
	return out
}
