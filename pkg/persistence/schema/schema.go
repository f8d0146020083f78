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

// Package schema holds declared database layouts and reconciles them with
// what an engine has stored.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

// FieldType is the declared type of a record field.
type FieldType = engine.FieldType

// Index declares a secondary index.
type Index struct {
	Name      string `yaml:"name" json:"name"`
	FieldPath string `yaml:"fieldPath" json:"fieldPath"`
	Unique    bool   `yaml:"unique" json:"unique"`
}

// Collection declares a record collection.
type Collection struct {
	Name string `yaml:"name" json:"name"`
	// KeyPath defaults to persistence.DefaultIDProperty.
	KeyPath       string               `yaml:"keyPath" json:"keyPath"`
	AutoIncrement bool                 `yaml:"autoIncrement" json:"autoIncrement"`
	Fields        map[string]FieldType `yaml:"fields" json:"fields"`
	Indexes       []Index              `yaml:"indexes" json:"indexes"`
}

// Database declares a versioned database.
type Database struct {
	Name        string       `yaml:"name" json:"name"`
	Version     string       `yaml:"version" json:"version"`
	Collections []Collection `yaml:"collections" json:"collections"`
}

// EffectiveKeyPath returns the key path with its default applied.
func (c Collection) EffectiveKeyPath() string {
	if c.KeyPath == "" {
		return persistence.DefaultIDProperty
	}
	return c.KeyPath
}

// IndexOptions resolves the engine options of a declared index, typing
// it from the Fields mapping.
func (c Collection) IndexOptions(idx Index) engine.IndexOptions {
	return engine.IndexOptions{
		FieldPath: idx.FieldPath,
		Unique:    idx.Unique,
		Type:      c.Fields[idx.FieldPath],
	}
}

// IndexNames returns the declared index names, sorted.
func (c Collection) IndexNames() []string {
	out := make([]string, 0, len(c.Indexes))
	for _, idx := range c.Indexes {
		out = append(out, idx.Name)
	}
	sort.Strings(out)
	return out
}

// Collection returns the declared collection called name.
func (d Database) Collection(name string) (Collection, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// CanonicalVersion normalizes a version token so that "2", "2.0" and
// "v2.0.0" are the same version. Tokens that are not semantic versions
// are used verbatim.
func CanonicalVersion(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return "1.0.0"
	}
	v, err := semver.NewVersion(token)
	if err != nil {
		return token
	}
	return v.String()
}

// VersionFromInt is a convenience for integer version tokens.
func VersionFromInt(v int) string {
	return CanonicalVersion(strconv.Itoa(v))
}

// Validate checks a declaration before any transaction is opened.
func Validate(d Database) error {
	if strings.TrimSpace(d.Name) == "" {
		return persistence.Invalidf("database name is required")
	}
	if len(d.Collections) == 0 {
		return persistence.Invalidf("database %q declares no collections", d.Name)
	}

	seen := map[string]struct{}{}
	for _, c := range d.Collections {
		if strings.TrimSpace(c.Name) == "" {
			return persistence.Invalidf("database %q: collection name is required", d.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return persistence.Invalidf("database %q: collection %q declared twice", d.Name, c.Name)
		}
		seen[c.Name] = struct{}{}

		if err := validateCollection(c); err != nil {
			return fmt.Errorf("database %q: %w", d.Name, err)
		}
	}
	return nil
}

func validateCollection(c Collection) error {
	for field, t := range c.Fields {
		if !t.Valid() {
			return persistence.Invalidf("collection %q: field %q has unknown type %q", c.Name, field, t)
		}
	}

	names := map[string]struct{}{}
	for _, idx := range c.Indexes {
		if strings.TrimSpace(idx.Name) == "" {
			return persistence.Invalidf("collection %q: index name is required", c.Name)
		}
		if _, dup := names[idx.Name]; dup {
			return persistence.Invalidf("collection %q: index %q declared twice", c.Name, idx.Name)
		}
		names[idx.Name] = struct{}{}

		if strings.TrimSpace(idx.FieldPath) == "" {
			return persistence.Invalidf("collection %q: index %q has no field path", c.Name, idx.Name)
		}
		if len(c.Fields) == 0 {
			continue
		}
		t, ok := c.Fields[idx.FieldPath]
		if !ok {
			return persistence.Invalidf("collection %q: index %q references undeclared field %q", c.Name, idx.Name, idx.FieldPath)
		}
		if t == engine.FieldBool {
			return persistence.Invalidf("collection %q: index %q is on boolean field %q, which cannot be a key", c.Name, idx.Name, idx.FieldPath)
		}
	}
	return nil
}

// Merge adds the collections of other that d does not declare yet. The
// version of other wins when d has none.
func (d Database) Merge(other Database) Database {
	out := d
	out.Collections = append([]Collection(nil), d.Collections...)
	if out.Version == "" {
		out.Version = other.Version
	}
	for _, c := range other.Collections {
		if _, ok := out.Collection(c.Name); !ok {
			out.Collections = append(out.Collections, c)
		}
	}
	return out
}
