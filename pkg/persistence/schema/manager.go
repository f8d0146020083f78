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

package schema

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

// IndexChange names an index created or deleted during reconciliation.
type IndexChange struct {
	Collection string
	Index      string
}

// Report summarizes what a reconciliation changed.
type Report struct {
	OldVersion         string
	NewVersion         string
	CreatedCollections []string
	CreatedIndexes     []IndexChange
	DeletedIndexes     []IndexChange
}

// Created reports whether the collection was created by this run.
func (r *Report) Created(collection string) bool {
	if r == nil {
		return false
	}
	for _, c := range r.CreatedCollections {
		if c == collection {
			return true
		}
	}
	return false
}

// Empty reports whether nothing changed.
func (r *Report) Empty() bool {
	return r == nil || (len(r.CreatedCollections) == 0 && len(r.CreatedIndexes) == 0 && len(r.DeletedIndexes) == 0)
}

// Manager reconciles declared schemas with engine state.
type Manager struct {
	log *zap.SugaredLogger
}

func NewManager(log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{log: log}
}

// UpgradeFunc adapts Reconcile to an engine upgrade callback. The report
// is delivered to onReport after a successful run.
func (m *Manager) UpgradeFunc(declared Database, onReport func(*Report)) engine.UpgradeFunc {
	return func(ctx context.Context, tx engine.UpgradeTx, oldVersion, newVersion string) error {
		report, err := m.Reconcile(ctx, tx, declared)
		if err != nil {
			return err
		}
		report.OldVersion = oldVersion
		report.NewVersion = newVersion
		if onReport != nil {
			onReport(report)
		}
		return nil
	}
}

// Reconcile brings the physical schema in line with declared inside an
// upgrade transaction:
//   - a missing collection is created together with all its indexes
//   - for an existing collection, indexes only declared are created and
//     indexes only present physically are deleted; matching names are left
//     alone
//   - an existing collection without declared indexes loses all of them
//
// Collections present but not declared are kept.
func (m *Manager) Reconcile(ctx context.Context, tx engine.UpgradeTx, declared Database) (*Report, error) {
	if err := Validate(declared); err != nil {
		return nil, err
	}

	report := &Report{}
	existing := map[string]struct{}{}
	for _, name := range tx.CollectionNames() {
		existing[name] = struct{}{}
	}

	for _, c := range declared.Collections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, ok := existing[c.Name]; !ok {
			if err := m.createCollection(tx, c, report); err != nil {
				return nil, err
			}
			continue
		}
		if err := m.reconcileIndexes(tx, c, report); err != nil {
			return nil, err
		}
	}

	m.log.Infow("Schema reconciled",
		"database", declared.Name,
		"createdCollections", report.CreatedCollections,
		"createdIndexes", len(report.CreatedIndexes),
		"deletedIndexes", len(report.DeletedIndexes))
	return report, nil
}

func (m *Manager) createCollection(tx engine.UpgradeTx, c Collection, report *Report) error {
	opts := engine.CollectionOptions{KeyPath: c.EffectiveKeyPath(), AutoIncrement: c.AutoIncrement}
	if _, err := tx.CreateCollection(c.Name, opts); err != nil {
		return persistence.ReconcileError(fmt.Sprintf("create collection %q", c.Name), err)
	}
	report.CreatedCollections = append(report.CreatedCollections, c.Name)
	m.log.Debugw("Collection created", "collection", c.Name)

	for _, idx := range c.Indexes {
		if err := tx.CreateIndex(c.Name, idx.Name, c.IndexOptions(idx)); err != nil {
			return persistence.ReconcileError(fmt.Sprintf("create index %q on %q", idx.Name, c.Name), err)
		}
		report.CreatedIndexes = append(report.CreatedIndexes, IndexChange{Collection: c.Name, Index: idx.Name})
	}
	return nil
}

func (m *Manager) reconcileIndexes(tx engine.UpgradeTx, c Collection, report *Report) error {
	physical, err := tx.Indexes(c.Name)
	if err != nil {
		return persistence.ReconcileError(fmt.Sprintf("list indexes of %q", c.Name), err)
	}

	have := map[string]struct{}{}
	for _, info := range physical {
		have[info.Name] = struct{}{}
	}
	want := map[string]struct{}{}
	for _, idx := range c.Indexes {
		want[idx.Name] = struct{}{}
	}

	for _, idx := range c.Indexes {
		if _, ok := have[idx.Name]; ok {
			continue
		}
		if err := tx.CreateIndex(c.Name, idx.Name, c.IndexOptions(idx)); err != nil {
			return persistence.ReconcileError(fmt.Sprintf("create index %q on %q", idx.Name, c.Name), err)
		}
		report.CreatedIndexes = append(report.CreatedIndexes, IndexChange{Collection: c.Name, Index: idx.Name})
	}

	var extra []string
	for name := range have {
		if _, ok := want[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		if err := tx.DeleteIndex(c.Name, name); err != nil {
			return persistence.ReconcileError(fmt.Sprintf("delete index %q on %q", name, c.Name), err)
		}
		report.DeletedIndexes = append(report.DeletedIndexes, IndexChange{Collection: c.Name, Index: name})
	}
	return nil
}
