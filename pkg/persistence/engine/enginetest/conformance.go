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

// Package enginetest holds the behaviour every engine.Driver must show,
// written as shared Ginkgo specs.
package enginetest

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
)

// Layout creates the collections used by the conformance specs:
//
//	item  auto-increment on "id", index nameIdx on the string field "name"
//	tag   key path "code", unique index labelIdx on "label"
func Layout(_ context.Context, tx engine.UpgradeTx, _, _ string) error {
	if _, err := tx.CreateCollection("item", engine.CollectionOptions{KeyPath: "id", AutoIncrement: true}); err != nil {
		return err
	}
	if err := tx.CreateIndex("item", "nameIdx", engine.IndexOptions{FieldPath: "name", Type: engine.FieldString}); err != nil {
		return err
	}
	if _, err := tx.CreateCollection("tag", engine.CollectionOptions{KeyPath: "code"}); err != nil {
		return err
	}
	return tx.CreateIndex("tag", "labelIdx", engine.IndexOptions{FieldPath: "label", Unique: true})
}

// DescribeDriver registers the conformance tests. newDriver is called once
// per test and must return a driver with fresh storage.
func DescribeDriver(newDriver func() engine.Driver) {
	var (
		ctx    context.Context
		driver engine.Driver
		db     engine.Database
	)

	begin := func(mode engine.Mode, collections ...string) engine.Tx {
		tx, err := db.Begin(ctx, mode, collections...)
		Expect(err).NotTo(HaveOccurred())
		return tx
	}

	write := func(collection string, fn func(engine.Collection)) {
		tx := begin(engine.ReadWrite, collection)
		col, err := tx.Collection(collection)
		Expect(err).NotTo(HaveOccurred())
		fn(col)
		Expect(tx.Commit()).To(Succeed())
	}

	read := func(collection string, fn func(engine.Collection)) {
		tx := begin(engine.ReadOnly, collection)
		defer func() { _ = tx.Rollback() }()
		col, err := tx.Collection(collection)
		Expect(err).NotTo(HaveOccurred())
		fn(col)
	}

	drain := func(cur engine.Cursor, err error) (pks []any, values []map[string]any) {
		Expect(err).NotTo(HaveOccurred())
		defer cur.Close()
		for cur.Next() {
			pks = append(pks, cur.PrimaryKey())
			values = append(values, cur.Value())
		}
		Expect(cur.Err()).NotTo(HaveOccurred())
		return pks, values
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
		Expect(driver.Available()).To(Succeed())

		var err error
		db, err = driver.Open(ctx, "conformance", "1.0.0", Layout)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })
	})

	Describe("versions", func() {
		It("stores the requested version", func() {
			Expect(db.Version()).To(Equal("1.0.0"))
			Expect(db.CollectionNames()).To(ConsistOf("item", "tag"))
		})

		It("skips the upgrade for an unchanged version", func() {
			Expect(db.Close()).To(Succeed())
			called := false
			var err error
			db, err = driver.Open(ctx, "conformance", "1.0.0", func(context.Context, engine.UpgradeTx, string, string) error {
				called = true
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(called).To(BeFalse())
		})

		It("passes both versions to the upgrade and backfills new indexes", func() {
			write("item", func(col engine.Collection) {
				_, err := col.Add(ctx, map[string]any{"name": "Widget", "color": "red"})
				Expect(err).NotTo(HaveOccurred())
			})
			Expect(db.Close()).To(Succeed())

			var oldVersion, newVersion string
			var err error
			db, err = driver.Open(ctx, "conformance", "2.0.0", func(_ context.Context, tx engine.UpgradeTx, o, n string) error {
				oldVersion, newVersion = o, n
				return tx.CreateIndex("item", "colorIdx", engine.IndexOptions{FieldPath: "color"})
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(oldVersion).To(Equal("1.0.0"))
			Expect(newVersion).To(Equal("2.0.0"))

			read("item", func(col engine.Collection) {
				Expect(col.IndexNames()).To(Equal([]string{"colorIdx", "nameIdx"}))
				idx, err := col.Index("colorIdx")
				Expect(err).NotTo(HaveOccurred())
				_, value, err := idx.Get(ctx, "red")
				Expect(err).NotTo(HaveOccurred())
				Expect(value["name"]).To(Equal("Widget"))
			})
		})

		It("keeps the old version when the upgrade fails", func() {
			Expect(db.Close()).To(Succeed())
			_, err := driver.Open(ctx, "conformance", "2.0.0", func(context.Context, engine.UpgradeTx, string, string) error {
				return errors.New("refused")
			})
			Expect(err).To(MatchError(ContainSubstring("refused")))

			db, err = driver.Open(ctx, "conformance", "1.0.0", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Version()).To(Equal("1.0.0"))
		})

		It("rejects invalid database names", func() {
			_, err := driver.Open(ctx, "../escape", "1.0.0", nil)
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
		})
	})

	Describe("records", func() {
		It("adds, reads, replaces and deletes", func() {
			var pk any
			write("tag", func(col engine.Collection) {
				var err error
				pk, err = col.Add(ctx, map[string]any{"code": "a1", "label": "Alpha", "extra": true})
				Expect(err).NotTo(HaveOccurred())
			})
			Expect(pk).To(Equal("a1"))

			write("tag", func(col engine.Collection) {
				_, err := col.Put(ctx, map[string]any{"code": "a1", "label": "Alpha 2"})
				Expect(err).NotTo(HaveOccurred())
			})
			read("tag", func(col engine.Collection) {
				v, err := col.Get(ctx, "a1")
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(map[string]any{"code": "a1", "label": "Alpha 2"}))
			})

			write("tag", func(col engine.Collection) {
				Expect(col.Delete(ctx, "a1")).To(Succeed())
				Expect(col.Delete(ctx, "a1")).To(Succeed())
			})
			read("tag", func(col engine.Collection) {
				_, err := col.Get(ctx, "a1")
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})
		})

		It("refuses duplicate keys on add", func() {
			write("tag", func(col engine.Collection) {
				_, err := col.Add(ctx, map[string]any{"code": "a1"})
				Expect(err).NotTo(HaveOccurred())
				_, err = col.Add(ctx, map[string]any{"code": "a1"})
				Expect(err).To(MatchError(persistence.ErrConstraint))
			})
		})

		It("refuses records without a key", func() {
			write("tag", func(col engine.Collection) {
				_, err := col.Add(ctx, map[string]any{"label": "no code"})
				Expect(err).To(MatchError(persistence.ErrInvalidKey))
			})
		})

		It("enforces unique indexes", func() {
			write("tag", func(col engine.Collection) {
				_, err := col.Add(ctx, map[string]any{"code": "a", "label": "same"})
				Expect(err).NotTo(HaveOccurred())
				_, err = col.Put(ctx, map[string]any{"code": "a", "label": "same"})
				Expect(err).NotTo(HaveOccurred())
				_, err = col.Add(ctx, map[string]any{"code": "b", "label": "same"})
				Expect(err).To(MatchError(persistence.ErrConstraint))
			})
		})

		It("generates increasing keys and keeps the generator across clear", func() {
			var keys []any
			write("item", func(col engine.Collection) {
				for _, rec := range []map[string]any{{"name": "a"}, {"name": "b"}, {"id": 10, "name": "c"}, {"name": "d"}} {
					pk, err := col.Add(ctx, rec)
					Expect(err).NotTo(HaveOccurred())
					keys = append(keys, pk)
				}
			})
			Expect(keys).To(Equal([]any{1.0, 2.0, 10.0, 11.0}))

			write("item", func(col engine.Collection) {
				Expect(col.Clear(ctx)).To(Succeed())
				n, err := col.Count(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(BeZero())

				pk, err := col.Add(ctx, map[string]any{"name": "e"})
				Expect(err).NotTo(HaveOccurred())
				Expect(pk).To(Equal(12.0))
			})
			read("item", func(col engine.Collection) {
				v, err := col.Get(ctx, 12)
				Expect(err).NotTo(HaveOccurred())
				Expect(v["id"]).To(Equal(12.0))
			})
		})

		It("discards writes on rollback", func() {
			tx := begin(engine.ReadWrite, "tag")
			col, err := tx.Collection("tag")
			Expect(err).NotTo(HaveOccurred())
			_, err = col.Add(ctx, map[string]any{"code": "gone"})
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Rollback()).To(Succeed())

			read("tag", func(col engine.Collection) {
				_, err := col.Get(ctx, "gone")
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})
		})

		It("refuses writes in read-only transactions", func() {
			read("tag", func(col engine.Collection) {
				_, err := col.Put(ctx, map[string]any{"code": "x"})
				Expect(err).To(MatchError(persistence.ErrStorageOperationFailed))
			})
		})

		It("refuses use after commit", func() {
			tx := begin(engine.ReadWrite, "tag")
			Expect(tx.Commit()).To(Succeed())
			Expect(tx.Commit()).To(MatchError(persistence.ErrStorageOperationFailed))
			_, err := tx.Collection("tag")
			Expect(err).To(HaveOccurred())
		})

		It("limits transactions to existing collections", func() {
			_, err := db.Begin(ctx, engine.ReadOnly, "missing")
			Expect(err).To(MatchError(persistence.ErrNotFound))

			tx := begin(engine.ReadOnly, "tag")
			defer func() { _ = tx.Rollback() }()
			_, err = tx.Collection("item")
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})
	})

	Describe("cursors", func() {
		BeforeEach(func() {
			write("item", func(col engine.Collection) {
				for _, name := range []string{"Widget", "Gadget", "Sprocket", "Gizmo"} {
					_, err := col.Add(ctx, map[string]any{"name": name})
					Expect(err).NotTo(HaveOccurred())
				}
				_, err := col.Add(ctx, map[string]any{"name": 42})
				Expect(err).NotTo(HaveOccurred())
			})
		})

		It("walks primary keys in both directions", func() {
			read("item", func(col engine.Collection) {
				pks, _ := drain(col.OpenCursor(ctx, nil, engine.Next))
				Expect(pks).To(Equal([]any{1.0, 2.0, 3.0, 4.0, 5.0}))
				pks, _ = drain(col.OpenCursor(ctx, nil, engine.Prev))
				Expect(pks).To(Equal([]any{5.0, 4.0, 3.0, 2.0, 1.0}))
			})
		})

		It("restricts to a key range", func() {
			read("item", func(col engine.Collection) {
				pks, _ := drain(col.OpenCursor(ctx, engine.Bound(2, 4), engine.Next))
				Expect(pks).To(Equal([]any{2.0, 3.0, 4.0}))
				pks, _ = drain(col.OpenCursor(ctx, &engine.KeyRange{Lower: 2, Upper: 4, LowerOpen: true, UpperOpen: true}, engine.Next))
				Expect(pks).To(Equal([]any{3.0}))
				n, err := col.Count(ctx, engine.LowerBound(4))
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(2))
			})
		})

		It("orders index entries by index key and skips mistyped values", func() {
			read("item", func(col engine.Collection) {
				idx, err := col.Index("nameIdx")
				Expect(err).NotTo(HaveOccurred())

				_, values := drain(idx.OpenCursor(ctx, nil, engine.Next))
				var names []any
				for _, v := range values {
					names = append(names, v["name"])
				}
				Expect(names).To(Equal([]any{"Gadget", "Gizmo", "Sprocket", "Widget"}))

				pks, _ := drain(idx.OpenCursor(ctx, engine.Bound("G", "H"), engine.Prev))
				Expect(pks).To(Equal([]any{4.0, 2.0}))

				n, err := idx.Count(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(4))

				pk, value, err := idx.Get(ctx, "Sprocket")
				Expect(err).NotTo(HaveOccurred())
				Expect(pk).To(Equal(3.0))
				Expect(value["name"]).To(Equal("Sprocket"))

				_, _, err = idx.Get(ctx, "Nothing")
				Expect(err).To(MatchError(persistence.ErrNotFound))

				_, err = col.Index("missing")
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})
		})

		It("moves index entries when a record changes", func() {
			write("item", func(col engine.Collection) {
				_, err := col.Put(ctx, map[string]any{"id": 1, "name": "Anvil"})
				Expect(err).NotTo(HaveOccurred())
			})
			read("item", func(col engine.Collection) {
				idx, err := col.Index("nameIdx")
				Expect(err).NotTo(HaveOccurred())
				pks, _ := drain(idx.OpenCursor(ctx, engine.Only("Widget"), engine.Next))
				Expect(pks).To(BeEmpty())
				pks, _ = drain(idx.OpenCursor(ctx, engine.Only("Anvil"), engine.Next))
				Expect(pks).To(Equal([]any{1.0}))
			})
		})
	})
}
