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

package sqltable_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/enginetest"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/sqltable"
)

func newDriver(cfg sqltable.Config) *sqltable.Driver {
	d, err := sqltable.NewDriver(cfg)
	Expect(err).NotTo(HaveOccurred())
	return d
}

var _ = Describe("Driver", func() {
	Context("on disk", func() {
		enginetest.DescribeDriver(func() engine.Driver {
			return newDriver(sqltable.Config{DataDir: GinkgoT().TempDir()})
		})
	})

	Context("on disk with compression and a tiny statement cache", func() {
		enginetest.DescribeDriver(func() engine.Driver {
			return newDriver(sqltable.Config{
				DataDir:            GinkgoT().TempDir(),
				Compression:        codec.CompressionZstd,
				StatementCacheSize: 2,
			})
		})
	})

	It("reports itself unavailable when disabled", func() {
		d := newDriver(sqltable.Config{InMemory: true, Disabled: true})
		Expect(d.Available()).To(HaveOccurred())
		Expect(d.Kind()).To(Equal(engine.KindSQL))
	})

	It("reports an unregistered sql driver", func() {
		d := newDriver(sqltable.Config{InMemory: true, DriverName: "no-such-driver"})
		Expect(d.Available()).To(MatchError(ContainSubstring("no-such-driver")))
	})

	It("rejects unknown compression", func() {
		_, err := sqltable.NewDriver(sqltable.Config{Compression: "lz4"})
		Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
	})

	It("works in memory while the database is open", func() {
		ctx := context.Background()
		db, err := newDriver(sqltable.Config{InMemory: true}).Open(ctx, "mem", "1.0.0", enginetest.Layout)
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()

		tx, err := db.Begin(ctx, engine.ReadWrite, "tag")
		Expect(err).NotTo(HaveOccurred())
		col, err := tx.Collection("tag")
		Expect(err).NotTo(HaveOccurred())
		_, err = col.Add(ctx, map[string]any{"code": "m", "label": "memory"})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Commit()).To(Succeed())

		tx, err = db.Begin(ctx, engine.ReadOnly, "tag")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = tx.Rollback() }()
		col, err = tx.Collection("tag")
		Expect(err).NotTo(HaveOccurred())
		n, err := col.Count(ctx, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})

	It("stores one file per database", func() {
		dir := GinkgoT().TempDir()
		db, err := newDriver(sqltable.Config{DataDir: dir}).Open(context.Background(), "shop", "1.0.0", enginetest.Layout)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Close()).To(Succeed())

		_, err = os.Stat(filepath.Join(dir, "shop.sqlite"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("drops collections and indexes during an upgrade", func() {
		ctx := context.Background()
		d := newDriver(sqltable.Config{DataDir: GinkgoT().TempDir()})
		db, err := d.Open(ctx, "shop", "1.0.0", enginetest.Layout)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Close()).To(Succeed())

		db, err = d.Open(ctx, "shop", "2.0.0", func(_ context.Context, tx engine.UpgradeTx, _, _ string) error {
			if err := tx.DeleteIndex("item", "nameIdx"); err != nil {
				return err
			}
			return tx.DeleteCollection("tag")
		})
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()

		Expect(db.CollectionNames()).To(ConsistOf("item"))
		tx, err := db.Begin(ctx, engine.ReadOnly, "item")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = tx.Rollback() }()
		col, err := tx.Collection("item")
		Expect(err).NotTo(HaveOccurred())
		Expect(col.IndexNames()).To(BeEmpty())
	})
})
