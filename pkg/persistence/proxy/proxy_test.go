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

package proxy_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/objectstore"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/sqltable"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/proxy"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

type engineCase struct {
	name      string
	newDriver func() engine.Driver
}

var engines = []engineCase{
	{
		name: "objectstore",
		newDriver: func() engine.Driver {
			d, err := objectstore.NewDriver(objectstore.Config{InMemory: true})
			Expect(err).NotTo(HaveOccurred())
			return d
		},
	},
	{
		name: "sqltable",
		newDriver: func() engine.Driver {
			d, err := sqltable.NewDriver(sqltable.Config{DataDir: GinkgoT().TempDir()})
			Expect(err).NotTo(HaveOccurred())
			return d
		},
	},
}

func itemConfig() proxy.Config {
	return proxy.Config{
		DatabaseName:   "shop",
		CollectionName: "item",
		SchemaVersion:  "1",
		AutoIncrement:  true,
		Fields:         map[string]schema.FieldType{"name": engine.FieldString, "price": engine.FieldNumber},
		Indexes: []schema.Index{
			{Name: "nameIdx", FieldPath: "name"},
			{Name: "priceIdx", FieldPath: "price"},
		},
	}
}

func model(data map[string]any) *persistence.Model {
	return persistence.NewModel("id", data)
}

func names(rs *persistence.ResultSet) []any {
	out := make([]any, 0, len(rs.Records))
	for _, r := range rs.Records {
		out = append(out, r.Data()["name"])
	}
	return out
}

type eventLog struct {
	mu  sync.Mutex
	got []events.Event
}

func (l *eventLog) add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e)
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

var _ = Describe("Proxy", func() {
	for _, ec := range engines {
		ec := ec
		Context("on "+ec.name, func() {
			var (
				ctx      context.Context
				driver   engine.Driver
				bus      *events.Bus
				log      *eventLog
				registry *connection.Registry
				items    *proxy.Proxy
			)

			newRegistry := func() *connection.Registry {
				r := connection.NewRegistry(engine.NewSelector(engine.KindAuto, nil, driver), connection.WithBus(bus))
				DeferCleanup(func() { _ = r.Close() })
				return r
			}

			create := func(p *proxy.Proxy, records ...persistence.Record) *persistence.Operation {
				op := persistence.NewCreate(records...)
				p.Create(ctx, op, nil)
				_, _ = op.Wait(ctx)
				return op
			}

			read := func(p *proxy.Proxy, q *persistence.Query) *persistence.ResultSet {
				op := persistence.NewRead(q)
				p.Read(ctx, op, nil)
				rs, err := op.Wait(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(op.Successful()).To(BeTrue())
				return rs
			}

			seedShop := func() {
				op := create(items,
					model(map[string]any{"name": "Widget", "price": 10}),
					model(map[string]any{"name": "Gadget", "price": 5}),
				)
				Expect(op.Err()).NotTo(HaveOccurred())
				Expect(read(items, nil).Total).To(Equal(2))
			}

			BeforeEach(func() {
				ctx = context.Background()
				driver = ec.newDriver()
				bus = events.NewBus()
				log = &eventLog{}
				bus.Subscribe(log.add)
				registry = newRegistry()

				var err error
				items, err = proxy.New(ctx, registry, itemConfig())
				Expect(err).NotTo(HaveOccurred())
			})

			Describe("create", func() {
				It("writes generated keys back into the records", func() {
					widget := model(map[string]any{"name": "Widget", "price": 10})
					var calls atomic.Int32
					var got atomic.Pointer[persistence.Operation]
					op := persistence.NewCreate(widget)
					items.Create(ctx, op, func(done *persistence.Operation) {
						got.Store(done)
						calls.Add(1)
					})
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					items.Wait()

					Expect(calls.Load()).To(Equal(int32(1)))
					Expect(got.Load()).To(BeIdenticalTo(op))
					Expect(op.State()).To(Equal(persistence.StateCompleted))
					Expect(rs.Total).To(Equal(1))
					Expect(widget.ID()).To(Equal(1.0))
					Expect(widget.Modified()).To(BeEmpty())
				})

				It("reports failed records without losing the others", func() {
					Expect(create(items, model(map[string]any{"id": 7, "name": "Sprocket"})).Err()).NotTo(HaveOccurred())

					op := create(items,
						model(map[string]any{"id": 7, "name": "Duplicate"}),
						model(map[string]any{"name": "Gizmo"}),
					)
					Expect(op.Successful()).To(BeFalse())
					Expect(op.Err()).To(MatchError(persistence.ErrStorageOperationFailed))
					Expect(op.Err()).To(MatchError(persistence.ErrConstraint))
					Expect(op.RecordErrors()).To(HaveLen(1))
					Expect(op.RecordErrors()[0].Index).To(Equal(0))
					Expect(op.RecordErrors()[0].Key).To(Equal(7))
					Expect(op.ResultSet().Total).To(Equal(1))
					Eventually(func() int { return log.count(events.Exception) }).Should(Equal(1))

					Expect(names(read(items, persistence.NewQuery().Index("nameIdx")))).To(Equal([]any{"Gizmo", "Sprocket"}))
				})

				It("refuses an operation of another kind", func() {
					op := persistence.NewClear()
					items.Create(ctx, op, nil)
					_, err := op.Wait(ctx)
					Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
				})

				It("accepts operations built as struct literals", func() {
					var got atomic.Pointer[persistence.Operation]
					op := &persistence.Operation{
						Action:  persistence.ActionCreate,
						Records: []persistence.Record{model(map[string]any{"name": "Widget", "price": 10})},
					}
					items.Create(ctx, op, func(done *persistence.Operation) { got.Store(done) })
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					items.Wait()

					Expect(got.Load()).To(BeIdenticalTo(op))
					Expect(op.Successful()).To(BeTrue())
					Expect(op.ID()).NotTo(BeEmpty())
					Expect(rs.Total).To(Equal(1))

					mismatched := &persistence.Operation{}
					var calls atomic.Int32
					items.Read(ctx, mismatched, func(*persistence.Operation) { calls.Add(1) })
					_, err = mismatched.Wait(ctx)
					Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
					Expect(calls.Load()).To(Equal(int32(1)))
				})
			})

			Describe("read", func() {
				BeforeEach(seedShop)

				It("looks records up by key", func() {
					op := persistence.NewReadID(1)
					items.Read(ctx, op, nil)
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(rs.Total).To(Equal(1))
					Expect(rs.Records[0].ID()).To(Equal(1.0))
				})

				It("returns an empty set for missing keys", func() {
					op := persistence.NewReadID(99)
					items.Read(ctx, op, nil)
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(op.Successful()).To(BeTrue())
					Expect(rs.Records).To(BeEmpty())
					Expect(rs.Total).To(BeZero())
				})

				It("scans in index order, forwards and backwards", func() {
					Expect(names(read(items, persistence.NewQuery().Index("nameIdx")))).To(Equal([]any{"Gadget", "Widget"}))
					Expect(names(read(items, persistence.NewQuery().Index("nameIdx").FromEnd()))).To(Equal([]any{"Widget", "Gadget"}))
				})

				It("matches index values and ranges", func() {
					rs := read(items, persistence.NewQuery().Index("nameIdx").Equal("Gadget"))
					Expect(names(rs)).To(Equal([]any{"Gadget"}))

					rs = read(items, persistence.NewQuery().Index("priceIdx").Between(6, 20))
					Expect(names(rs)).To(Equal([]any{"Widget"}))

					rs = read(items, persistence.NewQuery().Index("priceIdx").Upper(10))
					Expect(names(rs)).To(Equal([]any{"Gadget", "Widget"}))

					rs = read(items, persistence.NewQuery().Index("nameIdx").Lower("Gadget"))
					Expect(names(rs)).To(Equal([]any{"Gadget", "Widget"}))
				})

				It("pages with start and limit", func() {
					q := persistence.NewQuery().Index("nameIdx").Start(1).Limit(1)
					rs := read(items, q)
					Expect(names(rs)).To(Equal([]any{"Widget"}))
					Expect(rs.Total).To(Equal(1))

					Expect(read(items, persistence.NewQuery().Limit(1)).Total).To(Equal(1))
					Expect(read(items, persistence.NewQuery().Start(5)).Records).To(BeEmpty())
				})

				It("filters by substring over the chosen fields", func() {
					rs := read(items, persistence.NewQuery().Index("nameIdx").Contains("WIDG", "name"))
					Expect(names(rs)).To(Equal([]any{"Widget"}))

					Expect(read(items, persistence.NewQuery().Contains("widg")).Records).To(BeEmpty())
				})

				It("fails for unknown indexes", func() {
					op := persistence.NewRead(persistence.NewQuery().Index("colorIdx"))
					items.Read(ctx, op, nil)
					_, err := op.Wait(ctx)
					Expect(err).To(MatchError(persistence.ErrStorageOperationFailed))
					Expect(err).To(MatchError(persistence.ErrNotFound))
				})
			})

			Describe("update", func() {
				BeforeEach(seedShop)

				It("replaces records in full", func() {
					rs := read(items, persistence.NewQuery().Index("nameIdx").Equal("Widget"))
					widget := rs.Records[0].(*persistence.Model)
					id := widget.ID()

					op := persistence.NewUpdate(model(map[string]any{"id": id, "name": "Widget XL"}))
					items.Update(ctx, op, nil)
					_, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())

					get := persistence.NewReadID(id)
					items.Read(ctx, get, nil)
					got, err := get.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.Records[0].Data()).To(Equal(map[string]any{"id": id, "name": "Widget XL"}))

					Expect(read(items, persistence.NewQuery().Index("priceIdx")).Total).To(Equal(1))
				})

				It("adds records that are not stored yet", func() {
					op := persistence.NewUpdate(model(map[string]any{"id": 40, "name": "Gizmo"}), model(map[string]any{"name": "Doohickey"}))
					items.Update(ctx, op, nil)
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(rs.Total).To(Equal(2))
					Expect(read(items, nil).Total).To(Equal(4))
				})
			})

			Describe("destroy and clear", func() {
				BeforeEach(seedShop)

				It("deletes by key and tolerates missing records", func() {
					op := persistence.NewDestroy(model(map[string]any{"id": 1}), model(map[string]any{"id": 1000}))
					items.Destroy(ctx, op, nil)
					_, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(read(items, nil).Total).To(Equal(1))
				})

				It("refuses records without a key", func() {
					op := persistence.NewDestroy(model(map[string]any{"name": "anonymous"}))
					items.Destroy(ctx, op, nil)
					_, err := op.Wait(ctx)
					Expect(err).To(MatchError(persistence.ErrInvalidKey))
				})

				It("clears idempotently and keeps generating new keys", func() {
					for i := 0; i < 2; i++ {
						op := persistence.NewClear()
						items.Clear(ctx, op, nil)
						_, err := op.Wait(ctx)
						Expect(err).NotTo(HaveOccurred())
					}
					Expect(read(items, nil).Records).To(BeEmpty())
					Eventually(func() int { return log.count(events.CollectionCleared) }).Should(Equal(2))

					gizmo := model(map[string]any{"name": "Gizmo"})
					Expect(create(items, gizmo).Err()).NotTo(HaveOccurred())
					Expect(gizmo.ID()).To(Equal(3.0))
				})

				It("loads raw data in one batch, optionally clearing first", func() {
					op := items.AddData(ctx, []map[string]any{{"name": "Anvil"}, {"name": "Bolt"}}, true, nil)
					rs, err := op.Wait(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(rs.Total).To(Equal(2))
					Expect(names(read(items, persistence.NewQuery().Index("nameIdx")))).To(Equal([]any{"Anvil", "Bolt"}))
				})
			})

			Describe("shared connections", func() {
				It("serves several collections of one database", func() {
					registry = newRegistry()
					store := schema.Database{Name: "store", Version: "1", Collections: []schema.Collection{
						{Name: "item", AutoIncrement: true},
						{Name: "order", KeyPath: "number"},
					}}
					Expect(registry.Connection("store").Declare(store)).To(Succeed())

					a, err := proxy.New(ctx, registry, proxy.Config{DatabaseName: "store", CollectionName: "item", AutoIncrement: true})
					Expect(err).NotTo(HaveOccurred())
					b, err := proxy.New(ctx, registry, proxy.Config{DatabaseName: "store", Table: "order", KeyPath: "number"})
					Expect(err).NotTo(HaveOccurred())
					Expect(a.Connection()).To(BeIdenticalTo(b.Connection()))
					Expect(b.Collection()).To(Equal("order"))
					Expect(b.KeyPath()).To(Equal("number"))

					order := persistence.NewModel("number", map[string]any{"number": "A-1"})
					Expect(create(b, order).Err()).NotTo(HaveOccurred())
					Expect(read(b, nil).Total).To(Equal(1))
					Expect(read(a, nil).Total).To(BeZero())

					_, err = proxy.New(ctx, registry, proxy.Config{DatabaseName: "store", CollectionName: "late"})
					Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
					Expect(err.Error()).To(ContainSubstring(`Registry.Connection("store").Declare`))
				})
			})

			Describe("initial data", func() {
				It("is written once when the collection is created", func() {
					registry = newRegistry()
					cfg := proxy.Config{
						DatabaseName:   "catalog",
						CollectionName: "color",
						KeyPath:        "code",
						InitialData:    []map[string]any{{"code": "r", "label": "red"}, {"code": "g", "label": "green"}},
					}
					p, err := proxy.New(ctx, registry, cfg)
					Expect(err).NotTo(HaveOccurred())
					Eventually(func() int { return log.count(events.InitialDataInserted) }, 2*time.Second).Should(Equal(1))
					Expect(read(p, nil).Total).To(Equal(2))

					Expect(registry.Close()).To(Succeed())
					again, err := proxy.New(ctx, registry, cfg)
					Expect(err).NotTo(HaveOccurred())
					Expect(read(again, nil).Total).To(Equal(2))
					Consistently(func() int { return log.count(events.InitialDataInserted) }, 100*time.Millisecond).Should(Equal(1))
				})
			})
		})
	}

	Describe("configuration", func() {
		var registry *connection.Registry

		BeforeEach(func() {
			d, err := objectstore.NewDriver(objectstore.Config{InMemory: true})
			Expect(err).NotTo(HaveOccurred())
			registry = connection.NewRegistry(engine.NewSelector(engine.KindAuto, nil, d))
			DeferCleanup(func() { _ = registry.Close() })
		})

		DescribeTable("rejects incomplete configs",
			func(cfg proxy.Config) {
				_, err := proxy.New(context.Background(), registry, cfg)
				Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
			},
			Entry("no database", proxy.Config{CollectionName: "item"}),
			Entry("no collection", proxy.Config{DatabaseName: "shop"}),
			Entry("negative concurrency", proxy.Config{DatabaseName: "shop", CollectionName: "item", Concurrency: -1}),
			Entry("index on undeclared field", proxy.Config{
				DatabaseName:   "shop",
				CollectionName: "item",
				Fields:         map[string]schema.FieldType{"name": engine.FieldString},
				Indexes:        []schema.Index{{Name: "colorIdx", FieldPath: "color"}},
			}),
		)

		It("rejects a missing registry", func() {
			_, err := proxy.New(context.Background(), nil, itemConfig())
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
		})

		It("fails when no engine is usable", func() {
			d, err := objectstore.NewDriver(objectstore.Config{Disabled: true})
			Expect(err).NotTo(HaveOccurred())
			bus := events.NewBus()
			var unsupported atomic.Int32
			bus.Subscribe(func(events.Event) { unsupported.Add(1) }, events.EngineUnsupported)
			r := connection.NewRegistry(engine.NewSelector(engine.KindAuto, nil, d), connection.WithBus(bus))

			_, err = proxy.New(context.Background(), r, itemConfig())
			Expect(err).To(MatchError(persistence.ErrEnvironmentUnsupported))
			Expect(unsupported.Load()).To(Equal(int32(1)))
		})
	})
})
