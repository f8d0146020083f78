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

package connection_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine/objectstore"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

// gatedDriver delays Open until the gate is closed.
type gatedDriver struct {
	engine.Driver
	gate  chan struct{}
	opens atomic.Int32
}

func (g *gatedDriver) Open(ctx context.Context, name, version string, upgrade engine.UpgradeFunc) (engine.Database, error) {
	g.opens.Add(1)
	<-g.gate
	return g.Driver.Open(ctx, name, version, upgrade)
}

func newGatedDriver(open bool) *gatedDriver {
	store, err := objectstore.NewDriver(objectstore.Config{InMemory: true})
	Expect(err).NotTo(HaveOccurred())
	g := &gatedDriver{Driver: store, gate: make(chan struct{})}
	if open {
		close(g.gate)
	}
	return g
}

func shop() schema.Database {
	return schema.Database{
		Name:    "shop",
		Version: "1",
		Collections: []schema.Collection{{
			Name:          "item",
			AutoIncrement: true,
			Indexes:       []schema.Index{{Name: "nameIdx", FieldPath: "name"}},
		}},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var _ = Describe("Connection", func() {
	var (
		ctx      context.Context
		driver   *gatedDriver
		bus      *events.Bus
		rec      *recorder
		registry *connection.Registry
	)

	newRegistry := func(retry connection.RetryOptions, drivers ...engine.Driver) *connection.Registry {
		r := connection.NewRegistry(engine.NewSelector(engine.KindAuto, nil, drivers...),
			connection.WithBus(bus), connection.WithRetry(retry))
		DeferCleanup(func() { _ = r.Close() })
		return r
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = newGatedDriver(true)
		bus = events.NewBus()
		rec = &recorder{}
		bus.Subscribe(rec.handle)
		registry = newRegistry(connection.DefaultRetryOptions(), driver)
	})

	It("hands out one connection per name", func() {
		a := registry.Connection("shop")
		Expect(registry.Connection("shop")).To(BeIdenticalTo(a))
		registry.Connection("audit")
		Expect(registry.Names()).To(Equal([]string{"audit", "shop"}))
		Expect(a.State()).To(Equal(connection.StateClosed))
	})

	It("opens, reconciles and notifies", func() {
		conn := registry.Connection("shop")
		Expect(conn.Declare(shop())).To(Succeed())

		db, err := conn.WaitOpen(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.Version()).To(Equal("1.0.0"))
		Expect(conn.State()).To(Equal(connection.StateOpen))
		Expect(conn.Report().Created("item")).To(BeTrue())
		Eventually(rec.types).Should(Equal([]events.Type{events.SchemaUpgraded, events.ConnectionOpen}))
	})

	It("opens only once under concurrent initialization", func() {
		driver = newGatedDriver(false)
		registry = newRegistry(connection.DefaultRetryOptions(), driver)
		conn := registry.Connection("shop")
		Expect(conn.Declare(shop())).To(Succeed())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn.Initialize(ctx)
			}()
		}
		wg.Wait()
		Expect(conn.State()).To(Equal(connection.StateOpening))

		close(driver.gate)
		Eventually(conn.IsOpen).Should(BeTrue())
		Expect(driver.opens.Load()).To(Equal(int32(1)))
	})

	It("notifies early and late subscribers", func() {
		conn := registry.Connection("shop")
		Expect(conn.Declare(shop())).To(Succeed())

		var early atomic.Int32
		conn.Subscribe(func(engine.Database) { early.Add(1) })
		_, err := conn.WaitOpen(ctx)
		Expect(err).NotTo(HaveOccurred())
		Eventually(early.Load).Should(Equal(int32(1)))

		late := 0
		conn.Subscribe(func(db engine.Database) {
			Expect(db.Name()).To(Equal("shop"))
			late++
		})
		Expect(late).To(Equal(1))
		Expect(early.Load()).To(Equal(int32(1)))
	})

	Describe("declarations", func() {
		It("merges collections declared before opening", func() {
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())
			Expect(conn.Declare(schema.Database{Name: "shop", Collections: []schema.Collection{{Name: "order"}}})).To(Succeed())

			db, err := conn.WaitOpen(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.CollectionNames()).To(ConsistOf("item", "order"))
		})

		It("refuses new collections once opening started", func() {
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())
			_, err := conn.WaitOpen(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(conn.Declare(shop())).To(Succeed())
			err = conn.Declare(schema.Database{Name: "shop", Collections: []schema.Collection{{Name: "late"}}})
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
		})

		It("refuses declarations for another database", func() {
			err := registry.Connection("shop").Declare(schema.Database{Name: "other"})
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
		})
	})

	Describe("failures", func() {
		It("fails on an invalid declaration", func() {
			conn := registry.Connection("empty")
			_, err := conn.WaitOpen(ctx)
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
			Expect(conn.State()).To(Equal(connection.StateFailed))
			Eventually(rec.types).Should(ContainElement(events.Exception))
		})

		It("fails when no engine is available", func() {
			disabled, err := objectstore.NewDriver(objectstore.Config{InMemory: true, Disabled: true})
			Expect(err).NotTo(HaveOccurred())
			registry = newRegistry(connection.DefaultRetryOptions(), disabled)

			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())
			_, err = conn.WaitOpen(ctx)
			Expect(err).To(MatchError(persistence.ErrEnvironmentUnsupported))
			Eventually(rec.types).Should(ContainElements(events.EngineUnsupported, events.Exception))
		})

		It("can be opened again after closing", func() {
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())
			_, err := conn.WaitOpen(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Close()).To(Succeed())
			Expect(conn.State()).To(Equal(connection.StateClosed))
			_, ok := conn.Handle()
			Expect(ok).To(BeFalse())

			db, err := conn.WaitOpen(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.CollectionNames()).To(ConsistOf("item"))
			Expect(conn.Report()).To(BeNil())
		})
	})

	Describe("Guard", func() {
		fast := connection.RetryOptions{MaxRetries: 2, Delay: 5 * time.Millisecond}

		It("begins a transaction once the connection is open", func() {
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())

			tx, err := conn.Guard().Begin(ctx, engine.ReadWrite, "item")
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Mode()).To(Equal(engine.ReadWrite))
			Expect(tx.Rollback()).To(Succeed())
		})

		It("gives up after the retry bound", func() {
			driver = newGatedDriver(false)
			DeferCleanup(func() { close(driver.gate) })
			registry = newRegistry(fast, driver)
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())

			_, err := conn.Guard().Begin(ctx, engine.ReadOnly, "item")
			Expect(err).To(MatchError(persistence.ErrTransactionUnavailable))

			var terr *persistence.TransactionUnavailableError
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.Attempts).To(Equal(3))
			Expect(terr.Database).To(Equal("shop"))
			Expect(rec.types()).To(ContainElement(events.Exception))
		})

		It("succeeds when the connection opens while retrying", func() {
			driver = newGatedDriver(false)
			registry = newRegistry(connection.RetryOptions{MaxRetries: 50, Delay: 5 * time.Millisecond}, driver)
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())

			go func() {
				time.Sleep(20 * time.Millisecond)
				close(driver.gate)
			}()
			tx, err := conn.Guard().Begin(ctx, engine.ReadOnly, "item")
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Rollback()).To(Succeed())
		})

		It("returns the open failure without retrying", func() {
			registry = newRegistry(fast, driver)
			_, err := registry.Connection("empty").Guard().Begin(ctx, engine.ReadOnly, "item")
			Expect(err).To(MatchError(persistence.ErrConfigurationInvalid))
			Expect(err).NotTo(MatchError(persistence.ErrTransactionUnavailable))
		})

		It("reports unknown collections as storage failures", func() {
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())
			_, err := conn.Guard().Begin(ctx, engine.ReadOnly, "missing")
			Expect(err).To(MatchError(persistence.ErrStorageOperationFailed))
		})

		It("stops when the context is done", func() {
			driver = newGatedDriver(false)
			DeferCleanup(func() { close(driver.gate) })
			registry = newRegistry(connection.RetryOptions{MaxRetries: 1000, Delay: time.Second}, driver)
			conn := registry.Connection("shop")
			Expect(conn.Declare(shop())).To(Succeed())

			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := conn.Guard().Begin(cctx, engine.ReadOnly, "item")
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})
})
