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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/config"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
)

const sample = `
logging:
  level: DEBUG
engine:
  kind: objectstore
  inMemory: true
  compression: zstd
retry:
  maxRetries: 5
  delay: 50ms
databases:
  - name: shop
    version: "2"
    collections:
      - name: item
        autoIncrement: true
        fields:
          name: string
          price: number
        indexes:
          - name: nameIdx
            fieldPath: name
      - name: order
        keyPath: number
`

func setenv(key, value string) {
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, key)
}

var _ = Describe("Config", func() {
	Describe("Parse", func() {
		It("applies the file on top of the defaults", func() {
			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Logging.Level).To(Equal("DEBUG"))
			Expect(cfg.Logging.Format).To(Equal("CONSOLE"))
			Expect(cfg.Engine.Kind).To(Equal(engine.KindObjectStore))
			Expect(cfg.Engine.DataDir).To(Equal(config.DefaultDataDir))
			Expect(cfg.Retry.MaxRetries).To(Equal(uint64(5)))
			Expect(cfg.Retry.Delay).To(Equal(50 * time.Millisecond))
			Expect(cfg.Metrics.Address).To(Equal(config.DefaultMetricsAddress))

			shop, ok := cfg.Database("shop")
			Expect(ok).To(BeTrue())
			Expect(shop.Collections).To(HaveLen(2))
			_, ok = cfg.Database("missing")
			Expect(ok).To(BeFalse())

			Expect(config.Validate(cfg)).To(Succeed())
		})

		It("rejects empty and malformed input", func() {
			_, err := config.Parse([]byte("  \n"))
			Expect(err).To(HaveOccurred())
			_, err = config.Parse([]byte("engine: [unbalanced"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Load", func() {
		It("returns the defaults for an empty path", func() {
			cfg, err := config.Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(config.Default()))
		})

		It("reads a file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "browserdb.yaml")
			Expect(os.WriteFile(path, []byte(sample), 0o600)).To(Succeed())
			cfg, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Databases).To(HaveLen(1))
		})

		It("reports a missing file", func() {
			_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "nope.yaml"))
			Expect(err).To(MatchError(ContainSubstring("does not exist")))
		})
	})

	Describe("Validate", func() {
		DescribeTable("rejects",
			func(mutate func(*config.FullConfig)) {
				cfg, err := config.Parse([]byte(sample))
				Expect(err).NotTo(HaveOccurred())
				mutate(&cfg)
				Expect(config.Validate(cfg)).To(MatchError(persistence.ErrConfigurationInvalid))
			},
			Entry("unknown engine", func(c *config.FullConfig) { c.Engine.Kind = "flatfile" }),
			Entry("unknown compression", func(c *config.FullConfig) { c.Engine.Compression = "lz4" }),
			Entry("unknown log level", func(c *config.FullConfig) { c.Logging.Level = "TRACE" }),
			Entry("metrics without address", func(c *config.FullConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			}),
			Entry("duplicate database", func(c *config.FullConfig) {
				c.Databases = append(c.Databases, c.Databases[0])
			}),
			Entry("invalid schema", func(c *config.FullConfig) {
				c.Databases[0].Collections[0].Indexes[0].FieldPath = "color"
			}),
		)
	})

	Describe("ApplyEnvOverrides", func() {
		It("prefers the environment over the file", func() {
			setenv(config.EnvEngine, "sqltable")
			setenv(config.EnvDataDir, "/var/lib/browserdb")
			setenv(config.EnvDisableObjectStore, "true")
			setenv(config.EnvMaxRetries, "9")
			setenv(config.EnvRetryDelay, "1s")

			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())
			cfg, err = config.ApplyEnvOverrides(cfg, zap.NewNop().Sugar())
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Engine.Kind).To(Equal(engine.KindSQL))
			Expect(cfg.Engine.DataDir).To(Equal("/var/lib/browserdb"))
			Expect(cfg.Engine.DisableObjectStore).To(BeTrue())
			Expect(cfg.Engine.InMemory).To(BeTrue())
			Expect(cfg.Retry.MaxRetries).To(Equal(uint64(9)))
			Expect(cfg.Retry.Delay).To(Equal(time.Second))
		})

		It("reports malformed values and keeps the file values", func() {
			setenv(config.EnvMaxRetries, "many")
			setenv(config.EnvRetryDelay, "soon")
			setenv(config.EnvInMemory, "perhaps")
			setenv(config.EnvDataDir, "/srv/browserdb")

			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())
			out, err := config.ApplyEnvOverrides(cfg, zap.NewNop().Sugar())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(config.EnvMaxRetries))
			Expect(err.Error()).To(ContainSubstring(config.EnvRetryDelay))
			Expect(err.Error()).To(ContainSubstring(config.EnvInMemory))

			Expect(out.Retry.MaxRetries).To(Equal(uint64(5)))
			Expect(out.Retry.Delay).To(Equal(50 * time.Millisecond))
			Expect(out.Engine.InMemory).To(BeTrue())
			Expect(out.Engine.DataDir).To(Equal("/srv/browserdb"))
		})

		It("rejects a negative retry count", func() {
			setenv(config.EnvMaxRetries, "-3")

			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())
			out, err := config.ApplyEnvOverrides(cfg, zap.NewNop().Sugar())
			Expect(err).To(MatchError(ContainSubstring("must not be negative")))
			Expect(out.Retry.MaxRetries).To(Equal(uint64(5)))
		})

		It("keeps file values when nothing is set", func() {
			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())
			out, err := config.ApplyEnvOverrides(cfg, zap.NewNop().Sugar())
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(cfg))
		})
	})

	Describe("NewRegistry", func() {
		It("declares every configured database", func() {
			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())

			registry, err := cfg.NewRegistry(events.NewBus())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { _ = registry.Close() })

			Expect(registry.Names()).To(Equal([]string{"shop"}))
			Expect(registry.Retry().MaxRetries).To(Equal(uint64(5)))

			db, err := registry.Connection("shop").WaitOpen(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Kind()).To(Equal(engine.KindObjectStore))
			Expect(db.Version()).To(Equal("2.0.0"))
			Expect(db.CollectionNames()).To(ConsistOf("item", "order"))
		})

		It("falls back to the SQL engine when the object store is disabled", func() {
			cfg, err := config.Parse([]byte(sample))
			Expect(err).NotTo(HaveOccurred())
			cfg.Engine.Kind = engine.KindAuto
			cfg.Engine.DisableObjectStore = true
			cfg.Engine.InMemory = false
			cfg.Engine.DataDir = GinkgoT().TempDir()

			registry, err := cfg.NewRegistry(nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { _ = registry.Close() })

			driver, err := registry.Selector().Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Kind()).To(Equal(engine.KindSQL))
		})
	})
})
