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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/config"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
)

const cliConfig = `
engine:
  inMemory: true
databases:
  - name: shop
    version: "1"
    collections:
      - name: item
        autoIncrement: true
        indexes:
          - name: nameIdx
            fieldPath: name
`

var _ = Describe("cli", func() {
	var (
		ctx context.Context
		out *bytes.Buffer
		app *cli
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg, err := config.Parse([]byte(cliConfig))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Validate(cfg)).To(Succeed())

		registry, err := cfg.NewRegistry(events.NewBus())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = registry.Close() })

		out = &bytes.Buffer{}
		app = &cli{cfg: cfg, registry: registry, out: out, log: zap.NewNop().Sugar()}
	})

	It("imports, dumps and clears a collection", func() {
		path := filepath.Join(GinkgoT().TempDir(), "items.json")
		Expect(os.WriteFile(path, []byte(`[{"name":"Widget"},{"name":"Gadget"}]`), 0o600)).To(Succeed())

		Expect(app.dispatch(ctx, "import", []string{"shop", "item", path})).To(Succeed())
		Expect(out.String()).To(ContainSubstring("imported 2 of 2 records into shop/item"))

		out.Reset()
		Expect(app.dispatch(ctx, "dump", []string{"shop", "item"})).To(Succeed())
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		Expect(lines).To(HaveLen(2))
		Expect(lines[0]).To(ContainSubstring(`"id":1`))

		out.Reset()
		Expect(app.dispatch(ctx, "clear", []string{"shop", "item"})).To(Succeed())
		out.Reset()
		Expect(app.dispatch(ctx, "dump", []string{"shop", "item"})).To(Succeed())
		Expect(out.String()).To(BeEmpty())
	})

	It("replaces existing records with -clear", func() {
		path := filepath.Join(GinkgoT().TempDir(), "items.json")
		Expect(os.WriteFile(path, []byte(`[{"name":"Widget"}]`), 0o600)).To(Succeed())

		Expect(app.dispatch(ctx, "import", []string{"shop", "item", path})).To(Succeed())
		Expect(app.dispatch(ctx, "import", []string{"-clear", "shop", "item", path})).To(Succeed())

		out.Reset()
		Expect(app.dispatch(ctx, "dump", []string{"shop", "item"})).To(Succeed())
		Expect(strings.Count(out.String(), "\n")).To(Equal(1))
	})

	It("prints the schema", func() {
		Expect(app.dispatch(ctx, "schema", nil)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("engine: objectstore"))
		Expect(out.String()).To(ContainSubstring("database shop (version 1.0.0)"))
		Expect(out.String()).To(ContainSubstring("index nameIdx field=name unique=false"))
	})

	It("rejects unknown targets and bad usage", func() {
		Expect(app.dispatch(ctx, "dump", []string{"shop"})).To(MatchError(errUsage))
		Expect(app.dispatch(ctx, "frobnicate", nil)).To(MatchError(errUsage))
		Expect(app.dispatch(ctx, "dump", []string{"shop", "order"})).To(MatchError(persistence.ErrConfigurationInvalid))
		Expect(app.dispatch(ctx, "clear", []string{"audit", "item"})).To(MatchError(persistence.ErrConfigurationInvalid))
	})

	It("rejects import files that are not arrays of objects", func() {
		path := filepath.Join(GinkgoT().TempDir(), "bad.json")
		Expect(os.WriteFile(path, []byte(`{"name":"Widget"}`), 0o600)).To(Succeed())
		Expect(app.dispatch(ctx, "import", []string{"shop", "item", path})).To(MatchError(ContainSubstring("expected a JSON array")))
	})
})
