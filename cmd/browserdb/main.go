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
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/browserdb/pkg/config"
	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/metrics"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/sentry"
)

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = sentry.DefaultAppVersion

const usage = `usage: browserdb [-config browserdb.yaml] <command> [args]

commands:
  schema                                  open every declared database and print its layout
  dump <database> <collection>            print every record as one JSON object per line
  import <database> <collection> <file>   insert the records of a JSON array file [-clear]
  clear <database> <collection>           delete every record of a collection
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "browserdb.yaml", "path to the config file, empty for defaults")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	logger.Initialize()
	log := logger.For(logger.ComponentCLI)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		return 1
	}
	cfg, err = config.ApplyEnvOverrides(cfg, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Invalid environment overrides: %w", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Invalid config: %w", err)
		return 1
	}

	logger.InitializeWith(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatConsole))
	log = logger.For(logger.ComponentCLI)

	version := cfg.Sentry.AppVersion
	if version == "" {
		version = appVersion
	}
	sentry.InitSentry(cfg.Sentry.DSN, version, true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		server := metrics.SetupMetricsEndpoint(cfg.Metrics.Address)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
			}
		}()
	}

	bus := events.NewBus()
	unsubscribe := bus.Subscribe(func(e events.Event) {
		log.Warnw("Persistence exception", "database", e.Database, "collection", e.Collection, "error", e.Err)
	}, events.Exception, events.EngineUnsupported)
	defer unsubscribe()

	registry, err := cfg.NewRegistry(bus)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to set up storage: %w", err)
		return 1
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Errorw("Failed to close databases", "error", err)
		}
	}()

	app := &cli{cfg: cfg, registry: registry, out: os.Stdout, log: log}
	if err := app.dispatch(ctx, args[0], args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			return 2
		}
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Command %s failed: %w", args[0], err)
		return 1
	}
	return 0
}
