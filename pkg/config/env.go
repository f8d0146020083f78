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

package config

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/env"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/sentry"
)

// Environment variables that override the config file.
const (
	EnvEngine             = "BROWSERDB_ENGINE"
	EnvDataDir            = "BROWSERDB_DATA_DIR"
	EnvInMemory           = "BROWSERDB_IN_MEMORY"
	EnvDisableObjectStore = "BROWSERDB_DISABLE_OBJECTSTORE"
	EnvDisableSQL         = "BROWSERDB_DISABLE_SQL"
	EnvMaxRetries         = "BROWSERDB_MAX_RETRIES"
	EnvRetryDelay         = "BROWSERDB_RETRY_DELAY"
	EnvSentryDSN          = "SENTRY_DSN"
)

// ApplyEnvOverrides replaces config values with the environment variables
// that are set. Order of precedence: environment, file, defaults. A variable
// that is set but malformed keeps the file value and is reported in the
// returned error.
func ApplyEnvOverrides(cfg FullConfig, log *zap.SugaredLogger) (FullConfig, error) {
	var errs error

	kind, err := env.GetAsString(EnvEngine, isSet(EnvEngine), string(cfg.Engine.Kind))
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Engine.Kind = engine.Kind(kind)
	}

	dataDir, err := env.GetAsString(EnvDataDir, isSet(EnvDataDir), cfg.Engine.DataDir)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Engine.DataDir = dataDir
	}

	inMemory, err := env.GetAsBool(EnvInMemory, isSet(EnvInMemory), cfg.Engine.InMemory)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Engine.InMemory = inMemory
	}

	disableObjectStore, err := env.GetAsBool(EnvDisableObjectStore, isSet(EnvDisableObjectStore), cfg.Engine.DisableObjectStore)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Engine.DisableObjectStore = disableObjectStore
	}

	disableSQL, err := env.GetAsBool(EnvDisableSQL, isSet(EnvDisableSQL), cfg.Engine.DisableSQL)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Engine.DisableSQL = disableSQL
	}

	retries, err := env.GetAsInt(EnvMaxRetries, isSet(EnvMaxRetries), int(cfg.Retry.MaxRetries))
	switch {
	case err != nil:
		errs = multierr.Append(errs, err)
	case retries < 0:
		errs = multierr.Append(errs, fmt.Errorf("environment variable %s must not be negative, got %d", EnvMaxRetries, retries))
	default:
		cfg.Retry.MaxRetries = uint64(retries)
	}

	delay, err := env.GetAsDuration(EnvRetryDelay, isSet(EnvRetryDelay), cfg.Retry.Delay)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Retry.Delay = delay
	}

	dsn, err := env.GetAsString(EnvSentryDSN, isSet(EnvSentryDSN), cfg.Sentry.DSN)
	errs = multierr.Append(errs, err)
	if err == nil {
		cfg.Sentry.DSN = dsn
	}

	if errs != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to read environment overrides: %w", errs)
	}
	return cfg, errs
}

// isSet makes a lookup strict once the variable is present.
func isSet(key string) bool {
	return os.Getenv(key) != ""
}
