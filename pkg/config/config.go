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

// Package config loads the browserdb YAML configuration, applies
// environment overrides and builds the engine drivers and registry from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/connection"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/schema"
)

const (
	DefaultDataDir        = "./data"
	DefaultMetricsAddress = ":2112"
	DefaultMinFreeBytes   = 16 << 20
)

// FullConfig is the content of browserdb.yaml.
type FullConfig struct {
	Logging   LoggingConfig     `yaml:"logging"`
	Engine    EngineConfig      `yaml:"engine"`
	Retry     RetryConfig       `yaml:"retry"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Sentry    SentryConfig      `yaml:"sentry"`
	Databases []schema.Database `yaml:"databases" validate:"dive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR PRODUCTION debug info warn error production"`
	Format string `yaml:"format" validate:"omitempty,oneof=CONSOLE JSON console json"`
}

// EngineConfig selects and configures the storage engines.
type EngineConfig struct {
	Kind               engine.Kind       `yaml:"kind" validate:"omitempty,oneof=auto objectstore sqltable"`
	DataDir            string            `yaml:"dataDir"`
	InMemory           bool              `yaml:"inMemory"`
	SQLDriver          string            `yaml:"sqlDriver"`
	Compression        codec.Compression `yaml:"compression" validate:"omitempty,oneof=none zstd"`
	DisableObjectStore bool              `yaml:"disableObjectStore"`
	DisableSQL         bool              `yaml:"disableSQL"`
	StatementCacheSize int               `yaml:"statementCacheSize" validate:"gte=0"`
	MinFreeBytes       uint64            `yaml:"minFreeBytes"`
}

// RetryConfig bounds the transaction guard.
type RetryConfig struct {
	MaxRetries uint64        `yaml:"maxRetries"`
	Delay      time.Duration `yaml:"delay" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
}

type SentryConfig struct {
	DSN        string `yaml:"dsn"`
	AppVersion string `yaml:"appVersion"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file is given.
func Default() FullConfig {
	return FullConfig{
		Logging: LoggingConfig{Level: "INFO", Format: "CONSOLE"},
		Engine: EngineConfig{
			Kind:         engine.KindAuto,
			DataDir:      DefaultDataDir,
			Compression:  codec.CompressionNone,
			MinFreeBytes: DefaultMinFreeBytes,
		},
		Retry: RetryConfig{
			MaxRetries: connection.DefaultMaxRetries,
			Delay:      connection.DefaultRetryDelay,
		},
		Metrics: MetricsConfig{Address: DefaultMetricsAddress},
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (FullConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return FullConfig{}, errors.New("config is empty")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (FullConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FullConfig{}, fmt.Errorf("config file does not exist: %s", path)
		}
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Validate checks the struct tags and every declared database.
func Validate(cfg FullConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return persistence.Invalidf("%v", err)
	}
	seen := map[string]struct{}{}
	for _, db := range cfg.Databases {
		if _, dup := seen[db.Name]; dup {
			return persistence.Invalidf("database %q declared twice", db.Name)
		}
		seen[db.Name] = struct{}{}
		if err := schema.Validate(db); err != nil {
			return err
		}
	}
	return nil
}

// RetryOptions converts the retry section for the connection registry.
func (c FullConfig) RetryOptions() connection.RetryOptions {
	return connection.RetryOptions{MaxRetries: c.Retry.MaxRetries, Delay: c.Retry.Delay}
}

// Database returns the declared database called name.
func (c FullConfig) Database(name string) (schema.Database, bool) {
	for _, db := range c.Databases {
		if db.Name == name {
			return db, true
		}
	}
	return schema.Database{}, false
}
