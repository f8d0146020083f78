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

package sentry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// DefaultAppVersion is the version reported by local builds. Sentry stays
// disabled for it.
const DefaultAppVersion = "0.0.0-dev"

var debounceErrors = true

// InitSentry initializes the Sentry client. An empty DSN or a development
// version leaves Sentry disabled, in which case events are dropped by the
// SDK's no-op client.
func InitSentry(dsn string, appVersion string, debounce bool) {
	debounceErrors = debounce

	if dsn == "" || appVersion == "" || appVersion == DefaultAppVersion {
		zap.S().Debug("Sentry disabled")
		return
	}

	environment := "development"
	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Errorf("Failed to parse app version, using development environment: %s", err)
	} else if version.Prerelease() == "" {
		environment = "production"
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     "browserdb@" + appVersion,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}
	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEventWithContext(level sentry.Level, err error, tags map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	for key, value := range tags {
		switch v := value.(type) {
		case string:
			event.Tags[key] = v
		case int, int64, uint64, float64, bool:
			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			event.Extra[key] = v
		}

		switch key {
		case "database", "collection", "operation":
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	sentry.CurrentHub().Clone().CaptureEvent(event)
}
