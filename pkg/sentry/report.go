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
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// errorDebounce is the minimum gap between two error-level events for the
// same fingerprint.
const errorDebounce = 2 * time.Hour

var (
	lastSentMu sync.Mutex
	lastSent   = map[string]time.Time{}
)

// ReportIssue logs err and forwards it to Sentry. Fatal issues are flushed
// synchronously; terminating the process is left to the caller.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with tags attached to the event.
// The "database", "collection" and "operation" tags also feed the fingerprint.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, tags map[string]interface{}) {
	if err == nil {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("Fatal storage error", "error", err, "context", tags)
		event := createSentryEventWithContext(sentry.LevelFatal, err, tags)
		event.Threads = goroutineThreads()
		sendSentryEvent(event)
		sentry.Flush(5 * time.Second)
	case IssueTypeError:
		log.Errorw("Storage error", "error", err, "context", tags)
		if !shouldSend(getMeaningfulErrorTitle(err)) {
			return
		}
		sendSentryEvent(createSentryEventWithContext(sentry.LevelError, err, tags))
	case IssueTypeWarning:
		log.Warnw("Storage warning", "error", err, "context", tags)
		sendSentryEvent(createSentryEventWithContext(sentry.LevelWarning, err, tags))
	}
}

func shouldSend(key string) bool {
	if !debounceErrors {
		return true
	}

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if t, ok := lastSent[key]; ok && time.Since(t) < errorDebounce {
		return false
	}
	lastSent[key] = time.Now()
	return true
}
