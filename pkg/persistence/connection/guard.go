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

package connection

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/browserdb/pkg/backoff"
	"github.com/united-manufacturing-hub/browserdb/pkg/metrics"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
	"github.com/united-manufacturing-hub/browserdb/pkg/sentry"
)

var errNotOpen = errors.New("connection not open yet")

// Guard obtains transactions on a connection, waiting a bounded number of
// attempts for it to open.
type Guard struct {
	conn  *Connection
	retry RetryOptions
	log   *zap.SugaredLogger
}

// Begin returns a transaction over collections. Each attempt waits up to
// the configured delay for the connection to open. Failing to open is
// returned at once; running out of attempts yields a
// *persistence.TransactionUnavailableError.
func (g *Guard) Begin(ctx context.Context, mode engine.Mode, collections ...string) (engine.Tx, error) {
	var tx engine.Tx

	attempts, err := backoff.Retry(ctx, backoff.RetryConfig{MaxRetries: g.retry.MaxRetries}, func(attempt int) error {
		if attempt > 1 {
			metrics.IncTransactionRetry(g.conn.name)
		}

		ready := g.conn.Ready()
		g.conn.Initialize(ctx)

		if !g.conn.IsOpen() {
			if err := g.wait(ctx, ready); err != nil {
				return err
			}
		}

		db, ok := g.conn.Handle()
		if !ok {
			if cerr := g.conn.Err(); cerr != nil {
				return backoff.NewPermanentError(cerr)
			}
			return errNotOpen
		}

		t, err := db.Begin(ctx, mode, collections...)
		if err != nil {
			return backoff.NewPermanentError(persistence.StorageError("begin transaction", err))
		}
		tx = t
		return nil
	})
	if err == nil {
		return tx, nil
	}

	if errors.Is(err, backoff.ErrRetriesExhausted) {
		terr := &persistence.TransactionUnavailableError{Database: g.conn.name, Attempts: attempts, Cause: errNotOpen}
		sentry.ReportIssueWithContext(terr, sentry.IssueTypeFatal, g.log, map[string]interface{}{
			"database":  g.conn.name,
			"operation": "begin",
			"attempts":  attempts,
		})
		g.conn.registry.bus.Publish(events.Event{
			Type:     events.Exception,
			Source:   "guard",
			Database: g.conn.name,
			Err:      terr,
		})
		return nil, terr
	}
	return nil, backoff.ExtractOriginalError(err)
}

// wait blocks until ready closes, the per-attempt delay elapses, or ctx is
// done.
func (g *Guard) wait(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(g.retry.Delay)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		g.log.Debugw("Waiting for connection", "state", g.conn.State())
		return errNotOpen
	case <-ctx.Done():
		return backoff.NewPermanentError(ctx.Err())
	}
}
