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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/browserdb/pkg/logger"
	"github.com/united-manufacturing-hub/browserdb/pkg/sentry"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	namespace = "browserdb"
	subsystem = "persistence"

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of collection operations by action and result",
		},
		[]string{"database", "collection", "action", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of collection operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"database", "collection", "action"},
	)

	transactionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transaction_retries_total",
			Help:      "Transaction attempts made while the connection was not open",
		},
		[]string{"database"},
	)

	schemaReconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "schema_reconciles_total",
			Help:      "Schema reconciliations by result",
		},
		[]string{"database", "result"},
	)

	openConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "open_connections",
			Help:      "1 if the database connection is open, 0 otherwise",
		},
		[]string{"database", "engine"},
	)
)

// ObserveOperation records a finished collection operation.
func ObserveOperation(database, collection, action string, successful bool, took time.Duration) {
	result := ResultSuccess
	if !successful {
		result = ResultFailure
	}
	operationsTotal.WithLabelValues(database, collection, action, result).Inc()
	operationDuration.WithLabelValues(database, collection, action).Observe(took.Seconds())
}

// IncTransactionRetry counts one extra transaction attempt.
func IncTransactionRetry(database string) {
	transactionRetries.WithLabelValues(database).Inc()
}

// IncSchemaReconcile counts a schema reconciliation.
func IncSchemaReconcile(database string, successful bool) {
	result := ResultSuccess
	if !successful {
		result = ResultFailure
	}
	schemaReconciles.WithLabelValues(database, result).Inc()
}

// SetConnectionOpen flips the open-connection gauge.
func SetConnectionOpen(database, engine string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	openConnections.WithLabelValues(database, engine).Set(v)
}

// SetupMetricsEndpoint serves /metrics on addr in the background.
func SetupMetricsEndpoint(addr string) *http.Server {
	log := logger.For(logger.ComponentMetrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Starting metrics server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "metrics server failed: %v", err)
		}
	}()

	return server
}
