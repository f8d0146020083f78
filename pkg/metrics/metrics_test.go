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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Metrics", func() {
	It("counts operations by result", func() {
		ok := operationsTotal.WithLabelValues("m1", "item", "create", ResultSuccess)
		failed := operationsTotal.WithLabelValues("m1", "item", "create", ResultFailure)
		before, beforeFailed := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

		ObserveOperation("m1", "item", "create", true, time.Millisecond)
		ObserveOperation("m1", "item", "create", false, time.Millisecond)
		ObserveOperation("m1", "item", "create", true, time.Millisecond)

		Expect(testutil.ToFloat64(ok) - before).To(Equal(2.0))
		Expect(testutil.ToFloat64(failed) - beforeFailed).To(Equal(1.0))
	})

	It("tracks retries and reconciles", func() {
		IncTransactionRetry("m2")
		IncTransactionRetry("m2")
		Expect(testutil.ToFloat64(transactionRetries.WithLabelValues("m2"))).To(Equal(2.0))

		IncSchemaReconcile("m2", false)
		Expect(testutil.ToFloat64(schemaReconciles.WithLabelValues("m2", ResultFailure))).To(Equal(1.0))
	})

	It("flips the open connection gauge", func() {
		SetConnectionOpen("m3", "objectstore", true)
		Expect(testutil.ToFloat64(openConnections.WithLabelValues("m3", "objectstore"))).To(Equal(1.0))
		SetConnectionOpen("m3", "objectstore", false)
		Expect(testutil.ToFloat64(openConnections.WithLabelValues("m3", "objectstore"))).To(BeZero())
	})
})
