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

package ctxmutex_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/ctxutil/ctxmutex"
)

var _ = Describe("CtxMutex", func() {
	It("gives up waiting when the context expires", func() {
		m := ctxmutex.NewCtxMutex()
		Expect(m.Lock(context.Background())).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		Expect(m.Lock(ctx)).To(MatchError(context.DeadlineExceeded))

		m.Unlock()
		Expect(m.TryLock()).To(BeTrue())
		Expect(m.TryLock()).To(BeFalse())
		m.Unlock()
	})

	It("hands the lock to a waiter after Unlock", func() {
		m := ctxmutex.NewCtxMutex()
		Expect(m.Lock(context.Background())).To(Succeed())

		acquired := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			Expect(m.Lock(context.Background())).To(Succeed())
			close(acquired)
		}()

		Consistently(acquired, 30*time.Millisecond).ShouldNot(BeClosed())
		m.Unlock()
		Eventually(acquired).Should(BeClosed())
	})
})
