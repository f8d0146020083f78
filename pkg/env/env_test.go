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

package env_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/env"
)

var _ = Describe("Env", func() {
	const key = "BROWSERDB_ENV_TEST_VALUE"

	AfterEach(func() {
		Expect(os.Unsetenv(key)).To(Succeed())
	})

	It("returns defaults for unset optional variables", func() {
		s, err := env.GetAsString(key, false, "fallback")
		Expect(err).ToNot(HaveOccurred())
		Expect(s).To(Equal("fallback"))

		d, err := env.GetAsDuration(key, false, 20*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(20 * time.Millisecond))
	})

	It("fails for unset required variables", func() {
		_, err := env.GetAsString(key, true, "")
		Expect(err).To(HaveOccurred())
	})

	It("parses typed values", func() {
		GinkgoT().Setenv(key, "42")
		i, err := env.GetAsInt(key, false, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(i).To(Equal(42))

		GinkgoT().Setenv(key, "true")
		b, err := env.GetAsBool(key, false, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(b).To(BeTrue())

		GinkgoT().Setenv(key, "150ms")
		d, err := env.GetAsDuration(key, false, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(150 * time.Millisecond))
	})

	It("falls back to the default for malformed optional values", func() {
		GinkgoT().Setenv(key, "soon")
		d, err := env.GetAsDuration(key, false, time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(time.Second))
	})

	It("rejects malformed required values", func() {
		GinkgoT().Setenv(key, "many")
		_, err := env.GetAsInt(key, true, 1)
		Expect(err).To(HaveOccurred())

		GinkgoT().Setenv(key, "soon")
		_, err = env.GetAsDuration(key, true, time.Second)
		Expect(err).To(HaveOccurred())
	})
})
