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

package persistence_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
)

var _ = Describe("Model", func() {
	It("isolates stored data from the caller", func() {
		raw := map[string]any{"id": "a", "tags": []any{"x"}}
		m := persistence.NewModel("", raw)
		raw["id"] = "b"

		Expect(m.ID()).To(Equal("a"))
		data := m.Data()
		data["id"] = "c"
		Expect(m.Get("id")).To(Equal("a"))
	})

	It("tracks modified fields until commit", func() {
		m := persistence.NewModel("key", map[string]any{"key": 1.0})
		m.Set("name", "Widget")
		m.Set("color", "red")
		Expect(m.Modified()).To(Equal([]string{"color", "name"}))

		m.Commit()
		Expect(m.Modified()).To(BeEmpty())
	})

	It("accepts generated keys", func() {
		factory := persistence.DefaultModelFactory("id")
		rec := factory(map[string]any{"name": "Gadget"}, nil)
		Expect(rec.ID()).To(BeNil())

		ks, ok := rec.(persistence.KeySetter)
		Expect(ok).To(BeTrue())
		ks.SetID(7.0)
		Expect(rec.ID()).To(Equal(7.0))
	})
})

var _ = Describe("Query", func() {
	It("treats StartAtEnd as reverse", func() {
		q := persistence.NewQuery().FromEnd()
		Expect(q.Reverse()).To(BeTrue())
		Expect(q.Skip()).To(Equal(0))
	})

	It("clamps negative start and limit values", func() {
		q := persistence.NewQuery().Start(-5).Limit(-1)
		Expect(q.StartCount).To(Equal(0))
		Expect(q.LimitCount).To(Equal(0))
		Expect(q.Reverse()).To(BeFalse())

		q.Start(3)
		Expect(q.Skip()).To(Equal(3))
	})

	It("reports ranges", func() {
		Expect(persistence.NewQuery().Index("nameIdx").Equal("Widget").IsRange()).To(BeFalse())
		Expect(persistence.NewQuery().Lower("Gadget").IsRange()).To(BeTrue())
		Expect(persistence.NewQuery().Between(1, 5).IsRange()).To(BeTrue())
	})
})

var _ = Describe("Operation", func() {
	It("moves from pending to completed exactly once", func() {
		op := persistence.NewReadID("a")
		Expect(op.State()).To(Equal(persistence.StatePending))
		Expect(op.ID()).ToNot(BeEmpty())

		_, err := op.Result()
		Expect(err).To(HaveOccurred())

		op.SetStarted()
		Expect(op.State()).To(Equal(persistence.StateStarted))

		rs := &persistence.ResultSet{Total: 1, Loaded: true}
		Expect(op.Complete(rs, nil)).To(BeTrue())
		Expect(op.Complete(nil, errors.New("late"))).To(BeFalse())

		Expect(op.Successful()).To(BeTrue())
		Expect(op.State()).To(Equal(persistence.StateCompleted))
		got, err := op.Result()
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(BeIdenticalTo(rs))
	})

	It("keeps per-record errors of failed batches", func() {
		op := persistence.NewCreate(persistence.NewModel("", map[string]any{"id": 1}))
		recErr := &persistence.RecordError{Index: 0, Key: 1.0, Err: persistence.ErrConstraint}
		op.Complete(nil, recErr, recErr)

		Expect(op.Successful()).To(BeFalse())
		Expect(op.RecordErrors()).To(ConsistOf(recErr))
		Expect(errors.Is(op.Err(), persistence.ErrConstraint)).To(BeTrue())
	})

	It("can be awaited", func() {
		op := persistence.NewClear()
		go func() {
			time.Sleep(10 * time.Millisecond)
			op.Complete(&persistence.ResultSet{Loaded: true}, nil)
		}()
		rs, err := op.Wait(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(rs.Loaded).To(BeTrue())
		Expect(op.Done()).To(BeClosed())
	})

	It("works as a zero value", func() {
		op := &persistence.Operation{Action: persistence.ActionClear}
		id := op.ID()
		Expect(id).NotTo(BeEmpty())
		Expect(op.ID()).To(Equal(id))
		Expect(op.Done()).NotTo(BeClosed())

		Expect(op.Complete(&persistence.ResultSet{Loaded: true}, nil)).To(BeTrue())
		Expect(op.Done()).To(BeClosed())
		rs, err := op.Wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(rs.Loaded).To(BeTrue())
	})

	It("stops waiting when the context is done", func() {
		op := persistence.NewClear()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := op.Wait(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("Errors", func() {
	It("keeps both the kind and the cause reachable", func() {
		err := persistence.StorageError("add", persistence.ErrConstraint)
		Expect(errors.Is(err, persistence.ErrStorageOperationFailed)).To(BeTrue())
		Expect(errors.Is(err, persistence.ErrConstraint)).To(BeTrue())

		Expect(persistence.StorageError("again", err)).To(Equal(err))
	})

	It("classifies transaction unavailability", func() {
		err := &persistence.TransactionUnavailableError{Database: "shop", Attempts: 51}
		Expect(errors.Is(err, persistence.ErrTransactionUnavailable)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("51 attempts"))
	})

	It("formats configuration errors", func() {
		err := persistence.Invalidf("collection %q missing", "item")
		Expect(errors.Is(err, persistence.ErrConfigurationInvalid)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`"item"`))
	})
})
