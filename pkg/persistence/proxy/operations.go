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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/browserdb/pkg/metrics"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/events"
)

type execFunc func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error)

// Create adds every record of op with its own request. Records without a
// key get one generated when the collection auto-increments; the key is
// written back through persistence.KeySetter.
func (p *Proxy) Create(ctx context.Context, op *persistence.Operation, cb persistence.Callback) {
	p.dispatch(ctx, op, persistence.ActionCreate, cb, func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		return p.eachRecord(ctx, op.Records, p.createOne)
	})
}

// Read runs a point lookup when op.RecordID is set and a scan over op.Query
// otherwise.
func (p *Proxy) Read(ctx context.Context, op *persistence.Operation, cb persistence.Callback) {
	p.dispatch(ctx, op, persistence.ActionRead, cb, func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		if op.RecordID != nil {
			rs, err := p.readID(ctx, op.RecordID)
			return rs, nil, err
		}
		rs, err := p.scan(ctx, op.Query)
		return rs, nil, err
	})
}

// Update replaces every record of op in full. Records not stored yet are
// added.
func (p *Proxy) Update(ctx context.Context, op *persistence.Operation, cb persistence.Callback) {
	p.dispatch(ctx, op, persistence.ActionUpdate, cb, func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		return p.eachRecord(ctx, op.Records, p.updateOne)
	})
}

// Destroy deletes every record of op by primary key. Missing records are
// not an error.
func (p *Proxy) Destroy(ctx context.Context, op *persistence.Operation, cb persistence.Callback) {
	p.dispatch(ctx, op, persistence.ActionDestroy, cb, func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		return p.eachRecord(ctx, op.Records, p.destroyOne)
	})
}

// Clear deletes every record of the collection.
func (p *Proxy) Clear(ctx context.Context, op *persistence.Operation, cb persistence.Callback) {
	p.dispatch(ctx, op, persistence.ActionClear, cb, func(ctx context.Context, _ *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		err := p.write(ctx, func(c engine.Collection) error {
			return c.Clear(ctx)
		})
		if err != nil {
			return nil, nil, err
		}
		p.bus.Publish(events.Event{
			Type:       events.CollectionCleared,
			Source:     "proxy",
			Database:   p.database,
			Collection: p.collection,
		})
		return &persistence.ResultSet{Loaded: true}, nil, nil
	})
}

// AddData inserts raw records in one transaction, clearing the collection
// first when clearFirst is set. The returned operation completes once the
// transaction committed.
func (p *Proxy) AddData(ctx context.Context, data []map[string]any, clearFirst bool, cb persistence.Callback) *persistence.Operation {
	records := make([]persistence.Record, 0, len(data))
	for _, raw := range data {
		key, _ := extractKey(raw, p.keyPath)
		records = append(records, p.factory(raw, key))
	}
	op := persistence.NewCreate(records...)

	p.dispatch(ctx, op, persistence.ActionCreate, cb, func(ctx context.Context, op *persistence.Operation) (*persistence.ResultSet, []*persistence.RecordError, error) {
		var recErrs []*persistence.RecordError
		var stored []persistence.Record

		err := p.write(ctx, func(c engine.Collection) error {
			if clearFirst {
				if err := c.Clear(ctx); err != nil {
					return err
				}
			}
			for i, rec := range op.Records {
				key, err := c.Add(ctx, rec.Data())
				if err != nil {
					recErrs = append(recErrs, &persistence.RecordError{Index: i, Key: rec.ID(), Err: persistence.StorageError("add", err)})
					continue
				}
				assignKey(rec, key)
				stored = append(stored, rec)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		if clearFirst {
			p.bus.Publish(events.Event{
				Type:       events.CollectionCleared,
				Source:     "proxy",
				Database:   p.database,
				Collection: p.collection,
			})
		}
		return &persistence.ResultSet{Records: stored, Total: len(stored), Loaded: true}, recErrs, aggregate(recErrs)
	})
	return op
}

// dispatch completes op on a new goroutine and invokes cb once.
func (p *Proxy) dispatch(ctx context.Context, op *persistence.Operation, action persistence.Action, cb persistence.Callback, fn execFunc) {
	if op == nil {
		op = persistence.NewOperation(action)
	}
	if op.Action != action {
		p.finish(op, action, cb, nil, nil,
			persistence.Invalidf("operation %s passed to %s", op.Action, action), time.Now())
		return
	}

	op.SetStarted()
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		start := time.Now()
		rs, recErrs, err := fn(ctx, op)
		p.finish(op, action, cb, rs, recErrs, err, start)
	}()
}

func (p *Proxy) finish(op *persistence.Operation, action persistence.Action, cb persistence.Callback,
	rs *persistence.ResultSet, recErrs []*persistence.RecordError, err error, start time.Time) {
	took := time.Since(start)
	metrics.ObserveOperation(p.database, p.collection, string(action), err == nil, took)

	if err != nil {
		p.log.Warnw("Operation failed",
			"operation", op.ID(), "action", action, "error", err, "failedRecords", len(recErrs))
		p.bus.Publish(events.Event{
			Type:       events.Exception,
			Source:     "proxy",
			Database:   p.database,
			Collection: p.collection,
			Err:        err,
			Payload:    op,
		})
	} else {
		p.log.Debugw("Operation completed", "operation", op.ID(), "action", action, "took", took)
	}

	if rs == nil && err == nil {
		rs = &persistence.ResultSet{Loaded: true}
	}
	op.Complete(rs, err, recErrs...)
	if cb != nil {
		cb(op)
	}
}

// eachRecord fans one request per record out and waits for all of them.
func (p *Proxy) eachRecord(ctx context.Context, records []persistence.Record,
	one func(ctx context.Context, rec persistence.Record) error) (*persistence.ResultSet, []*persistence.RecordError, error) {
	results := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			results[i] = one(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	var recErrs []*persistence.RecordError
	stored := make([]persistence.Record, 0, len(records))
	for i, err := range results {
		if err != nil {
			var key any
			if records[i] != nil {
				key = records[i].ID()
			}
			recErrs = append(recErrs, &persistence.RecordError{Index: i, Key: key, Err: err})
			continue
		}
		stored = append(stored, records[i])
	}
	return &persistence.ResultSet{Records: stored, Total: len(stored), Loaded: true}, recErrs, aggregate(recErrs)
}

func aggregate(recErrs []*persistence.RecordError) error {
	var err error
	for _, re := range recErrs {
		err = multierr.Append(err, re)
	}
	return err
}

func (p *Proxy) createOne(ctx context.Context, rec persistence.Record) error {
	if rec == nil {
		return persistence.Invalidf("nil record")
	}
	var key any
	err := p.write(ctx, func(c engine.Collection) error {
		k, err := c.Add(ctx, rec.Data())
		key = k
		return err
	})
	if err != nil {
		return err
	}
	assignKey(rec, key)
	return nil
}

func (p *Proxy) updateOne(ctx context.Context, rec persistence.Record) error {
	if rec == nil {
		return persistence.Invalidf("nil record")
	}
	var key any
	err := p.write(ctx, func(c engine.Collection) error {
		data := rec.Data()
		id := rec.ID()
		if id == nil {
			k, err := c.Add(ctx, data)
			key = k
			return err
		}

		_, err := c.Get(ctx, id)
		switch {
		case err == nil:
			key, err = c.Put(ctx, data)
			return err
		case errors.Is(err, persistence.ErrNotFound):
			key, err = c.Add(ctx, data)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	assignKey(rec, key)
	return nil
}

func (p *Proxy) destroyOne(ctx context.Context, rec persistence.Record) error {
	if rec == nil {
		return persistence.Invalidf("nil record")
	}
	id := rec.ID()
	if id == nil {
		return fmt.Errorf("%w: record has no primary key", persistence.ErrInvalidKey)
	}
	return p.write(ctx, func(c engine.Collection) error {
		return c.Delete(ctx, id)
	})
}

// write runs fn in a read-write transaction and commits it.
func (p *Proxy) write(ctx context.Context, fn func(c engine.Collection) error) error {
	tx, err := p.guard.Begin(ctx, engine.ReadWrite, p.collection)
	if err != nil {
		return err
	}

	c, err := tx.Collection(p.collection)
	if err != nil {
		_ = tx.Rollback()
		return persistence.StorageError("open collection", err)
	}
	if err := fn(c); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, persistence.ErrConfigurationInvalid) {
			return err
		}
		return persistence.StorageError(p.collection, err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.StorageError("commit", err)
	}
	return nil
}

// read runs fn in a read-only transaction.
func (p *Proxy) read(ctx context.Context, fn func(c engine.Collection) error) error {
	tx, err := p.guard.Begin(ctx, engine.ReadOnly, p.collection)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := tx.Collection(p.collection)
	if err != nil {
		return persistence.StorageError("open collection", err)
	}
	if err := fn(c); err != nil {
		if errors.Is(err, persistence.ErrConfigurationInvalid) {
			return err
		}
		return persistence.StorageError(p.collection, err)
	}
	return nil
}

func assignKey(rec persistence.Record, key any) {
	if key != nil && rec.ID() == nil {
		if ks, ok := rec.(persistence.KeySetter); ok {
			ks.SetID(key)
		}
	}
	if m, ok := rec.(*persistence.Model); ok {
		m.Commit()
	}
}
