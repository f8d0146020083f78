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

package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Action is the kind of request an Operation carries.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
	ActionClear   Action = "clear"
)

// OperationState tracks progress. Success is tracked separately.
type OperationState int

const (
	StatePending OperationState = iota
	StateStarted
	StateCompleted
)

func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Callback receives the operation once it reaches StateCompleted.
type Callback func(op *Operation)

// ResultSet is the outcome of a read.
type ResultSet struct {
	Records []Record
	Total   int
	Loaded  bool
}

// Operation is a single create/read/update/destroy/clear request together
// with its result. Once completed, it no longer changes. The zero value is a
// usable pending operation, so requests may be built as struct literals.
type Operation struct {
	Action   Action
	Records  []Record
	RecordID any
	Query    *Query

	init sync.Once
	id   uuid.UUID
	mu   sync.RWMutex
	done chan struct{}

	state        OperationState
	successful   bool
	resultSet    *ResultSet
	err          error
	recordErrors []*RecordError
}

// NewOperation creates a pending operation.
func NewOperation(action Action) *Operation {
	return &Operation{
		Action: action,
		id:     uuid.New(),
		done:   make(chan struct{}),
	}
}

func NewCreate(records ...Record) *Operation {
	op := NewOperation(ActionCreate)
	op.Records = records
	return op
}

func NewUpdate(records ...Record) *Operation {
	op := NewOperation(ActionUpdate)
	op.Records = records
	return op
}

func NewDestroy(records ...Record) *Operation {
	op := NewOperation(ActionDestroy)
	op.Records = records
	return op
}

func NewClear() *Operation {
	return NewOperation(ActionClear)
}

// NewRead creates a scan. A nil query reads everything in key order.
func NewRead(q *Query) *Operation {
	op := NewOperation(ActionRead)
	if q == nil {
		q = NewQuery()
	}
	op.Query = q
	return op
}

// NewReadID creates a point lookup by primary key.
func NewReadID(id any) *Operation {
	op := NewOperation(ActionRead)
	op.RecordID = id
	return op
}

func (o *Operation) lazyInit() {
	o.init.Do(func() {
		if o.id == uuid.Nil {
			o.id = uuid.New()
		}
		if o.done == nil {
			o.done = make(chan struct{})
		}
	})
}

// ID is a correlation id for logs and events.
func (o *Operation) ID() string {
	o.lazyInit()
	return o.id.String()
}

func (o *Operation) State() OperationState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// SetStarted moves a pending operation to started.
func (o *Operation) SetStarted() {
	o.lazyInit()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StatePending {
		o.state = StateStarted
	}
}

// Complete records the outcome and releases waiters. Only the first call
// has an effect. It reports whether this call completed the operation.
func (o *Operation) Complete(rs *ResultSet, err error, recordErrors ...*RecordError) bool {
	o.lazyInit()
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateCompleted {
		return false
	}
	o.state = StateCompleted
	o.resultSet = rs
	o.err = err
	o.recordErrors = recordErrors
	o.successful = err == nil
	close(o.done)
	return true
}

func (o *Operation) Successful() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.successful
}

func (o *Operation) ResultSet() *ResultSet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.resultSet
}

func (o *Operation) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// RecordErrors lists per-record failures of a batch operation.
func (o *Operation) RecordErrors() []*RecordError {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recordErrors
}

// Done is closed when the operation completes.
func (o *Operation) Done() <-chan struct{} {
	o.lazyInit()
	return o.done
}

// Result returns the outcome of a completed operation, or an error if it
// has not completed yet.
func (o *Operation) Result() (*ResultSet, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != StateCompleted {
		return nil, errors.New("operation not completed")
	}
	return o.resultSet, o.err
}

// Wait blocks until the operation completes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (*ResultSet, error) {
	o.lazyInit()
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
