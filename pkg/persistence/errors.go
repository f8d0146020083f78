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
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this module wraps exactly one of the
// first five so callers can branch with errors.Is.
var (
	// ErrEnvironmentUnsupported means no storage engine is available.
	ErrEnvironmentUnsupported = errors.New("no supported storage engine available")
	// ErrConfigurationInvalid means a proxy or schema declaration is incomplete
	// or contradictory.
	ErrConfigurationInvalid = errors.New("invalid configuration")
	// ErrTransactionUnavailable means no transaction could be obtained within
	// the retry bound.
	ErrTransactionUnavailable = errors.New("transaction unavailable")
	// ErrStorageOperationFailed means the engine rejected a request.
	ErrStorageOperationFailed = errors.New("storage operation failed")
	// ErrSchemaReconciliationFailed means the upgrade step could not bring the
	// physical schema in line with the declaration.
	ErrSchemaReconciliationFailed = errors.New("schema reconciliation failed")

	// ErrNotFound is returned by engines for missing keys.
	ErrNotFound = errors.New("record not found")
	// ErrConstraint is returned for duplicate primary keys or unique index
	// violations.
	ErrConstraint = errors.New("constraint violation")
	// ErrInvalidKey is returned for values that cannot be used as keys.
	ErrInvalidKey = errors.New("invalid key")
)

// Invalidf returns an ErrConfigurationInvalid with a formatted detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

// StorageError wraps an engine error as ErrStorageOperationFailed, keeping
// the engine error reachable for errors.Is (e.g. ErrConstraint).
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageOperationFailed) {
		return err
	}
	return &wrapped{kind: ErrStorageOperationFailed, msg: op, err: err}
}

// ReconcileError wraps err as ErrSchemaReconciliationFailed.
func ReconcileError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: ErrSchemaReconciliationFailed, msg: op, err: err}
}

type wrapped struct {
	kind error
	msg  string
	err  error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s: %v", w.kind, w.msg, w.err)
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.err}
}

// TransactionUnavailableError is returned when the retry bound was reached
// before the connection opened.
type TransactionUnavailableError struct {
	Database string
	Attempts int
	Cause    error
}

func (e *TransactionUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: database %q after %d attempts: %v", ErrTransactionUnavailable, e.Database, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s: database %q after %d attempts", ErrTransactionUnavailable, e.Database, e.Attempts)
}

func (e *TransactionUnavailableError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrTransactionUnavailable, e.Cause}
	}
	return []error{ErrTransactionUnavailable}
}

// RecordError is a failure of a single record within a batch operation.
type RecordError struct {
	Index int
	Key   any
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (key %v): %v", e.Index, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
