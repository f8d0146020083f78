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

package backoff

import (
	"context"
	"errors"
	"fmt"

	cbackoff "github.com/cenkalti/backoff"
)

// ErrRetriesExhausted is returned by Retry once every attempt failed
// with a transient error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig bounds a retry loop. The operation runs at most
// MaxRetries+1 times.
type RetryConfig struct {
	MaxRetries uint64
}

// ExhaustedError carries the number of attempts made and the last
// transient error seen.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrRetriesExhausted
}

// Retry runs op until it succeeds, returns a permanent error, the context
// is cancelled, or the attempt bound is reached. op is expected to pace
// itself (e.g. by waiting on a readiness channel); no extra delay is
// inserted between attempts.
func Retry(ctx context.Context, cfg RetryConfig, op func(attempt int) error) (int, error) {
	attempts := 0
	var last error

	policy := cbackoff.WithContext(
		cbackoff.WithMaxRetries(&cbackoff.ZeroBackOff{}, cfg.MaxRetries),
		ctx,
	)

	err := cbackoff.Retry(func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if IsPermanentError(err) {
			return cbackoff.Permanent(err)
		}
		last = err
		return err
	}, policy)

	if err == nil {
		return attempts, nil
	}

	if IsPermanentError(err) {
		return attempts, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, ctxErr
	}

	return attempts, &ExhaustedError{Attempts: attempts, Last: last}
}
