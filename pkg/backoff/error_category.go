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

import "errors"

// ErrorCategory tells the retry loop how to treat an error.
type ErrorCategory int

const (
	// CategoryTransient is an error that may clear up on a later attempt,
	// e.g. the connection is still opening.
	CategoryTransient ErrorCategory = iota

	// CategoryPermanent is an error that no retry can fix, e.g. the
	// connection failed to open or the configuration is invalid.
	CategoryPermanent
)

// CategorizedError wraps an error with its category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// NewTransientError wraps err as CategoryTransient.
func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// IsTransientError reports whether err is categorized as transient.
// Uncategorized errors count as transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category == CategoryTransient
	}
	return true
}

// IsPermanentError reports whether err is categorized as permanent.
func IsPermanentError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.Category == CategoryPermanent
}

// ExtractOriginalError strips the category wrappers from err.
func ExtractOriginalError(err error) error {
	for {
		ce, ok := err.(*CategorizedError) //nolint:errorlint // only the outer wrappers are stripped
		if !ok {
			return err
		}
		err = ce.Err
	}
}
