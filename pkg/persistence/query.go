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

// StartAtEnd as the start offset makes a scan walk the collection or index
// backwards from its last entry.
const StartAtEnd = -1

// Query holds the read parameters of an operation.
//
// Selection rules, in order:
//   - IndexName with IndexValue: equality lookup on the index.
//   - IndexName with IndexLower and/or IndexUpper: inclusive range on the index.
//   - IndexName alone: full scan in index order.
//   - no IndexName: scan in primary key order, bounded by IndexLower/IndexUpper
//     if set.
//
// ContainsSearch filters any of the above with a case-insensitive substring
// match over the primary key and ContainsKeys. Without an index this is a
// linear scan of the whole collection.
//
// Usage:
//
//	q := persistence.NewQuery().
//	    Index("nameIdx").
//	    Lower("Gadget").
//	    Limit(10)
type Query struct {
	IndexName      string
	IndexValue     any
	IndexLower     any
	IndexUpper     any
	ContainsSearch string
	ContainsKeys   []string
	StartCount     int
	LimitCount     int
}

// NewQuery returns an empty query: all records in key order.
func NewQuery() *Query {
	return &Query{}
}

// Index selects the secondary index to scan.
func (q *Query) Index(name string) *Query {
	q.IndexName = name
	return q
}

// Equal restricts the scan to entries whose key equals value.
func (q *Query) Equal(value any) *Query {
	q.IndexValue = value
	return q
}

// Lower sets the inclusive lower bound.
func (q *Query) Lower(value any) *Query {
	q.IndexLower = value
	return q
}

// Upper sets the inclusive upper bound.
func (q *Query) Upper(value any) *Query {
	q.IndexUpper = value
	return q
}

// Between sets both inclusive bounds.
func (q *Query) Between(lower, upper any) *Query {
	q.IndexLower = lower
	q.IndexUpper = upper
	return q
}

// Contains filters by a case-insensitive substring over the primary key and
// the given fields.
func (q *Query) Contains(search string, fields ...string) *Query {
	q.ContainsSearch = search
	q.ContainsKeys = fields
	return q
}

// Start skips the first n matches. Negative values other than StartAtEnd
// are clamped to 0.
func (q *Query) Start(n int) *Query {
	if n < 0 && n != StartAtEnd {
		n = 0
	}
	q.StartCount = n
	return q
}

// FromEnd makes the scan run in reverse order.
func (q *Query) FromEnd() *Query {
	q.StartCount = StartAtEnd
	return q
}

// Limit caps the number of matches. 0 means unlimited; negative values are
// clamped to 0.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		n = 0
	}
	q.LimitCount = n
	return q
}

// Reverse reports whether the scan runs backwards.
func (q *Query) Reverse() bool {
	return q != nil && q.StartCount == StartAtEnd
}

// Skip returns how many matches are discarded before collecting.
func (q *Query) Skip() int {
	if q == nil || q.StartCount < 0 {
		return 0
	}
	return q.StartCount
}

// IsRange reports whether a bound is set.
func (q *Query) IsRange() bool {
	return q != nil && (q.IndexLower != nil || q.IndexUpper != nil)
}
