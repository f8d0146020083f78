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
	"strings"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/engine"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

func (p *Proxy) readID(ctx context.Context, id any) (*persistence.ResultSet, error) {
	rs := &persistence.ResultSet{Loaded: true}
	err := p.read(ctx, func(c engine.Collection) error {
		raw, err := c.Get(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, _ := keys.Normalize(id)
		rs.Records = append(rs.Records, p.factory(raw, key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	rs.Total = len(rs.Records)
	return rs, nil
}

// scan walks the collection or one of its indexes in key order, applying
// the query's bounds, contains filter, start offset and limit.
func (p *Proxy) scan(ctx context.Context, q *persistence.Query) (*persistence.ResultSet, error) {
	if q == nil {
		q = persistence.NewQuery()
	}

	dir := engine.Next
	if q.Reverse() {
		dir = engine.Prev
	}

	var r *engine.KeyRange
	switch {
	case q.IndexValue != nil:
		r = engine.Only(q.IndexValue)
	case q.IsRange():
		r = &engine.KeyRange{Lower: q.IndexLower, Upper: q.IndexUpper}
	}

	match := containsMatcher(q)
	skip := q.Skip()
	rs := &persistence.ResultSet{Loaded: true}

	err := p.read(ctx, func(c engine.Collection) error {
		var cur engine.Cursor
		var err error
		if q.IndexName != "" {
			idx, ierr := c.Index(q.IndexName)
			if ierr != nil {
				return ierr
			}
			cur, err = idx.OpenCursor(ctx, r, dir)
		} else {
			cur, err = c.OpenCursor(ctx, r, dir)
		}
		if err != nil {
			return err
		}
		defer func() { _ = cur.Close() }()

		for cur.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			value := cur.Value()
			if !match(cur.PrimaryKey(), value) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			rs.Records = append(rs.Records, p.factory(value, cur.PrimaryKey()))
			if q.LimitCount > 0 && len(rs.Records) >= q.LimitCount {
				break
			}
		}
		return cur.Err()
	})
	if err != nil {
		return nil, err
	}
	rs.Total = len(rs.Records)
	return rs, nil
}

// containsMatcher returns the contains filter of q, or a filter accepting
// everything when q has no search term.
func containsMatcher(q *persistence.Query) func(pk any, value map[string]any) bool {
	if q.ContainsSearch == "" {
		return func(any, map[string]any) bool { return true }
	}
	needle := strings.ToLower(q.ContainsSearch)
	fields := q.ContainsKeys

	return func(pk any, value map[string]any) bool {
		if strings.Contains(strings.ToLower(keys.String(pk)), needle) {
			return true
		}
		for _, f := range fields {
			v, ok := keys.Extract(value, f)
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(keys.String(v)), needle) {
				return true
			}
		}
		return false
	}
}

func extractKey(raw map[string]any, keyPath string) (any, bool) {
	v, ok := keys.Extract(raw, keyPath)
	if !ok || v == nil {
		return nil, false
	}
	k, err := keys.Normalize(v)
	if err != nil {
		return nil, false
	}
	return k, true
}
