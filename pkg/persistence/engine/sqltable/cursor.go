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

package sqltable

import (
	"database/sql"

	"github.com/united-manufacturing-hub/browserdb/pkg/persistence"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/codec"
	"github.com/united-manufacturing-hub/browserdb/pkg/persistence/keys"
)

// cursor adapts sql.Rows of (key, pk, data) to engine.Cursor.
type cursor struct {
	rows  *sql.Rows
	codec *codec.Codec

	closed bool
	key    any
	pk     any
	value  map[string]any
	err    error
}

func (c *cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		_ = c.Close()
		return false
	}

	var k, pk any
	var data []byte
	if err := c.rows.Scan(&k, &pk, &data); err != nil {
		c.err = persistence.StorageError("scan", err)
		return false
	}

	var err error
	if c.key, err = keys.Normalize(k); err != nil {
		c.err = persistence.StorageError("scan key", err)
		return false
	}
	if c.pk, err = keys.Normalize(pk); err != nil {
		c.err = persistence.StorageError("scan key", err)
		return false
	}
	if c.value, err = c.codec.Decode(data); err != nil {
		c.err = persistence.StorageError("decode record", err)
		return false
	}
	return true
}

func (c *cursor) Key() any {
	return c.key
}

func (c *cursor) PrimaryKey() any {
	return c.pk
}

func (c *cursor) Value() map[string]any {
	return c.value
}

func (c *cursor) Err() error {
	return c.err
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}
