// Copyright 2024 The PowerSync Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package stmtcache implements a small LRU cache of prepared
// statements, keyed by query text. It is used by the control-plane
// adapter, which re-issues the same powersync_control statement on
// every call.
package stmtcache

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
)

// Cache caches *sql.Stmt values prepared against a single *sql.DB,
// evicting the least-recently-used entry once size exceeds the
// configured limit.
type Cache[K comparable] struct {
	db   *sql.DB
	size int

	mu      sync.Mutex
	order   *list.List // of *entry[K], front = most recently used
	entries map[K]*list.Element
	closed  bool
}

type entry[K comparable] struct {
	key  K
	stmt *sql.Stmt
}

// New constructs a Cache bounded to size entries. A size of zero or
// less disables the bound (entries are never evicted, only closed when
// the Cache itself is closed).
func New[K comparable](db *sql.DB, size int) *Cache[K] {
	return &Cache[K]{
		db:      db,
		size:    size,
		order:   list.New(),
		entries: make(map[K]*list.Element),
	}
}

// Prepare returns a cached *sql.Stmt for query, preparing and caching
// it if this is the first use of that key.
func (c *Cache[K]) Prepare(ctx context.Context, key K, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, sql.ErrConnDone
	}
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		stmt := el.Value.(*entry[K]).stmt
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = stmt.Close()
		return nil, sql.ErrConnDone
	}
	// Another goroutine may have raced us; prefer the existing entry.
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		_ = stmt.Close()
		return el.Value.(*entry[K]).stmt, nil
	}
	el := c.order.PushFront(&entry[K]{key: key, stmt: stmt})
	c.entries[key] = el

	if c.size > 0 {
		for c.order.Len() > c.size {
			c.evictOldestLocked()
		}
	}
	return stmt, nil
}

func (c *Cache[K]) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	ent := back.Value.(*entry[K])
	delete(c.entries, ent.key)
	_ = ent.stmt.Close()
}

// Close closes every cached statement. The cache is unusable
// afterwards.
func (c *Cache[K]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for el := c.order.Front(); el != nil; el = el.Next() {
		_ = el.Value.(*entry[K]).stmt.Close()
	}
	c.order.Init()
	c.entries = nil
	return nil
}

// Ping implements diag.Pinger by reporting whether the underlying
// *sql.DB is reachable.
func (c *Cache[K]) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
