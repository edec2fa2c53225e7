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

package stmtcache

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// stmtcache prepares against a single connection pool; keep it to
	// one connection so the in-memory database isn't reset mid-test.
	db.SetMaxOpenConns(1)
	return db
}

func TestPrepareReturnsTheSameStatementForRepeatedKeys(t *testing.T) {
	db := openTestDB(t)
	c := New[string](db, 0)
	defer c.Close()

	stmt1, err := c.Prepare(context.Background(), "select-one", "SELECT 1")
	require.NoError(t, err)
	stmt2, err := c.Prepare(context.Background(), "select-one", "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, stmt1, stmt2)
}

func TestPrepareEvictsLeastRecentlyUsedBeyondSize(t *testing.T) {
	db := openTestDB(t)
	c := New[string](db, 2)
	defer c.Close()

	a, err := c.Prepare(context.Background(), "a", "SELECT 1")
	require.NoError(t, err)
	_, err = c.Prepare(context.Background(), "b", "SELECT 2")
	require.NoError(t, err)
	// touch "a" so "b" becomes the least-recently-used entry
	aAgain, err := c.Prepare(context.Background(), "a", "SELECT 1")
	require.NoError(t, err)
	assert.Same(t, a, aAgain)

	_, err = c.Prepare(context.Background(), "c", "SELECT 3")
	require.NoError(t, err)

	assert.Len(t, c.entries, 2)
	_, stillCached := c.entries["b"]
	assert.False(t, stillCached, "b should have been evicted as the least-recently-used entry")
	_, aCached := c.entries["a"]
	assert.True(t, aCached)
}

func TestCloseClosesEveryStatementAndRejectsFurtherPrepare(t *testing.T) {
	db := openTestDB(t)
	c := New[string](db, 0)

	_, err := c.Prepare(context.Background(), "a", "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	_, err = c.Prepare(context.Background(), "a", "SELECT 1")
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPingDelegatesToUnderlyingDB(t *testing.T) {
	db := openTestDB(t)
	c := New[string](db, 0)
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
}
