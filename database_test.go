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

package powersync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-go/internal/db/notifier"
	"github.com/powersync-ja/powersync-go/internal/db/pool"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/sync/coordinator"
	"github.com/powersync-ja/powersync-go/internal/sync/download"
	"github.com/powersync-ja/powersync-go/internal/sync/upload"
	"github.com/powersync-ja/powersync-go/internal/syncstatus"
	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/stopper"
)

// newTestDatabase builds a Database the same way Open does, except it
// skips InstallUpdateHooks and wires the coordinator against fake,
// auto-acking actor command channels instead of real download/upload
// actors: the core PowerSync SQLite extension that those actors and
// InstallUpdateHooks depend on is not available in this environment.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	p, err := pool.Open(context.Background(), pool.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	dch := make(chan download.Command)
	uch := make(chan upload.Command)
	drain := func() {
		for {
			select {
			case cmd, ok := <-dch:
				if !ok {
					return
				}
				if cmd.Ack != nil {
					close(cmd.Ack)
				}
			case cmd, ok := <-uch:
				if !ok {
					return
				}
				if cmd.Ack != nil {
					close(cmd.Ack)
				}
			}
		}
	}
	go drain()
	t.Cleanup(func() { close(dch); close(uch) })

	return &Database{
		pool:     p,
		notifier: notifier.New(),
		status:   syncstatus.NewModel(),
		tracker:  streams.NewTracker(time.Minute, nil),
		coord:    coordinator.New(dch, uch),
		sctx:     stopper.WithContext(context.Background()),
		log:      logrus.NewEntry(logrus.New()),
	}
}

func TestApplySchemaRejectsAnInvalidSchemaBeforeTouchingTheDatabase(t *testing.T) {
	db := newTestDatabase(t)
	err := db.ApplySchema(context.Background(), Schema{
		Tables: []Table{
			{Name: "todos", Columns: []Column{{Name: "a", Type: ColumnText}}},
			{Name: "todos", Columns: []Column{{Name: "b", Type: ColumnText}}},
		},
	})
	assert.Error(t, err, "a duplicate table name must fail validation before any SQL runs")
}

func TestWriteCommitsAgainstTheSameDatabaseReadSees(t *testing.T) {
	db := newTestDatabase(t)

	err := db.Write(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`)
		if execErr != nil {
			return execErr
		}
		_, execErr = tx.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('gear')`)
		return execErr
	})
	require.NoError(t, err)

	var name string
	err = db.Read(context.Background(), func(ctx context.Context, q types.Querier) error {
		return q.QueryRowContext(ctx, `SELECT name FROM widgets WHERE id = 1`).Scan(&name)
	})
	require.NoError(t, err)
	assert.Equal(t, "gear", name)
}

func TestWriteRollsBackOnError(t *testing.T) {
	db := newTestDatabase(t)

	err := db.Write(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
		require.NoError(t, execErr)
		_, execErr = tx.ExecContext(ctx, `INSERT INTO widgets (id) VALUES (1)`)
		require.NoError(t, execErr)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var count int
	readErr := db.Read(context.Background(), func(ctx context.Context, q types.Querier) error {
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'widgets'`).Scan(&count)
	})
	require.NoError(t, readErr)
	assert.Equal(t, 0, count, "a failed write must leave no trace of the table it created")
}

func TestSubscribeReturnsAHandleForTheNamedStream(t *testing.T) {
	db := newTestDatabase(t)
	sub, err := db.Subscribe(StreamDescriptor{Name: "todos"})
	require.NoError(t, err)
	defer sub.Close()

	descs := db.tracker.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "todos", descs[0].Name)
}

func TestStatusReturnsTheModelsCurrentSnapshot(t *testing.T) {
	db := newTestDatabase(t)
	assert.Same(t, db.status.Current(), db.Status())
}

func TestDiagnosticsReturnsThePoolsDiagnostics(t *testing.T) {
	db := newTestDatabase(t)
	assert.Same(t, db.pool.Diagnostics(), db.Diagnostics())
}

func TestCloseDisconnectsStopsActorsAndClosesThePool(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.Close(context.Background()))

	// The pool's writer connection is closed; any further use fails.
	_, err := db.pool.WriterDB().Exec(`SELECT 1`)
	assert.Error(t, err)
}

func TestWaitUntilReadyReturnsOnceThePredicateHolds(t *testing.T) {
	db := newTestDatabase(t)
	go func() {
		time.Sleep(5 * time.Millisecond)
		db.status.SetConnecting(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := db.WaitUntilReady(ctx, func(s *SyncStatus) bool { return s.Downloading.Connecting })
	assert.NoError(t, err)
}
