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

// Package pool manages the local SQLite database: one exclusive
// writer connection and a pool of read-only reader connections, so
// that long-running queries never block an incoming write and vice
// versa. See spec.md §4.1 ("Connection Pool").
package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/diag"
	"github.com/powersync-ja/powersync-go/internal/util/metrics"
)

func decodeTableList(raw string) ([]string, error) {
	var tables []string
	if err := json.Unmarshal([]byte(raw), &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

const (
	// defaultReaders is used when Options.NumReaders is zero.
	defaultReaders = 5

	busyTimeoutMillis = 30_000
	// writerCacheKiB is negative-sign SQLite shorthand for kibibytes:
	// -50000 asks for a 50MiB page cache on the writer connection.
	writerCacheKiB  = -50_000
	journalSizeCap  = 6 * 1024 * 1024
)

// Options configures Open.
type Options struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-memory database.
	Path string

	// NumReaders is how many pooled read-only connections to open.
	// Zero uses defaultReaders. Ignored when SingleConnection is set.
	NumReaders int

	// SingleConnection forces a single shared connection used for both
	// reads and writes, bypassing the writer/reader split. This is the
	// in-memory single-process mode spec.md §4.1 calls out for tests
	// and for ":memory:" databases, where a second connection would see
	// an entirely different empty database.
	SingleConnection bool

	// OnTablesChanged, if set, is invoked after every committed write
	// transaction with the set of tables the core extension's update
	// hooks reported as touched. The table-change notifier attaches
	// here.
	OnTablesChanged func(tables []string)
}

// Pool owns the writer and reader connections for one local database.
type Pool struct {
	path string

	writer  *sql.DB
	writeMu sync.Mutex

	readers  *sql.DB
	combined bool // true when writer == readers (SingleConnection mode)

	onTablesChanged func([]string)
	diagnostics     *diag.Diagnostics
}

func buildDSN(path string, pragmas ...string) string {
	vals := url.Values{}
	for _, p := range pragmas {
		vals.Add("_pragma", p)
	}
	return path + "?" + vals.Encode()
}

// Open constructs a Pool per opts.
func Open(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, pserrors.New(pserrors.KindArgument, "pool: Path must not be empty")
	}

	p := &Pool{path: opts.Path, onTablesChanged: opts.OnTablesChanged, diagnostics: diag.New()}

	writerDSN := buildDSN(opts.Path,
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis),
		fmt.Sprintf("cache_size(%d)", writerCacheKiB),
		fmt.Sprintf("journal_size_limit(%d)", journalSizeCap),
		"foreign_keys(ON)",
	)
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "opening writer connection")
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "pinging writer connection")
	}
	p.writer = writer

	if opts.SingleConnection || opts.Path == ":memory:" {
		p.readers = writer
		p.combined = true
		if err := p.diagnostics.Register("sqlite", diag.PingerFunc(writer.PingContext)); err != nil {
			return nil, err
		}
		return p, nil
	}

	numReaders := opts.NumReaders
	if numReaders <= 0 {
		numReaders = defaultReaders
	}
	readerDSN := buildDSN(opts.Path,
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis),
		"query_only(ON)",
	)
	readers, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "opening reader pool")
	}
	readers.SetMaxOpenConns(numReaders)
	readers.SetMaxIdleConns(numReaders)
	if err := readers.PingContext(ctx); err != nil {
		writer.Close()
		readers.Close()
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "pinging reader pool")
	}
	p.readers = readers

	if err := p.diagnostics.Register("sqlite-writer", diag.PingerFunc(writer.PingContext)); err != nil {
		return nil, err
	}
	if err := p.diagnostics.Register("sqlite-readers", diag.PingerFunc(readers.PingContext)); err != nil {
		return nil, err
	}

	return p, nil
}

// Close releases both connections.
func (p *Pool) Close() error {
	var errs []error
	if err := p.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if !p.combined {
		if err := p.readers.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Errorf("pool: close errors: %v", errs)
}

// Diagnostics returns the registered health pingers for this pool, for
// wiring into a larger diag.Diagnostics registry.
func (p *Pool) Diagnostics() *diag.Diagnostics { return p.diagnostics }

// ReaderDB returns the shared read-only handle directly, for callers
// that need a types.Querier rather than the bounded-duration Reader
// callback (e.g. a best-effort status resolve that does not warrant
// its own tracked connection checkout).
func (p *Pool) ReaderDB() types.Querier { return p.readers }

// WriterDB returns the exclusive writer *sql.DB, for callers that
// prepare statements against it directly (e.g. the control adapter's
// statement cache). Every transaction passed back into such a
// prepared statement must have been started from this same handle.
func (p *Pool) WriterDB() *sql.DB { return p.writer }

// Reader hands back a connection from the read-only pool for the
// duration of fn. Reads never wait on the writer mutex.
func (p *Pool) Reader(ctx context.Context, fn func(ctx context.Context, q types.Querier) error) error {
	conn, err := p.readers.Conn(ctx)
	if err != nil {
		return pserrors.Wrap(pserrors.KindSqlite, err, "acquiring reader connection")
	}
	defer conn.Close()
	return fn(ctx, conn)
}

// WriterTx runs fn inside a write transaction against the exclusive
// writer connection, committing on success and rolling back on error
// or panic. Only one WriterTx runs at a time; others block on
// writeMu, giving FIFO-ish fairness via the mutex's own wait queue.
//
// After a successful commit, the core extension's update hooks are
// harvested (via fetchChangedTables) and broadcast through
// OnTablesChanged. Errors harvesting are swallowed: a rollback means
// nothing changed, so there is nothing meaningful to report, and a
// broadcast failure must never turn a successful write into a
// reported failure.
func (p *Pool) WriterTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	tx, err := p.writer.BeginTx(ctx, nil)
	if err != nil {
		return pserrors.Wrap(pserrors.KindSqlite, err, "beginning write transaction")
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return pserrors.Wrap(pserrors.KindSqlite, err, "committing write transaction")
	}
	committed = true

	if p.onTablesChanged != nil {
		if tables, err := fetchChangedTables(ctx, p.writer); err == nil && len(tables) > 0 {
			p.onTablesChanged(tables)
			metrics.TableUpdateNotifications.Inc()
		}
	}

	return nil
}

const updateHooksGetQuery = `SELECT powersync_update_hooks('get')`

// fetchChangedTables calls the core extension's
// powersync_update_hooks('get') function, which drains and returns
// the set of tables its triggers marked dirty since the last call, as
// a JSON array of table names.
func fetchChangedTables(ctx context.Context, q types.Querier) ([]string, error) {
	var raw sql.NullString
	if err := q.QueryRowContext(ctx, updateHooksGetQuery).Scan(&raw); err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "fetching changed tables")
	}
	if !raw.Valid || raw.String == "" || raw.String == "[]" {
		return nil, nil
	}
	tables, err := decodeTableList(raw.String)
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindJSONConversion, err, "decoding changed-table list")
	}
	return tables, nil
}

const installUpdateHooksQuery = `SELECT powersync_update_hooks('install')`

const clientIDQuery = `SELECT powersync_client_id()`

// ClientID returns the stable local client id the core extension
// generated for this database, used as the `client_id` query
// parameter when polling for a write checkpoint.
func (p *Pool) ClientID(ctx context.Context) (string, error) {
	var id string
	if err := p.readers.QueryRowContext(ctx, clientIDQuery).Scan(&id); err != nil {
		return "", pserrors.Wrap(pserrors.KindSqlite, err, "fetching client id")
	}
	return id, nil
}

// InstallUpdateHooks asks the core extension to start recording
// per-table dirty flags on the writer connection. It must be called
// once per Pool, before the first write transaction.
func (p *Pool) InstallUpdateHooks(ctx context.Context) error {
	_, err := p.writer.ExecContext(ctx, installUpdateHooksQuery)
	if err != nil {
		return pserrors.Wrap(pserrors.KindSqlite, err, "installing update hooks")
	}
	return nil
}
