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
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/powersync-ja/powersync-go/internal/db/notifier"
	"github.com/powersync-ja/powersync-go/internal/db/pool"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/sync/coordinator"
	"github.com/powersync-ja/powersync-go/internal/sync/download"
	"github.com/powersync-ja/powersync-go/internal/sync/upload"
	"github.com/powersync-ja/powersync-go/internal/syncstatus"
	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/diag"
	"github.com/powersync-ja/powersync-go/internal/util/stopper"
)

// Options configures Open.
type Options struct {
	// Path is the local SQLite database file path, or ":memory:" for
	// an ephemeral in-memory database.
	Path string

	// NumReaders is how many pooled read-only connections to keep
	// open. Zero picks a sensible default.
	NumReaders int

	// SingleConnection forces a single shared connection for both
	// reads and writes; required for ":memory:" and useful for tests.
	SingleConnection bool

	// RetryDelay is how long the download and upload actors wait after
	// a failure before retrying. Zero picks a sensible default.
	RetryDelay time.Duration

	// StreamTTL is how long a stream subscription survives after its
	// last Subscription is closed before the engine tells the server
	// it is no longer wanted. Zero picks the default of 30 seconds.
	StreamTTL time.Duration

	// HTTPClient is used for every sync-service request. A nil value
	// uses http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives structured log entries from every actor. A nil
	// value uses logrus's standard logger.
	Logger *log.Entry
}

const (
	defaultRetryDelay = 5 * time.Second
	defaultStreamTTL  = 30 * time.Second
)

// SyncOptions parameterizes one Connect call: the stream parameters
// and schema the extension needs, and whether server-default streams
// should be included.
type SyncOptions struct {
	Params          json.RawMessage
	Schema          json.RawMessage
	IncludeDefaults bool
}

// Database is one open local database plus its sync engine. The zero
// value is not usable; construct with Open.
type Database struct {
	pool     *pool.Pool
	notifier *notifier.Notifier
	status   *syncstatus.Model
	tracker  *streams.Tracker
	coord    *coordinator.Coordinator
	sctx     *stopper.Context
	log      *log.Entry
}

// Open creates or opens the local database at opts.Path and starts
// the download and upload actors in the disconnected state. Call
// Connect to begin syncing.
func Open(ctx context.Context, opts Options) (*Database, error) {
	logEntry := opts.Logger
	if logEntry == nil {
		logEntry = log.NewEntry(log.StandardLogger())
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	streamTTL := opts.StreamTTL
	if streamTTL <= 0 {
		streamTTL = defaultStreamTTL
	}

	n := notifier.New()

	p, err := pool.Open(ctx, pool.Options{
		Path:             opts.Path,
		NumReaders:       opts.NumReaders,
		SingleConnection: opts.SingleConnection,
		OnTablesChanged:  n.Notify,
	})
	if err != nil {
		return nil, err
	}
	if err := p.InstallUpdateHooks(ctx); err != nil {
		p.Close()
		return nil, err
	}

	status := syncstatus.NewModel()
	if err := syncstatus.ResolveOfflineState(ctx, p.ReaderDB(), status); err != nil {
		logEntry.WithError(err).Debug("initial offline status resolve failed")
	}

	crudListener := n.Watch([]string{"ps_crud"})
	sctx := stopper.WithContext(context.Background())

	// coord is assigned once both actors exist, before their Run
	// goroutines start and before Open returns; the closures below run
	// only after that (from the actors' goroutines, or from Subscribe
	// and TTL timers), so there is no race reading it unlocked. The
	// actor callbacks hand off to a goroutine, since each actor waits
	// on the other's acknowledgement.
	var coord *coordinator.Coordinator

	var tracker *streams.Tracker
	tracker = streams.NewTracker(streamTTL, func(keys []streams.Key) {
		if coord == nil {
			return
		}
		_ = coord.SubscriptionsChanged(sctx, tracker.Descriptors())
	})

	uploadActor := upload.New(p, opts.HTTPClient, status, crudListener, retryDelay, func() {
		if coord != nil {
			go func() { _ = coord.CrudUploadComplete(sctx) }()
		}
	}, logEntry)

	downloadActor := download.New(p, p.ReaderDB(), opts.HTTPClient, status, retryDelay,
		tracker.Descriptors,
		func() {
			if coord != nil {
				go func() { _ = coord.TriggerCrudUpload(sctx) }()
			}
		},
		logEntry)

	coord = coordinator.New(downloadActor.Commands(), uploadActor.Commands())

	sctx.Go(downloadActor.Run)
	sctx.Go(uploadActor.Run)

	return &Database{
		pool:     p,
		notifier: n,
		status:   status,
		tracker:  tracker,
		coord:    coord,
		sctx:     sctx,
		log:      logEntry,
	}, nil
}

// ApplySchema installs s as the managed schema, replacing whatever
// schema was previously applied.
func (db *Database) ApplySchema(ctx context.Context, s Schema) error {
	return db.pool.WriterTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.Apply(ctx, tx)
	})
}

// Connect starts (or updates) the sync engine against the service
// conn can reach, using the managed schema opts describes.
func (db *Database) Connect(ctx context.Context, conn Connector, opts SyncOptions) error {
	return db.coord.Connect(ctx, conn, download.SyncOptions{
		Params:          opts.Params,
		Schema:          opts.Schema,
		IncludeDefaults: opts.IncludeDefaults,
	})
}

// Disconnect stops the current sync session; the local database
// remains usable and queued writes are retained.
func (db *Database) Disconnect(ctx context.Context) error {
	return db.coord.Disconnect(ctx)
}

// DisconnectAndClear disconnects, then clears every managed row
// (via powersync_clear) and, if newSchema is non-nil, installs it in
// the same write transaction. This is a supplemented convenience: see
// SPEC_FULL.md's note on original_source/database.rs.
func (db *Database) DisconnectAndClear(ctx context.Context, newSchema *Schema, clearLocal bool) error {
	if err := db.coord.Disconnect(ctx); err != nil {
		return err
	}
	return db.pool.WriterTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		mode := 0
		if clearLocal {
			mode = 1
		}
		if _, err := tx.ExecContext(ctx, `SELECT powersync_clear(?)`, mode); err != nil {
			return errors.Wrap(err, "clearing managed data")
		}
		if newSchema != nil {
			return newSchema.Apply(ctx, tx)
		}
		return nil
	})
}

// Subscribe returns a StreamSubscription for d, creating it if this is
// the first reference to that stream. The stream stays active for as
// long as the returned subscription (or another subscription to the
// same stream) is not Closed, plus the configured StreamTTL grace
// period.
func (db *Database) Subscribe(d StreamDescriptor) (*StreamSubscription, error) {
	return db.tracker.Subscribe(d)
}

// Status returns the current sync-status snapshot. Hold on to it and
// wait on its Invalidated() channel to observe subsequent revisions
// without polling.
func (db *Database) Status() *SyncStatus {
	return db.status.Current()
}

// WaitUntilReady blocks until the sync status satisfies pred, or ctx
// is done. A supplemented convenience; see SPEC_FULL.md.
func (db *Database) WaitUntilReady(ctx context.Context, pred func(*SyncStatus) bool) error {
	return syncstatus.WaitUntil(ctx, db.status, pred)
}

// Write runs fn inside a write transaction against the local database,
// committing on success. Use this for every local insert/update/delete
// against managed or raw tables; the resulting CRUD entries are picked
// up by the upload actor automatically.
func (db *Database) Write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.pool.WriterTx(ctx, fn)
}

// Read runs fn against a pooled read-only connection.
func (db *Database) Read(ctx context.Context, fn func(ctx context.Context, q types.Querier) error) error {
	return db.pool.Reader(ctx, fn)
}

// Diagnostics returns the pool's registered health pingers.
func (db *Database) Diagnostics() *diag.Diagnostics {
	return db.pool.Diagnostics()
}

// Close disconnects the sync engine, stops both actors, and closes the
// underlying database connections.
func (db *Database) Close(ctx context.Context) error {
	_ = db.coord.Disconnect(ctx)
	db.sctx.Stop(10 * time.Second)
	return db.pool.Close()
}
