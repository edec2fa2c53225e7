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

// Package upload runs the actor that drains the local ps_crud queue
// through a connector.Connector and, once empty, advances the local
// write checkpoint. See spec.md §4.6 ("Upload Actor & CRUD Queue").
package upload

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/powersync-ja/powersync-go/internal/connector"
	"github.com/powersync-ja/powersync-go/internal/crud"
	"github.com/powersync-ja/powersync-go/internal/db/notifier"
	"github.com/powersync-ja/powersync-go/internal/db/pool"
	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/syncstatus"
	"github.com/powersync-ja/powersync-go/internal/transport"
	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/metrics"
	"github.com/powersync-ja/powersync-go/internal/util/stopper"
)

// CommandKind identifies which command was sent to the actor.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdTriggerCrudUpload
	CmdDisconnect
)

// Command is sent on the actor's bounded(1) command channel by the
// coordinator.
type Command struct {
	Kind      CommandKind
	Connector connector.Connector
	Ack       chan struct{} // closed once the command has been applied
}

// Actor is the upload-side state machine. The zero value is not
// usable; construct with New.
type Actor struct {
	pool       *pool.Pool
	httpClient *http.Client
	status     *syncstatus.Model
	crudQueue  *notifier.StreamListener
	retryDelay time.Duration
	log        *logrus.Entry

	// onComplete, if set, is called (non-blocking, from the actor's own
	// goroutine) after each successfully completed CRUD transaction, so
	// the caller can forward a CrudUploadComplete event to the download
	// actor.
	onComplete func()

	commands chan Command

	lastSeenItemID int64
	haveLastSeen   bool
}

// New constructs an upload Actor. crudQueue must be a StreamListener
// watching at least the "ps_crud" table. onComplete may be nil.
func New(p *pool.Pool, httpClient *http.Client, status *syncstatus.Model, crudQueue *notifier.StreamListener, retryDelay time.Duration, onComplete func(), log *logrus.Entry) *Actor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Actor{
		pool:       p,
		httpClient: httpClient,
		status:     status,
		crudQueue:  crudQueue,
		retryDelay: retryDelay,
		onComplete: onComplete,
		log:        log,
		commands:   make(chan Command, 1),
	}
}

// Commands returns the send side of the actor's command channel.
func (a *Actor) Commands() chan<- Command { return a.commands }

// Run is the actor's run loop; it returns when sctx is stopped or the
// command channel is closed.
func (a *Actor) Run(sctx *stopper.Context) error {
	crudSignal := make(chan struct{}, 1)
	sctx.Go(func() error {
		for {
			if err := a.crudQueue.Next(sctx); err != nil {
				return nil
			}
			select {
			case crudSignal <- struct{}{}:
			default:
			}
		}
	})

	var active connector.Connector

	for {
		select {
		case <-sctx.Stopping():
			return nil

		case cmd, ok := <-a.commands:
			if !ok {
				return nil
			}
			switch cmd.Kind {
			case CmdConnect:
				active = cmd.Connector
				a.haveLastSeen = false
			case CmdDisconnect:
				active = nil
			case CmdTriggerCrudUpload:
				if active != nil {
					a.runUploadCycle(sctx, active)
				}
			}
			if cmd.Ack != nil {
				close(cmd.Ack)
			}

		case <-crudSignal:
			if active != nil {
				a.runUploadCycle(sctx, active)
			}
		}
	}
}

// runUploadCycle implements CrudUpload::run: drain the queue through
// conn, then attempt to advance the write checkpoint. Errors are
// recorded on the status model, logged, and followed by the retry
// delay before returning to the Connected state; they are not
// returned to Run, since a single bad transaction must not kill the
// actor.
func (a *Actor) runUploadCycle(sctx *stopper.Context, conn connector.Connector) {
	a.haveLastSeen = false
	for {
		if sctx.Err() != nil {
			return
		}

		var tx *crud.Transaction
		err := a.pool.Reader(sctx, func(ctx context.Context, q types.Querier) error {
			t, err := crud.NextTransaction(ctx, q)
			tx = t
			return err
		})
		if err != nil {
			a.fail(sctx, err)
			return
		}
		if tx == nil {
			break
		}

		if a.haveLastSeen && tx.LastItemID() == a.lastSeenItemID {
			a.fail(sctx, pserrors.New(pserrors.KindArgument,
				"ps_crud id %d observed twice without deletion", tx.LastItemID()))
			return
		}
		a.lastSeenItemID = tx.LastItemID()
		a.haveLastSeen = true

		a.status.SetUpload(syncstatus.UploadUploading, nil)
		uploadStart := nowFunc()
		err = conn.UploadData(sctx, tx)
		metrics.UploadDurations.Observe(time.Since(uploadStart).Seconds())
		if err != nil {
			metrics.UploadErrors.Inc()
			a.fail(sctx, err)
			return
		}

		lastItemID := tx.LastItemID()
		if err := a.pool.WriterTx(sctx, func(ctx context.Context, wtx *sql.Tx) error {
			return crud.CompleteCrudItems(ctx, wtx, lastItemID, nil)
		}); err != nil {
			a.fail(sctx, err)
			return
		}
		if a.onComplete != nil {
			a.onComplete()
		}
	}

	if err := a.maybeAdvanceWriteCheckpoint(sctx, conn); err != nil {
		a.log.WithError(err).Warn("write checkpoint advance failed")
	}

	a.status.SetUpload(syncstatus.UploadIdle, nil)
}

const (
	selectLocalTargetOpQuery = `SELECT target_op FROM ps_buckets WHERE name = '$local'`
	selectCrudSeqQuery       = `SELECT seq FROM sqlite_sequence WHERE name = 'ps_crud'`
	selectCrudCountQuery     = `SELECT COUNT(*) FROM ps_crud`
)

// maybeAdvanceWriteCheckpoint implements spec.md §4.6 step 3: only
// once the local $local bucket is waiting on a server checkpoint
// (target_op = MAX_OP_ID) does it fetch one and, if nothing else
// queued a write in the meantime, install it.
func (a *Actor) maybeAdvanceWriteCheckpoint(sctx *stopper.Context, conn connector.Connector) error {
	var waiting bool
	err := a.pool.Reader(sctx, func(ctx context.Context, q types.Querier) error {
		var targetOp int64
		err := q.QueryRowContext(ctx, selectLocalTargetOpQuery).Scan(&targetOp)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		waiting = targetOp == crud.MaxOpID
		return nil
	})
	if err != nil || !waiting {
		return err
	}

	var seqBefore int64
	if err := a.pool.Reader(sctx, func(ctx context.Context, q types.Querier) error {
		err := q.QueryRowContext(ctx, selectCrudSeqQuery).Scan(&seqBefore)
		if errors.Is(err, sql.ErrNoRows) {
			seqBefore = 0
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	creds, err := conn.FetchCredentials(sctx, false)
	if err != nil {
		return err
	}
	client, err := transport.NewClient(creds.Endpoint, a.httpClient)
	if err != nil {
		return err
	}
	clientID, err := a.pool.ClientID(sctx)
	if err != nil {
		return err
	}
	checkpoint, err := client.FetchWriteCheckpoint(sctx, creds.Token, clientID)
	if err != nil {
		return err
	}
	advanced := false
	err = a.pool.WriterTx(sctx, func(ctx context.Context, wtx *sql.Tx) error {
		var targetOp int64
		if err := wtx.QueryRowContext(ctx, selectLocalTargetOpQuery).Scan(&targetOp); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if targetOp != crud.MaxOpID {
			return nil
		}

		var seqNow int64
		if err := wtx.QueryRowContext(ctx, selectCrudSeqQuery).Scan(&seqNow); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if seqNow != seqBefore {
			return nil
		}

		var count int
		if err := wtx.QueryRowContext(ctx, selectCrudCountQuery).Scan(&count); err != nil {
			return err
		}
		if count != 0 {
			return nil
		}

		if _, err := wtx.ExecContext(ctx, `UPDATE ps_buckets SET target_op = ? WHERE name = '$local'`, checkpoint); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err == nil && advanced {
		metrics.WriteCheckpointAdvances.Inc()
	}
	return err
}

func (a *Actor) fail(sctx *stopper.Context, err error) {
	a.status.SetUpload(syncstatus.UploadErrorState, err)
	a.log.WithError(err).Warn("crud upload failed, retrying after delay")
	select {
	case <-time.After(a.retryDelay):
	case <-sctx.Stopping():
	}
}

// nowFunc is a seam for tests; overridden in upload_test.go.
var nowFunc = time.Now
