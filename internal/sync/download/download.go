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

// Package download runs the actor that drives the core extension's
// control state machine: it opens and re-opens the sync stream,
// forwards server lines and local events into the control adapter,
// and acts on the instructions that come back. See spec.md §4.5
// ("Download Actor") and §4.5.1 ("Sync Iteration").
package download

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/powersync-ja/powersync-go/internal/connector"
	"github.com/powersync-ja/powersync-go/internal/control"
	"github.com/powersync-ja/powersync-go/internal/db/pool"
	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/syncstatus"
	"github.com/powersync-ja/powersync-go/internal/transport"
	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/metrics"
	"github.com/powersync-ja/powersync-go/internal/util/stopper"
	"github.com/powersync-ja/powersync-go/internal/wire"
)

// CommandKind identifies which command was sent to the actor.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdDisconnect
	CmdResolveOfflineSyncStatusIfNotConnected
	CmdSubscriptionsChanged
	CmdCrudUploadComplete
)

// SyncOptions parameterizes one connection attempt: the serialized
// stream parameters and schema the extension needs, and whether
// server-default streams should be included.
type SyncOptions struct {
	Connector       connector.Connector
	Params          json.RawMessage
	Schema          json.RawMessage
	IncludeDefaults bool
}

// sameShape reports whether two option sets would produce the same
// Start payload, per SPEC_FULL.md's Open Question #1 decision:
// a Connect received while already Running is a no-op unless the
// include-defaults flag or the serialized parameters or schema
// actually changed. The connector is not compared.
func (o SyncOptions) sameShape(other SyncOptions) bool {
	return o.IncludeDefaults == other.IncludeDefaults &&
		bytes.Equal(o.Params, other.Params) &&
		bytes.Equal(o.Schema, other.Schema)
}

// Command is sent on the actor's bounded(1) command channel by the
// coordinator.
type Command struct {
	Kind          CommandKind
	Options       SyncOptions
	Subscriptions []streams.Descriptor
	Ack           chan struct{} // closed once the command has been applied
}

func ackClose(ack chan struct{}) {
	if ack != nil {
		close(ack)
	}
}

// UploadTrigger is called whenever the download actor wants to kick
// the upload actor (after establishing a stream). It must not block.
type UploadTrigger func()

// SubscriptionSource supplies the currently active stream descriptors
// for the `start` control event's subscription list.
type SubscriptionSource func() []streams.Descriptor

// Actor is the download-side state machine.
type Actor struct {
	pool          *pool.Pool
	adapter       *control.Adapter
	status        *syncstatus.Model
	reader        types.Querier
	httpClient    *http.Client
	retryDelay    time.Duration
	log           *logrus.Entry
	subscribed    SubscriptionSource
	triggerUpload UploadTrigger

	commands chan Command
}

// New constructs a download Actor. p provides exclusive, harvested
// access to the writer connection for control calls; reader is used
// for the best-effort offline-status resolve while idle.
func New(p *pool.Pool, reader types.Querier, httpClient *http.Client, status *syncstatus.Model, retryDelay time.Duration, subscribed SubscriptionSource, triggerUpload UploadTrigger, log *logrus.Entry) *Actor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Actor{
		pool:          p,
		adapter:       control.NewAdapter(p.WriterDB()),
		status:        status,
		reader:        reader,
		httpClient:    httpClient,
		retryDelay:    retryDelay,
		log:           log,
		subscribed:    subscribed,
		triggerUpload: triggerUpload,
		commands:      make(chan Command, 1),
	}
}

// Commands returns the send side of the actor's command channel.
func (a *Actor) Commands() chan<- Command { return a.commands }

// Run is the actor's run loop.
func (a *Actor) Run(sctx *stopper.Context) error {
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
				// Acknowledge first: runFromIdle returns only once the
				// session ends.
				ackClose(cmd.Ack)
				cmd.Ack = nil
				a.runFromIdle(sctx, cmd.Options)
			case CmdResolveOfflineSyncStatusIfNotConnected:
				if err := syncstatus.ResolveOfflineState(sctx, a.reader, a.status); err != nil {
					a.log.WithError(err).Debug("offline status resolve failed")
				}
			case CmdDisconnect, CmdSubscriptionsChanged, CmdCrudUploadComplete:
				// no-op while idle
			}
			ackClose(cmd.Ack)
		}
	}
}

// runFromIdle drives repeated iterations with opts until the actor is
// told to disconnect or is stopped.
func (a *Actor) runFromIdle(sctx *stopper.Context, opts SyncOptions) {
	a.status.SetConnecting(true)
	for {
		res, err := a.runIteration(sctx, opts)
		if sctx.Err() != nil {
			return
		}
		if err != nil {
			a.status.SetDownloadError(err)
			a.status.SetDisconnected()
			if !a.sleep(sctx, a.retryDelay) {
				return
			}
			a.status.SetConnecting(true)
			continue
		}

		if res.reconnectOptions != nil {
			opts = *res.reconnectOptions
			continue
		}
		if res.disconnected {
			a.status.SetDisconnected()
			return
		}

		delay := a.retryDelay
		if res.hideDisconnect {
			delay = 0
		}
		a.status.SetDisconnected()
		metrics.ReconnectsTotal.Inc()
		if !a.sleep(sctx, delay) {
			return
		}
		a.status.SetConnecting(true)
	}
}

// sleep waits for d or until sctx stops; it returns false if sctx
// stopped first.
func (a *Actor) sleep(sctx *stopper.Context, d time.Duration) bool {
	if d <= 0 {
		return sctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-sctx.Stopping():
		return false
	}
}

type iterationResult struct {
	disconnected     bool
	hideDisconnect   bool
	reconnectOptions *SyncOptions
}

// lineMsg is one item off the open sync stream's line channel: either
// a decoded frame, or a terminal error/EOF marking the stream's end.
type lineMsg struct {
	text     string
	binary   []byte
	isBinary bool
	err      error
}

// iterationState tracks the currently open HTTP response, if any,
// across the events processed by one runIteration call.
type iterationState struct {
	resp  *transport.StreamResponse
	lines <-chan lineMsg

	closeReceived  bool
	hideDisconnect bool
	wantDisconnect bool
}

func (st *iterationState) closeStream() {
	if st.resp != nil {
		_ = st.resp.Close()
		st.resp = nil
	}
	st.lines = nil
}

// runIteration implements spec.md §4.5.1: it opens with a Start
// event, then loops consuming either the next local command or the
// next server line until a CloseSyncStream instruction, the stopper,
// or an error ends it.
func (a *Actor) runIteration(sctx *stopper.Context, opts SyncOptions) (iterationResult, error) {
	st := &iterationState{}
	defer st.closeStream()

	startBody, err := buildStartPayload(opts, a.subscribed())
	if err != nil {
		return iterationResult{}, err
	}
	if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventStart, Schema: startBody}, st, opts); err != nil {
		return iterationResult{}, err
	}
	if st.closeReceived {
		return iterationResult{disconnected: st.wantDisconnect, hideDisconnect: st.hideDisconnect}, nil
	}

	for {
		select {
		case <-sctx.Stopping():
			return iterationResult{disconnected: true}, nil

		case cmd, ok := <-a.commands:
			if !ok {
				return iterationResult{disconnected: true}, nil
			}
			if res, done, err := a.handleCommand(sctx, cmd, st, opts); err != nil {
				ackClose(cmd.Ack)
				return iterationResult{}, err
			} else if done {
				ackClose(cmd.Ack)
				return res, nil
			}
			ackClose(cmd.Ack)

		case msg, ok := <-st.lines:
			if !ok {
				st.lines = nil
				continue
			}
			var ev control.Event
			if msg.err != nil {
				st.closeStream()
				ev = control.Event{Kind: control.EventResponseStreamEnd}
			} else if msg.isBinary {
				ev = control.Event{Kind: control.EventBinaryLine, Binary: msg.binary}
			} else {
				ev = control.Event{Kind: control.EventTextLine, Text: msg.text}
			}
			if err := a.invokeAndExec(sctx, ev, st, opts); err != nil {
				return iterationResult{}, err
			}
			if st.closeReceived {
				return iterationResult{disconnected: st.wantDisconnect, hideDisconnect: st.hideDisconnect}, nil
			}
		}
	}
}

// handleCommand applies one local command during an active iteration.
// done reports whether the iteration should end as a result.
func (a *Actor) handleCommand(sctx *stopper.Context, cmd Command, st *iterationState, opts SyncOptions) (iterationResult, bool, error) {
	switch cmd.Kind {
	case CmdConnect:
		if opts.sameShape(cmd.Options) {
			return iterationResult{}, false, nil
		}
		if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventStop}, st, opts); err != nil {
			return iterationResult{}, false, err
		}
		next := cmd.Options
		return iterationResult{reconnectOptions: &next}, true, nil

	case CmdDisconnect:
		if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventStop}, st, opts); err != nil {
			return iterationResult{}, false, err
		}
		st.wantDisconnect = true
		if st.closeReceived {
			return iterationResult{disconnected: true, hideDisconnect: st.hideDisconnect}, true, nil
		}
		return iterationResult{}, false, nil

	case CmdSubscriptionsChanged:
		if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventUpdateSubscriptions, Subscriptions: cmd.Subscriptions}, st, opts); err != nil {
			return iterationResult{}, false, err
		}
		return iterationResult{}, st.closeReceived, nil

	case CmdCrudUploadComplete:
		if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventCompletedUpload}, st, opts); err != nil {
			return iterationResult{}, false, err
		}
		return iterationResult{}, st.closeReceived, nil

	case CmdResolveOfflineSyncStatusIfNotConnected:
		// already connected/connecting; no-op per spec.
		return iterationResult{}, false, nil
	}
	return iterationResult{}, false, nil
}

// invokeAndExec runs one control call inside a WriterTx - so the
// control call joins the writer-lease harvest-and-broadcast discipline
// and, crucially, so the transaction commits (releasing the writer
// lease) before any returned instruction runs. Instructions are only
// executed once WriterTx has returned: establishStream's HTTP POST
// must never run while the writer lease is held.
func (a *Actor) invokeAndExec(sctx *stopper.Context, ev control.Event, st *iterationState, opts SyncOptions) error {
	start := time.Now()
	var instrs []control.Instruction
	err := a.pool.WriterTx(sctx, func(ctx context.Context, tx *sql.Tx) error {
		i, err := a.adapter.Call(ctx, tx, ev)
		instrs = i
		return err
	})
	metrics.ControlCallDurations.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ControlCallErrors.WithLabelValues(string(ev.Kind)).Inc()
		return err
	}
	return a.execInstructions(sctx, instrs, st, opts)
}

func (a *Actor) execInstructions(sctx *stopper.Context, instrs []control.Instruction, st *iterationState, opts SyncOptions) error {
	for _, instr := range instrs {
		switch instr.Kind {
		case control.InstructionLogLine:
			a.logAt(instr.LogLevel, instr.LogMessage)

		case control.InstructionUpdateSyncStatus:
			ds, err := syncstatus.ParseDownloadState(instr.SyncStatus)
			if err != nil {
				return err
			}
			a.status.UpdateDownload(ds)

		case control.InstructionEstablishSyncStream:
			if err := a.establishStream(sctx, opts, instr.RequestBody, st); err != nil {
				return err
			}

		case control.InstructionFetchCredentials:
			a.log.WithField("did_expire", instr.DidExpire).Trace("credential refresh hint received; extension will close the stream if a reconnect is required")

		case control.InstructionCloseSyncStream:
			st.closeReceived = true
			st.hideDisconnect = instr.HideDisconnect
			st.closeStream()

		case control.InstructionFlushFileSystem:
			// no-op: this is not a WASM/OPFS embedding.

		case control.InstructionDidCompleteSync:
			a.status.SetDownloadError(nil)
		}
	}
	return nil
}

// establishStream opens the HTTP sync-stream connection described by
// body, emits ConnectionEstablished, and triggers a CRUD upload.
func (a *Actor) establishStream(sctx *stopper.Context, opts SyncOptions, body json.RawMessage, st *iterationState) error {
	creds, err := opts.Connector.FetchCredentials(sctx, false)
	if err != nil {
		return err
	}
	client, err := transport.NewClient(creds.Endpoint, a.httpClient)
	if err != nil {
		return err
	}
	resp, err := client.OpenSyncStream(sctx, creds.Token, body)
	if err != nil {
		return err
	}
	st.resp = resp
	st.lines = streamLines(sctx, resp)

	if err := a.invokeAndExec(sctx, control.Event{Kind: control.EventConnectionEstablished}, st, opts); err != nil {
		return err
	}
	if a.triggerUpload != nil {
		a.triggerUpload()
	}
	return nil
}

// streamLines spawns a goroutine (tracked by sctx) translating resp's
// frames into lineMsg values, terminated by one final message carrying
// the read error (io.EOF on a clean close).
func streamLines(sctx *stopper.Context, resp *transport.StreamResponse) <-chan lineMsg {
	ch := make(chan lineMsg, 8)
	sctx.Go(func() error {
		defer close(ch)
		for {
			frame, ok := resp.Lines.Next()
			if !ok {
				err := resp.Lines.Err()
				if err == nil {
					err = io.EOF
				}
				select {
				case ch <- lineMsg{err: err}:
				case <-sctx.Stopping():
				}
				return nil
			}
			metrics.SyncLinesReceived.Inc()
			metrics.SyncBytesReceived.Add(float64(len(frame)))

			msg := lineMsg{}
			if resp.Lines.Format() == wire.FormatBSON {
				msg.isBinary = true
				msg.binary = frame
			} else {
				msg.text = string(frame)
			}
			select {
			case ch <- msg:
			case <-sctx.Stopping():
				return nil
			}
		}
	})
	return ch
}

func (a *Actor) logAt(severity, message string) {
	entry := a.log.WithField("source", "control-extension")
	switch severity {
	case "ERROR":
		entry.Error(message)
	case "WARNING":
		entry.Warn(message)
	case "DEBUG":
		entry.Debug(message)
	case "TRACE":
		entry.Trace(message)
	default:
		entry.Info(message)
	}
}

type startPayload struct {
	Parameters      json.RawMessage      `json:"parameters,omitempty"`
	Schema          json.RawMessage      `json:"schema"`
	IncludeDefaults bool                 `json:"include_defaults"`
	Subscriptions   []streams.Descriptor `json:"subscriptions"`
}

func buildStartPayload(opts SyncOptions, subs []streams.Descriptor) (json.RawMessage, error) {
	if subs == nil {
		subs = []streams.Descriptor{}
	}
	buf, err := json.Marshal(startPayload{
		Parameters:      opts.Params,
		Schema:          opts.Schema,
		IncludeDefaults: opts.IncludeDefaults,
		Subscriptions:   subs,
	})
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindJSONConversion, err, "encoding start payload")
	}
	return buf, nil
}
