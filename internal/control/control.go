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

// Package control is the single entrypoint through which the sync
// actors drive the core extension's state machine. Every event the
// actors observe (a line off the wire, a completed upload, a
// subscription change) is translated into one `powersync_control(op,
// arg)` call, and every instruction the extension wants executed
// comes back as one JSON array decoded from that call's result. See
// spec.md §4.4 ("Control-Extension Adapter").
package control

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/util/stmtcache"
)

// EventKind identifies which control event occurred.
type EventKind string

const (
	EventStart                 EventKind = "start"
	EventStop                  EventKind = "stop"
	EventTextLine              EventKind = "text_line"
	EventBinaryLine            EventKind = "binary_line"
	EventCompletedUpload       EventKind = "completed_upload"
	EventConnectionEstablished EventKind = "connection_established"
	EventResponseStreamEnd     EventKind = "response_stream_end"
	EventUpdateSubscriptions   EventKind = "update_subscriptions"
)

// Event is one occurrence the download or upload actor hands to the
// adapter. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Start
	Schema json.RawMessage

	// TextLine
	Text string

	// BinaryLine
	Binary []byte

	// UpdateSubscriptions
	Subscriptions []streams.Descriptor
}

// toControlCall maps an Event to the (op, arg) pair passed to
// powersync_control, per spec.md §4.4's event table. arg is bound
// as-is by Call, so a BinaryLine's bytes must come back as a []byte
// (bound as a BLOB), not a string.
func (e Event) toControlCall() (op string, arg any, err error) {
	switch e.Kind {
	case EventStart:
		return "start", string(e.Schema), nil
	case EventStop:
		return "stop", "", nil
	case EventTextLine:
		return "line_text", e.Text, nil
	case EventBinaryLine:
		return "line_binary", e.Binary, nil
	case EventCompletedUpload:
		return "completed_upload", "", nil
	case EventConnectionEstablished:
		return "connection", "established", nil
	case EventResponseStreamEnd:
		return "connection", "end", nil
	case EventUpdateSubscriptions:
		buf, err := json.Marshal(e.Subscriptions)
		if err != nil {
			return "", "", pserrors.Wrap(pserrors.KindJSONConversion, err, "encoding subscriptions")
		}
		return "update_subscriptions", string(buf), nil
	default:
		return "", "", pserrors.New(pserrors.KindArgument, "unknown control event kind %q", e.Kind)
	}
}

// InstructionKind identifies which instruction the extension issued.
type InstructionKind string

const (
	InstructionLogLine              InstructionKind = "LogLine"
	InstructionUpdateSyncStatus     InstructionKind = "UpdateSyncStatus"
	InstructionEstablishSyncStream  InstructionKind = "EstablishSyncStream"
	InstructionFetchCredentials     InstructionKind = "FetchCredentials"
	InstructionCloseSyncStream      InstructionKind = "CloseSyncStream"
	InstructionFlushFileSystem      InstructionKind = "FlushFileSystem"
	InstructionDidCompleteSync      InstructionKind = "DidCompleteSync"
)

// Instruction is one decoded element of the JSON array returned by a
// control call, in the order the extension wants them executed.
type Instruction struct {
	Kind InstructionKind

	LogLevel   string
	LogMessage string

	SyncStatus json.RawMessage

	RequestBody json.RawMessage

	DidExpire bool

	HideDisconnect bool
}

// wireInstruction is the raw shape of one instruction, as the
// extension emits it: a single key naming the variant, whose value is
// variant-specific.
type wireInstruction struct {
	LogLine *struct {
		Severity string `json:"severity"`
		Line     string `json:"line"`
	} `json:"LogLine"`
	UpdateSyncStatus *struct {
		Status json.RawMessage `json:"status"`
	} `json:"UpdateSyncStatus"`
	EstablishSyncStream *struct {
		Request json.RawMessage `json:"request"`
	} `json:"EstablishSyncStream"`
	FetchCredentials *struct {
		DidExpire bool `json:"did_expire"`
	} `json:"FetchCredentials"`
	CloseSyncStream *struct {
		HideDisconnect bool `json:"hide_disconnect"`
	} `json:"CloseSyncStream"`
	FlushFileSystem  *struct{} `json:"FlushFileSystem"`
	DidCompleteSync  *struct{} `json:"DidCompleteSync"`
}

func decodeInstructions(raw []byte) ([]Instruction, error) {
	var wire []wireInstruction
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, pserrors.Wrap(pserrors.KindJSONConversion, err, "decoding control instructions")
	}

	out := make([]Instruction, 0, len(wire))
	for _, w := range wire {
		switch {
		case w.LogLine != nil:
			out = append(out, Instruction{Kind: InstructionLogLine, LogLevel: w.LogLine.Severity, LogMessage: w.LogLine.Line})
		case w.UpdateSyncStatus != nil:
			out = append(out, Instruction{Kind: InstructionUpdateSyncStatus, SyncStatus: w.UpdateSyncStatus.Status})
		case w.EstablishSyncStream != nil:
			out = append(out, Instruction{Kind: InstructionEstablishSyncStream, RequestBody: w.EstablishSyncStream.Request})
		case w.FetchCredentials != nil:
			out = append(out, Instruction{Kind: InstructionFetchCredentials, DidExpire: w.FetchCredentials.DidExpire})
		case w.CloseSyncStream != nil:
			out = append(out, Instruction{Kind: InstructionCloseSyncStream, HideDisconnect: w.CloseSyncStream.HideDisconnect})
		case w.FlushFileSystem != nil:
			out = append(out, Instruction{Kind: InstructionFlushFileSystem})
		case w.DidCompleteSync != nil:
			out = append(out, Instruction{Kind: InstructionDidCompleteSync})
		default:
			return nil, pserrors.New(pserrors.KindJSONConversion, "unrecognized control instruction")
		}
	}
	return out, nil
}

const controlCallQuery = `SELECT powersync_control(?, ?)`

// Adapter caches the prepared powersync_control statement against one
// writer connection, since the download actor re-issues the same
// query on every control event (one call per line off the wire).
type Adapter struct {
	stmts *stmtcache.Cache[string]
}

// NewAdapter constructs an Adapter. db is the pool.Pool's writer
// connection: every Call's transaction must have been started from
// this same *sql.DB, since a prepared statement is tied to it.
func NewAdapter(db *sql.DB) *Adapter {
	return &Adapter{stmts: stmtcache.New[string](db, 4)}
}

// Call issues one `SELECT powersync_control(op, arg)` against an
// already-open transaction and decodes the resulting JSON instruction
// array. It does not begin or commit anything: the caller owns the
// transaction, typically a pool.Pool.WriterTx call so that the
// writer-lease harvest-and-broadcast step runs once the surrounding
// transaction commits. Callers must not act on any returned
// instruction unless the surrounding transaction goes on to commit.
func (a *Adapter) Call(ctx context.Context, tx *sql.Tx, ev Event) ([]Instruction, error) {
	op, arg, err := ev.toControlCall()
	if err != nil {
		return nil, err
	}

	stmt, err := a.stmts.Prepare(ctx, controlCallQuery, controlCallQuery)
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "preparing powersync_control")
	}

	var result sql.NullString
	if err := tx.StmtContext(ctx, stmt).QueryRowContext(ctx, op, arg).Scan(&result); err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "calling powersync_control(%s)", op)
	}

	if !result.Valid || result.String == "" {
		return nil, nil
	}
	return decodeInstructions([]byte(result.String))
}

// Invoke runs one control call inside its own, freshly begun
// transaction: convenient for tests and for callers that are not
// already driving a pool.Pool.WriterTx.
func (a *Adapter) Invoke(ctx context.Context, db *sql.DB, ev Event) ([]Instruction, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "beginning control transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	instructions, err := a.Call(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, pserrors.Wrap(pserrors.KindSqlite, err, "committing control transaction")
	}
	committed = true

	return instructions, nil
}
