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

// Package powersync is a local-first sync engine over a SQLite
// database: application code writes through ordinary SQL, those
// writes are queued and uploaded through a user-supplied Connector,
// and a managed schema's rows are kept in sync with a PowerSync
// service via one or more named sync streams. See the internal
// packages this module is assembled from for the component-level
// design; this file and database.go are the public entry points.
package powersync

import (
	"github.com/powersync-ja/powersync-go/internal/connector"
	"github.com/powersync-ja/powersync-go/internal/crud"
	"github.com/powersync-ja/powersync-go/internal/schema"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/syncstatus"
)

// Connector is implemented by application code: it issues credentials
// for the configured sync service and uploads queued CRUD
// transactions. See internal/connector for the full contract.
type Connector = connector.Connector

// Credentials is a bearer token good against Endpoint, returned from
// Connector.FetchCredentials.
type Credentials = connector.Credentials

// Schema describes every table this database will manage. See
// internal/schema for field-level documentation and validation rules.
type Schema = schema.Schema

// Table is one managed table in a Schema.
type Table = schema.Table

// Column describes one managed-table column.
type Column = schema.Column

// ColumnType is the set of SQLite storage classes a managed-table
// column may declare.
type ColumnType = schema.ColumnType

const (
	ColumnText    = schema.ColumnText
	ColumnInteger = schema.ColumnInteger
	ColumnReal    = schema.ColumnReal
)

// Index describes a secondary index on a managed table.
type Index = schema.Index

// TableOptions bundles a managed table's per-table behavior flags.
type TableOptions = schema.TableOptions

// TrackPreviousValuesMode selects how much of a row's prior state is
// captured into a CRUD entry's previous_values map.
type TrackPreviousValuesMode = schema.TrackPreviousValuesMode

const (
	TrackPreviousValuesNone   = schema.TrackPreviousValuesNone
	TrackPreviousValuesAll    = schema.TrackPreviousValuesAll
	TrackPreviousValuesSubset = schema.TrackPreviousValuesSubset
)

// RawTable is a user-owned table synchronized via explicit put/delete
// statements, or derived from a managed table's rows.
type RawTable = schema.RawTable

// RawPutDelete holds a raw table's explicit SQL templates.
type RawPutDelete = schema.RawPutDelete

// Statement is a raw-table SQL template plus its parameter list.
type Statement = schema.Statement

// StatementParam is one positional parameter of a raw-table template.
type StatementParam = schema.StatementParam

// DerivedRawSchema names the local table a raw table derives its
// put/delete behavior from.
type DerivedRawSchema = schema.DerivedRawSchema

// Transaction is an ordered, contiguous run of CRUD entries sharing
// one local transaction id, handed to Connector.UploadData.
type Transaction = crud.Transaction

// CrudEntry is a single local write queued for upload.
type CrudEntry = crud.Entry

// UpdateType is the kind of write a CrudEntry records.
type UpdateType = crud.UpdateType

const (
	Put    = crud.Put
	Patch  = crud.Patch
	Delete = crud.Delete
)

// StreamDescriptor identifies a sync stream by name plus optional
// parameters; two descriptors with the same name and structurally
// equal parameters identify the same stream.
type StreamDescriptor = streams.Descriptor

// StreamSubscription is the handle returned by Subscribe; it is the
// caller's reference that keeps a stream subscribed. Close it to
// release that reference.
type StreamSubscription = streams.Subscription

// StreamStatus is the runtime view of one active stream.
type StreamStatus = streams.Status

// StreamProgress is the per-stream download progress counters.
type StreamProgress = streams.Progress

// SyncStatus is one immutable revision of the sync-status snapshot.
// See internal/syncstatus for how to wait on the next revision.
type SyncStatus = syncstatus.Snapshot

// DownloadState is the download-side half of a SyncStatus.
type DownloadState = syncstatus.DownloadState

// UploadState is the state of the upload actor as reflected in a
// SyncStatus.
type UploadState = syncstatus.UploadState

const (
	UploadIdle       = syncstatus.UploadIdle
	UploadUploading  = syncstatus.UploadUploading
	UploadErrorState = syncstatus.UploadErrorState
)

// AggregateProgress is a coarse-grained progress total covering every
// stream in the current checkpoint.
type AggregateProgress = syncstatus.AggregateProgress
