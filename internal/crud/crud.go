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

// Package crud reads and retires entries from the local ps_crud queue
// that the core extension's triggers populate on every user write. See
// spec.md §3 ("CRUD Entry", "CRUD Transaction") and §4.6.
package crud

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/metrics"
)

// UpdateType is the kind of write a CRUD entry records.
type UpdateType string

const (
	Put    UpdateType = "PUT"
	Patch  UpdateType = "PATCH"
	Delete UpdateType = "DELETE"
)

// Entry is a single local write queued for upload.
type Entry struct {
	ClientID       int64
	TransactionID  *int64
	Op             UpdateType
	Table          string
	RowID          string
	Metadata       *string
	Data           map[string]any
	PreviousValues map[string]any
}

// Transaction is an ordered, contiguous run of entries sharing one
// transaction id, per spec.md §3.
type Transaction struct {
	// ID is nil when entries were written outside of an explicit
	// transaction (each gets its own implicit one).
	ID   *int64
	Crud []Entry

	// lastItemID is the greatest ClientID this transaction contains,
	// used by Complete to retire exactly these rows.
	lastItemID int64
}

// LastItemID returns the greatest client_id contained in the
// transaction; Complete deletes every ps_crud row with id <= this
// value.
func (t *Transaction) LastItemID() int64 { return t.lastItemID }

// row mirrors one ps_crud record as stored by the extension: id is the
// monotonic client_id, txID is nullable, and data is the JSON blob
// described in spec.md §6.
type row struct {
	ID   int64
	TxID sql.NullInt64
	Data []byte
}

type jsonEntry struct {
	Op       string          `json:"op"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata *string         `json:"metadata,omitempty"`
	Old      json.RawMessage `json:"old,omitempty"`
}

func parseRow(r row) (Entry, error) {
	var je jsonEntry
	if err := json.Unmarshal(r.Data, &je); err != nil {
		return Entry{}, errors.Wrapf(err, "decoding ps_crud row %d", r.ID)
	}

	e := Entry{
		ClientID: r.ID,
		Op:       UpdateType(je.Op),
		Table:    je.Type,
		RowID:    je.ID,
		Metadata: je.Metadata,
	}
	if r.TxID.Valid {
		txID := r.TxID.Int64
		e.TransactionID = &txID
	}
	if len(je.Data) > 0 {
		if err := json.Unmarshal(je.Data, &e.Data); err != nil {
			return Entry{}, errors.Wrapf(err, "decoding data for ps_crud row %d", r.ID)
		}
	}
	if len(je.Old) > 0 {
		if err := json.Unmarshal(je.Old, &e.PreviousValues); err != nil {
			return Entry{}, errors.Wrapf(err, "decoding old values for ps_crud row %d", r.ID)
		}
	}
	return e, nil
}

const selectEntriesQuery = `SELECT id, tx_id, data FROM ps_crud ORDER BY id ASC`

// ReadEntries returns every queued ps_crud row, in ascending client_id
// order.
func ReadEntries(ctx context.Context, q types.Querier) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, selectEntriesQuery)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.TxID, &r.Data); err != nil {
			return nil, errors.WithStack(err)
		}
		e, err := parseRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, errors.WithStack(rows.Err())
}

// NextTransaction returns the oldest run of ps_crud entries sharing a
// single transaction id, or nil if the queue is empty. Entries without
// a transaction id are returned one at a time, each as its own
// single-entry Transaction.
func NextTransaction(ctx context.Context, q types.Querier) (*Transaction, error) {
	entries, err := ReadEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		metrics.CrudQueueDepth.Set(0)
		return nil, nil
	}
	metrics.CrudQueueDepth.Set(float64(len(entries)))

	first := entries[0]
	tx := &Transaction{ID: first.TransactionID, lastItemID: first.ClientID}
	tx.Crud = append(tx.Crud, first)

	for _, e := range entries[1:] {
		if !sameTransaction(first.TransactionID, e.TransactionID) {
			break
		}
		tx.Crud = append(tx.Crud, e)
		tx.lastItemID = e.ClientID
	}
	return tx, nil
}

func sameTransaction(a, b *int64) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// MaxOpID is the sentinel target_op value meaning "no outstanding
// write checkpoint is required" (spec.md §6).
const MaxOpID int64 = 9223372036854775807

const (
	deleteUpToQuery      = `DELETE FROM ps_crud WHERE id <= ?`
	setLocalTargetOpQuery = `UPDATE ps_buckets SET target_op = ? WHERE name = '$local'`
)

// CompleteCrudItems deletes every ps_crud row with id <= lastClientID
// and advances the "$local" bucket's target_op, per spec.md §4.6. If
// writeCheckpoint is nil, target_op is reset to MaxOpID; otherwise it
// is set to the given checkpoint, which the caller must have already
// confirmed is safe to apply (queue empty, sequence unchanged).
func CompleteCrudItems(ctx context.Context, tx *sql.Tx, lastClientID int64, writeCheckpoint *int64) error {
	if _, err := tx.ExecContext(ctx, deleteUpToQuery, lastClientID); err != nil {
		return errors.WithStack(err)
	}

	targetOp := MaxOpID
	if writeCheckpoint != nil {
		targetOp = *writeCheckpoint
	}
	if _, err := tx.ExecContext(ctx, setLocalTargetOpQuery, targetOp); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
