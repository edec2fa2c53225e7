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

// Package schema describes the immutable, user-declared shape of the
// local database: managed tables synchronized through the default
// JSON-view mechanism, and raw tables synchronized through explicit
// put/delete statement templates. See spec.md §3.
package schema

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/powersync-ja/powersync-go/internal/types"
	"github.com/powersync-ja/powersync-go/internal/util/ident"
)

// ColumnType is the set of SQLite storage classes this module
// understands for a managed-table column.
type ColumnType string

const (
	ColumnText    ColumnType = "TEXT"
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
)

// Column describes one managed-table column.
type Column struct {
	Name string
	Type ColumnType
}

// Index describes an ordered list of column names that make up a
// secondary index on a managed table.
type Index struct {
	Name    string
	Columns []string
}

// TrackPreviousValuesMode selects how much of a row's prior state is
// captured into a CRUD entry's previous_values map.
type TrackPreviousValuesMode int

const (
	// TrackPreviousValuesNone never captures previous values.
	TrackPreviousValuesNone TrackPreviousValuesMode = iota
	// TrackPreviousValuesAll captures every column's previous value.
	TrackPreviousValuesAll
	// TrackPreviousValuesSubset captures only the columns named in
	// Table.Options.PreviousValueColumns.
	TrackPreviousValuesSubset
)

// TableOptions bundles the per-table behavior flags from spec.md §3.
type TableOptions struct {
	// LocalOnly tables are never uploaded and never tracked in the
	// CRUD queue; they cannot also set TrackMetadata or any
	// TrackPreviousValues mode other than TrackPreviousValuesNone.
	LocalOnly bool
	// InsertOnly tables reject UPDATE/DELETE triggers at the extension
	// level; only PUT entries are ever produced.
	InsertOnly bool
	// TrackMetadata causes a `_metadata` pseudo-column's value to be
	// copied into each CRUD entry's Metadata field.
	TrackMetadata bool
	// TrackPreviousValues selects which (if any) prior column values
	// are captured on UPDATE.
	TrackPreviousValues TrackPreviousValuesMode
	// PreviousValueColumns restricts TrackPreviousValuesSubset to the
	// named columns. Ignored for other modes.
	PreviousValueColumns []string
	// OnlyWhenChanged suppresses capturing a previous value for a
	// column whose value did not actually change.
	OnlyWhenChanged bool
	// IgnoreEmptyUpdates suppresses CRUD entries for UPDATE statements
	// that changed no tracked column value.
	IgnoreEmptyUpdates bool
}

// Table is one managed table in a Schema.
type Table struct {
	Name     string
	ViewName string // optional; defaults to Name when empty
	Columns  []Column
	Indexes  []Index
	Options  TableOptions
}

// effectiveViewName returns ViewName if set, else Name.
func (t Table) effectiveViewName() string {
	if t.ViewName != "" {
		return t.ViewName
	}
	return t.Name
}

// RawPutDelete holds a pair of explicit SQL templates for a raw table
// that is not derived from a managed table's schema.
type RawPutDelete struct {
	Put    *Statement
	Delete *Statement
}

// StatementParam is one positional parameter of a raw-table SQL
// template: either the row id, a named source column, or all
// remaining non-key columns bundled as JSON.
type StatementParam struct {
	// Kind is one of "Id", "Column", or "Rest".
	Kind string
	// Column names the source column when Kind == "Column".
	Column string
}

// Statement is a raw-table SQL template plus its symbolic parameter
// list, serialized as described in spec.md §6.
type Statement struct {
	SQL    string
	Params []StatementParam
}

// RawTable is a user-owned table synchronized via explicit statements
// or, if DerivedFrom is set, derived from a managed table's rows.
type RawTable struct {
	Name string

	// DerivedFrom, when set, names a local table (and optional column
	// filter) from which put/delete behavior is generated instead of
	// being declared explicitly via PutDelete.
	DerivedFrom *DerivedRawSchema

	// PutDelete holds explicit SQL templates. Mutually exclusive with
	// DerivedFrom.
	PutDelete *RawPutDelete

	// Clear, if set, is run when powersync_clear is invoked for this
	// raw table.
	Clear string
}

// DerivedRawSchema names the local table a raw table's schema is
// derived from, optionally filtered to a subset of synced columns.
type DerivedRawSchema struct {
	LocalTable    string
	SyncedColumns []string // nil means "all columns"
}

// Schema is the immutable, validated description of every table this
// module will manage.
type Schema struct {
	Tables    []Table
	RawTables []RawTable
}

// Validate checks every invariant from spec.md §3. It is the one
// synchronous, caller-visible validation path for user-supplied
// schemas (see spec.md §7 propagation policy for ArgumentError).
func (s Schema) Validate() error {
	seenNames := make(map[string]struct{}, len(s.Tables)+len(s.RawTables))

	for _, t := range s.Tables {
		if err := ident.ValidateTableName(t.Name); err != nil {
			return errors.WithMessagef(err, "table %q", t.Name)
		}
		if _, dup := seenNames[t.Name]; dup {
			return errors.Errorf("duplicate table name %q", t.Name)
		}
		seenNames[t.Name] = struct{}{}

		if len(t.Columns) > ident.MaxColumns {
			return errors.Errorf("table %q declares %d columns, exceeding the limit of %d", t.Name, len(t.Columns), ident.MaxColumns)
		}

		seenColumns := make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			if err := ident.ValidateColumnName(c.Name); err != nil {
				return errors.WithMessagef(err, "table %q", t.Name)
			}
			if _, dup := seenColumns[c.Name]; dup {
				return errors.Errorf("table %q declares duplicate column %q", t.Name, c.Name)
			}
			seenColumns[c.Name] = struct{}{}
			switch c.Type {
			case ColumnText, ColumnInteger, ColumnReal:
			default:
				return errors.Errorf("table %q column %q has unsupported type %q", t.Name, c.Name, c.Type)
			}
		}

		if t.Options.LocalOnly {
			if t.Options.TrackMetadata {
				return errors.Errorf("table %q: local-only tables cannot track metadata", t.Name)
			}
			if t.Options.TrackPreviousValues != TrackPreviousValuesNone {
				return errors.Errorf("table %q: local-only tables cannot track previous values", t.Name)
			}
		}

		if t.Options.TrackPreviousValues == TrackPreviousValuesSubset {
			for _, col := range t.Options.PreviousValueColumns {
				if _, ok := seenColumns[col]; !ok {
					return errors.Errorf("table %q: previous-value column filter names unknown column %q", t.Name, col)
				}
			}
		}
	}

	for _, rt := range s.RawTables {
		if err := ident.ValidateTableName(rt.Name); err != nil {
			return errors.WithMessagef(err, "raw table %q", rt.Name)
		}
		if _, dup := seenNames[rt.Name]; dup {
			return errors.Errorf("duplicate table name %q", rt.Name)
		}
		seenNames[rt.Name] = struct{}{}

		hasDerived := rt.DerivedFrom != nil
		hasExplicit := rt.PutDelete != nil
		if hasDerived == hasExplicit {
			return errors.Errorf("raw table %q must set exactly one of a derived schema or explicit put/delete statements", rt.Name)
		}
	}

	return nil
}

// --- JSON serialization, per spec.md §6 "Serialized schema JSON" ---

type jsonColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonIndex struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

type jsonTable struct {
	Name                    string       `json:"name"`
	Columns                 []jsonColumn `json:"columns"`
	Indexes                 []jsonIndex  `json:"indexes"`
	LocalOnly               bool         `json:"local_only"`
	InsertOnly              bool         `json:"insert_only"`
	ViewName                string       `json:"view_name,omitempty"`
	IgnoreEmptyUpdate       bool         `json:"ignore_empty_update"`
	IncludeMetadata         bool         `json:"include_metadata"`
	IncludeOld              any          `json:"include_old,omitempty"` // bool | []string
	IncludeOldOnlyWhenChanged bool       `json:"include_old_only_when_changed"`
}

type jsonStatementParam map[string]string

type jsonStatement struct {
	SQL    string                `json:"sql"`
	Params []jsonStatementParam  `json:"params"`
}

type jsonRawTable struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
	Put    *jsonStatement `json:"put,omitempty"`
	Delete *jsonStatement `json:"delete,omitempty"`
	Clear  string         `json:"clear,omitempty"`
}

type jsonSchema struct {
	Tables    []jsonTable    `json:"tables"`
	RawTables []jsonRawTable `json:"raw_tables,omitempty"`
}

func paramToJSON(p StatementParam) jsonStatementParam {
	switch p.Kind {
	case "Id":
		return jsonStatementParam{"Id": ""}
	case "Column":
		return jsonStatementParam{"Column": p.Column}
	case "Rest":
		return jsonStatementParam{"Rest": ""}
	default:
		return jsonStatementParam{p.Kind: p.Column}
	}
}

func statementToJSON(s *Statement) *jsonStatement {
	if s == nil {
		return nil
	}
	params := make([]jsonStatementParam, 0, len(s.Params))
	for _, p := range s.Params {
		params = append(params, paramToJSON(p))
	}
	return &jsonStatement{SQL: s.SQL, Params: params}
}

// MarshalJSON serializes the schema in the wire format the control
// extension's `start` operation expects (spec.md §6).
func (s Schema) MarshalJSON() ([]byte, error) {
	out := jsonSchema{}
	for _, t := range s.Tables {
		jt := jsonTable{
			Name:                      t.Name,
			LocalOnly:                 t.Options.LocalOnly,
			InsertOnly:                t.Options.InsertOnly,
			IgnoreEmptyUpdate:         t.Options.IgnoreEmptyUpdates,
			IncludeMetadata:           t.Options.TrackMetadata,
			IncludeOldOnlyWhenChanged: t.Options.OnlyWhenChanged,
		}
		if t.ViewName != "" && t.ViewName != t.Name {
			jt.ViewName = t.ViewName
		}
		for _, c := range t.Columns {
			jt.Columns = append(jt.Columns, jsonColumn{Name: c.Name, Type: string(c.Type)})
		}
		for _, idx := range t.Indexes {
			jt.Indexes = append(jt.Indexes, jsonIndex{Name: idx.Name, Columns: idx.Columns})
		}
		switch t.Options.TrackPreviousValues {
		case TrackPreviousValuesAll:
			jt.IncludeOld = true
		case TrackPreviousValuesSubset:
			jt.IncludeOld = t.Options.PreviousValueColumns
		}
		out.Tables = append(out.Tables, jt)
	}
	for _, rt := range s.RawTables {
		jrt := jsonRawTable{Name: rt.Name, Clear: rt.Clear}
		if rt.DerivedFrom != nil {
			m := map[string]any{"local_table": rt.DerivedFrom.LocalTable}
			if rt.DerivedFrom.SyncedColumns != nil {
				m["synced_columns"] = rt.DerivedFrom.SyncedColumns
			}
			jrt.Schema = m
		}
		if rt.PutDelete != nil {
			jrt.Put = statementToJSON(rt.PutDelete.Put)
			jrt.Delete = statementToJSON(rt.PutDelete.Delete)
		}
		out.RawTables = append(out.RawTables, jrt)
	}
	return json.Marshal(out)
}

// ViewNameOrDefault returns the view name a table is exposed under: its
// explicit ViewName override, or its declared Name otherwise.
func (t Table) ViewNameOrDefault() string { return t.effectiveViewName() }

const (
	replaceSchemaQuery         = `SELECT powersync_replace_schema(?)`
	createRawTableTriggerQuery = `SELECT powersync_create_raw_table_crud_trigger(?)`
)

// Apply installs s as the local database's managed schema: it calls
// powersync_replace_schema with the serialized schema JSON (spec.md
// §6), then, for every raw table, powersync_create_raw_table_crud_trigger
// so that writes against raw tables populate ps_crud the same way
// managed-table writes do. Callers typically run this inside a
// pool.Pool.WriterTx.
func (s Schema) Apply(ctx context.Context, q types.Querier) error {
	if err := s.Validate(); err != nil {
		return err
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding schema")
	}
	if _, err := q.ExecContext(ctx, replaceSchemaQuery, string(buf)); err != nil {
		return errors.Wrap(err, "installing schema")
	}
	for _, rt := range s.RawTables {
		if _, err := q.ExecContext(ctx, createRawTableTriggerQuery, rt.Name); err != nil {
			return errors.Wrapf(err, "creating crud trigger for raw table %q", rt.Name)
		}
	}
	return nil
}
