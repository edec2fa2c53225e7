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

// Package types contains the minimal-surface interfaces shared across
// the pool, notifier, control, crud, and sync packages. Keeping them
// here avoids import cycles between, say, the pool (which creates
// connections) and the control adapter (which only needs to run one
// query against whatever connection it is handed).
package types

import (
	"context"
	"database/sql"
)

// Querier is implemented by [*sql.DB], [*sql.Conn], and [*sql.Tx].
// Every package that only needs to run statements against "some
// connection" depends on this instead of a concrete pool type.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Conn)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// TxQuerier is a Querier that can also be committed or rolled back.
type TxQuerier interface {
	Querier
	Commit() error
	Rollback() error
}

var _ TxQuerier = (*sql.Tx)(nil)

// Beginner is implemented by anything that can start a transaction;
// *sql.DB and *sql.Conn both qualify.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var (
	_ Beginner = (*sql.DB)(nil)
	_ Beginner = (*sql.Conn)(nil)
)

// PoolInfo describes a local database connection: its file path and
// the probed extension version.
type PoolInfo struct {
	Path             string
	CoreExtensionVer string
}

// Info returns the PoolInfo when embedded.
func (i *PoolInfo) Info() *PoolInfo { return i }

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
