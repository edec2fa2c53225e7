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

// Package connector defines the boundary between the sync engine and
// application code: credential issuance and CRUD-queue upload are
// always delegated out, never implemented here. See spec.md's Non-goals
// for §4.6 and the GLOSSARY entry for "Connector".
package connector

import (
	"context"

	"github.com/powersync-ja/powersync-go/internal/crud"
)

// Credentials is what FetchCredentials must return: a bearer token
// good against Endpoint.
type Credentials struct {
	Endpoint string
	Token    string
}

// Connector is implemented by application code. The engine calls
// FetchCredentials before opening each sync stream and before polling
// for a write checkpoint, and calls UploadData once per pending local
// transaction.
type Connector interface {
	// FetchCredentials returns a token for the configured sync service.
	// The engine always passes didExpire as false: the extension's
	// credential-refresh hint is only logged (see SPEC_FULL.md's Open
	// Question #3).
	FetchCredentials(ctx context.Context, didExpire bool) (Credentials, error)

	// UploadData uploads one CRUD transaction. A nil return means the
	// backend has durably accepted it; the engine then retires its
	// ps_crud rows and advances the local write checkpoint. Returning
	// an error leaves the transaction queued for a later retry.
	UploadData(ctx context.Context, tx *crud.Transaction) error
}
