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

// Package coordinator owns the two bounded command channels that
// drive the download and upload actors and turns the public
// Connect/Disconnect/subscription-change operations into paired
// request+acknowledgement round trips against them. See spec.md §4.7
// ("Sync Coordinator").
package coordinator

import (
	"context"

	"github.com/powersync-ja/powersync-go/internal/connector"
	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/sync/download"
	"github.com/powersync-ja/powersync-go/internal/sync/upload"
)

// Coordinator forwards requests to the download and upload actors'
// command channels and waits for each to be acknowledged, so that
// callers observe the command as fully applied before returning.
type Coordinator struct {
	downloadCommands chan<- download.Command
	uploadCommands   chan<- upload.Command
}

// New constructs a Coordinator over already-running actors' command
// channels.
func New(downloadCommands chan<- download.Command, uploadCommands chan<- upload.Command) *Coordinator {
	return &Coordinator{downloadCommands: downloadCommands, uploadCommands: uploadCommands}
}

func (c *Coordinator) sendDownload(ctx context.Context, cmd download.Command) error {
	ack := make(chan struct{})
	cmd.Ack = ack
	select {
	case c.downloadCommands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) sendUpload(ctx context.Context, cmd upload.Command) error {
	ack := make(chan struct{})
	cmd.Ack = ack
	select {
	case c.uploadCommands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts (or updates) both actors for a new sync session.
func (c *Coordinator) Connect(ctx context.Context, conn connector.Connector, opts download.SyncOptions) error {
	opts.Connector = conn
	if err := c.sendDownload(ctx, download.Command{Kind: download.CmdConnect, Options: opts}); err != nil {
		return err
	}
	return c.sendUpload(ctx, upload.Command{Kind: upload.CmdConnect, Connector: conn})
}

// Disconnect stops both actors' current session, returning them to
// Idle/disconnected.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	if err := c.sendDownload(ctx, download.Command{Kind: download.CmdDisconnect}); err != nil {
		return err
	}
	return c.sendUpload(ctx, upload.Command{Kind: upload.CmdDisconnect})
}

// SubscriptionsChanged tells the download actor the active stream-key
// set changed, so it can forward an UpdateSubscriptions event.
func (c *Coordinator) SubscriptionsChanged(ctx context.Context, subs []streams.Descriptor) error {
	return c.sendDownload(ctx, download.Command{Kind: download.CmdSubscriptionsChanged, Subscriptions: subs})
}

// CrudUploadComplete tells the download actor that a CRUD upload
// cycle finished, unblocking any checkpoint-pending state in the
// extension.
func (c *Coordinator) CrudUploadComplete(ctx context.Context) error {
	return c.sendDownload(ctx, download.Command{Kind: download.CmdCrudUploadComplete})
}

// TriggerCrudUpload asks the upload actor to run a cycle immediately,
// without waiting for the next ps_crud table-change notification.
func (c *Coordinator) TriggerCrudUpload(ctx context.Context) error {
	return c.sendUpload(ctx, upload.Command{Kind: upload.CmdTriggerCrudUpload})
}

// ResolveOfflineSyncStatusIfNotConnected asks the download actor for
// a best-effort offline status refresh; a no-op once connected.
func (c *Coordinator) ResolveOfflineSyncStatusIfNotConnected(ctx context.Context) error {
	return c.sendDownload(ctx, download.Command{Kind: download.CmdResolveOfflineSyncStatusIfNotConnected})
}
