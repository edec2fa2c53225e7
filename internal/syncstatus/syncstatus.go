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

// Package syncstatus holds the current sync-status snapshot and
// publishes new revisions as the download and upload actors observe
// state changes. See spec.md §4.3 ("Status Model").
//
// A Snapshot is immutable once published; a reader holds on to one
// and is notified of staleness through its own invalidation signal
// rather than polling the Model. This mirrors notify.Var's wakeup
// channel but at the granularity of one snapshot object, so a reader
// can convert "the current snapshot" into an observable sequence by
// attaching to Invalidated(), re-reading Model.Current() on wakeup,
// and repeating.
package syncstatus

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/powersync-ja/powersync-go/internal/streams"
	"github.com/powersync-ja/powersync-go/internal/types"
)

// UploadState is the state of the upload actor as reflected in a
// snapshot.
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadUploading
	UploadErrorState
)

// AggregateProgress is an optional, coarse-grained progress total
// covering every stream in the current checkpoint, reported in
// addition to the per-stream progress on each streams.Status.
type AggregateProgress struct {
	Downloaded int64 `json:"downloaded"`
	Total      int64 `json:"total"`
}

// DownloadState is the download-side half of a snapshot: whether a
// connection to the sync service is established or being attempted,
// the streams known about, and an optional aggregate progress figure.
// This is also the shape the core extension emits for the
// UpdateSyncStatus control instruction, so it doubles as that wire
// type (see spec.md §6).
type DownloadState struct {
	Connected  bool              `json:"connected"`
	Connecting bool              `json:"connecting"`
	Streams    []streams.Status  `json:"streams"`
	Progress   *AggregateProgress `json:"progress,omitempty"`
}

// jsonDownloadState mirrors DownloadState's wire encoding but keeps
// the nested stream shape independent from streams.Status's Go field
// names, since the two evolve for different reasons.
type jsonDownloadState struct {
	Connected  bool               `json:"connected"`
	Connecting bool               `json:"connecting"`
	Streams    []jsonStreamStatus `json:"streams"`
	Progress   *AggregateProgress `json:"progress,omitempty"`
}

type jsonStreamStatus struct {
	Name                    string           `json:"name"`
	Parameters              json.RawMessage  `json:"parameters,omitempty"`
	Active                  bool             `json:"active"`
	IsDefault               bool             `json:"is_default"`
	HasExplicitSubscription bool             `json:"has_explicit_subscription"`
	ExpiresAt               *time.Time       `json:"expires_at,omitempty"`
	LastSyncedAt            *time.Time       `json:"last_synced_at,omitempty"`
	Priority                *int             `json:"priority,omitempty"`
	Progress                *streams.Progress `json:"progress,omitempty"`
}

// ParseDownloadState decodes the JSON body of an UpdateSyncStatus
// control instruction into a DownloadState.
func ParseDownloadState(raw json.RawMessage) (DownloadState, error) {
	var j jsonDownloadState
	if err := json.Unmarshal(raw, &j); err != nil {
		return DownloadState{}, errors.Wrap(err, "decoding download status")
	}
	ds := DownloadState{Connected: j.Connected, Connecting: j.Connecting, Progress: j.Progress}
	ds.Streams = make([]streams.Status, 0, len(j.Streams))
	for _, s := range j.Streams {
		ds.Streams = append(ds.Streams, streams.Status{
			Name:                    s.Name,
			Params:                  s.Parameters,
			Active:                  s.Active,
			IsDefault:               s.IsDefault,
			HasExplicitSubscription: s.HasExplicitSubscription,
			ExpiresAt:               s.ExpiresAt,
			LastSyncedAt:            s.LastSyncedAt,
			Priority:                s.Priority,
			Progress:                s.Progress,
		})
	}
	return ds, nil
}

// Snapshot is one immutable revision of the sync status. A new
// Snapshot is produced on every Model update; the previous one has
// its invalidation signal fired at that point.
type Snapshot struct {
	Downloading   DownloadState
	DownloadError error
	Upload        UploadState
	UploadError   error

	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newSnapshot() *Snapshot {
	return &Snapshot{ch: make(chan struct{})}
}

// clone produces the next revision's starting point: every field
// copied forward, with a fresh (unfired) invalidation signal. The
// caller mutates whichever fields this particular update concerns.
func (s *Snapshot) clone() *Snapshot {
	next := newSnapshot()
	next.Downloading = s.Downloading
	next.Downloading.Streams = append([]streams.Status(nil), s.Downloading.Streams...)
	next.DownloadError = s.DownloadError
	next.Upload = s.Upload
	next.UploadError = s.UploadError
	return next
}

// invalidate fires this snapshot's signal exactly once.
func (s *Snapshot) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		s.fired = true
		close(s.ch)
	}
}

// IsInvalidated reports whether this snapshot has already been
// superseded. Callers that attach to Invalidated() must re-test this
// after attaching, to close the race against an update that happened
// between reading Current() and registering the listener.
func (s *Snapshot) IsInvalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Invalidated returns the channel that closes exactly once, when this
// snapshot is superseded by a newer one.
func (s *Snapshot) Invalidated() <-chan struct{} {
	return s.ch
}

// ForStream returns the status entry matching d, by canonicalized
// name+params equality, and whether one was found.
func (s *Snapshot) ForStream(d streams.Descriptor) (streams.Status, bool) {
	wantKey, err := streams.KeyOf(d)
	if err != nil {
		return streams.Status{}, false
	}
	for _, st := range s.Downloading.Streams {
		gotKey, err := streams.KeyOf(streams.Descriptor{Name: st.Name, Params: st.Params})
		if err != nil {
			continue
		}
		if gotKey == wantKey {
			return st, true
		}
	}
	return streams.Status{}, false
}

// Model owns the current Snapshot and publishes new revisions as the
// download and upload actors report state changes.
type Model struct {
	mu      sync.Mutex
	current *Snapshot
}

// NewModel constructs a Model at its zero status: disconnected, no
// streams, upload idle.
func NewModel() *Model {
	return &Model{current: newSnapshot()}
}

// Current returns the latest published snapshot.
func (m *Model) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// update builds the next snapshot from the current one via mutate,
// swaps it in, and fires the previous snapshot's invalidation signal.
func (m *Model) update(mutate func(next *Snapshot)) *Snapshot {
	m.mu.Lock()
	prev := m.current
	next := prev.clone()
	mutate(next)
	m.current = next
	m.mu.Unlock()

	prev.invalidate()
	return next
}

// UpdateDownload installs a freshly received DownloadState (from an
// UpdateSyncStatus control instruction, or from ResolveOfflineState),
// replacing the previous one wholesale. Upload fields and the last
// download error carry forward unchanged.
func (m *Model) UpdateDownload(ds DownloadState) *Snapshot {
	return m.update(func(next *Snapshot) {
		next.Downloading = ds
	})
}

// SetConnecting marks the download actor as attempting a connection,
// without yet having streams or established state.
func (m *Model) SetConnecting(connecting bool) *Snapshot {
	return m.update(func(next *Snapshot) {
		next.Downloading.Connecting = connecting
	})
}

// SetDisconnected clears connected/connecting state, keeping the last
// known stream list (so a UI can still show what was synced).
func (m *Model) SetDisconnected() *Snapshot {
	return m.update(func(next *Snapshot) {
		next.Downloading.Connected = false
		next.Downloading.Connecting = false
	})
}

// SetDownloadError records the download actor's last error. A nil err
// clears it.
func (m *Model) SetDownloadError(err error) *Snapshot {
	return m.update(func(next *Snapshot) {
		next.DownloadError = err
	})
}

// SetUpload records the upload actor's current state and, for
// UploadErrorState, the error that caused it.
func (m *Model) SetUpload(state UploadState, err error) *Snapshot {
	return m.update(func(next *Snapshot) {
		next.Upload = state
		next.UploadError = err
	})
}

// ForStream returns the status entry for d from the current snapshot.
func (m *Model) ForStream(d streams.Descriptor) (streams.Status, bool) {
	return m.Current().ForStream(d)
}

// Streams returns every stream entry in the current snapshot.
func (m *Model) Streams() []streams.Status {
	return m.Current().Downloading.Streams
}

const offlineSyncStatusQuery = `SELECT powersync_offline_sync_status()`

// ResolveOfflineState queries the core extension for the download
// state it can determine without a live connection (streams known
// locally and their last-synced times) and installs it, so that a
// status reader started before any connection attempt still sees
// something meaningful.
func ResolveOfflineState(ctx context.Context, q types.Querier, m *Model) error {
	var raw sql.NullString
	if err := q.QueryRowContext(ctx, offlineSyncStatusQuery).Scan(&raw); err != nil {
		return errors.WithStack(err)
	}
	if !raw.Valid || raw.String == "" {
		return nil
	}
	ds, err := ParseDownloadState(json.RawMessage(raw.String))
	if err != nil {
		return err
	}
	m.UpdateDownload(ds)
	return nil
}

// WaitUntil blocks until pred(snapshot) holds or ctx is done,
// re-evaluating on every invalidation. This is a supplemented
// convenience the distilled spec omits but the original CLI/test
// tooling relies on heavily (e.g. "wait until first sync completes").
func WaitUntil(ctx context.Context, m *Model, pred func(*Snapshot) bool) error {
	for {
		snap := m.Current()
		if pred(snap) {
			return nil
		}
		select {
		case <-snap.Invalidated():
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}
