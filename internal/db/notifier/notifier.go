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

// Package notifier fans out "these tables changed" events harvested
// after each committed write transaction (see pool.Pool.WriterTx) to
// two kinds of listener: stream listeners, which a consumer polls for
// the next dirty transition, and callback listeners, invoked
// synchronously on the write path. See spec.md §4.2 ("Table-Change
// Notifier").
package notifier

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/powersync-ja/powersync-go/internal/util/notify"
)

// Notifier owns every currently registered listener. It holds no
// reference back from a listener beyond what the listener needs to
// unsubscribe itself; dropping a Notifier does not keep any
// subscriber goroutine blocked; it simply stops delivering. Likewise,
// abandoning a listener without calling Close leaves a harmless no-op
// entry in the registry until the Notifier itself is dropped.
type Notifier struct {
	mu                sync.Mutex
	streamListeners   map[*StreamListener]struct{}
	callbackListeners map[*CallbackHandle]struct{}
}

// New constructs an empty Notifier.
func New() *Notifier {
	return &Notifier{
		streamListeners:   make(map[*StreamListener]struct{}),
		callbackListeners: make(map[*CallbackHandle]struct{}),
	}
}

// StreamListener is a pollable view of "has any table I watch changed
// since I last checked". Updates that arrive between two Next calls
// coalesce into a single wakeup, so a slow consumer never falls
// behind by more than one pending notification.
type StreamListener struct {
	n      *Notifier
	tables map[string]struct{}
	rev    *notify.Var[int]
	lastSeen int // only touched by the single consumer goroutine
}

func (l *StreamListener) matches(tables []string) bool {
	for _, t := range tables {
		if _, ok := l.tables[t]; ok {
			return true
		}
	}
	return false
}

// Next blocks until a table this listener watches has changed since
// the last call (or, on the first call, since the listener was
// created), or ctx is done.
func (l *StreamListener) Next(ctx context.Context) error {
	for {
		rev, wakeup := l.rev.Get()
		if rev != l.lastSeen {
			l.lastSeen = rev
			return nil
		}
		select {
		case <-wakeup:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close unsubscribes the listener. Safe to call more than once.
func (l *StreamListener) Close() {
	l.n.mu.Lock()
	delete(l.n.streamListeners, l)
	l.n.mu.Unlock()
}

// Watch registers a StreamListener for the given table set.
func (n *Notifier) Watch(tables []string) *StreamListener {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	l := &StreamListener{n: n, tables: set, rev: notify.New(0)}
	n.mu.Lock()
	n.streamListeners[l] = struct{}{}
	n.mu.Unlock()
	return l
}

// CallbackHandle is returned by InstallCallback; Close unsubscribes
// it. A callback is free to call its own handle's Close from within
// itself: Notify snapshots the listener set before dispatching, so
// removing an entry mid-dispatch only affects future notifications.
type CallbackHandle struct {
	n      *Notifier
	tables map[string]struct{}
	fn     func(tables []string)
	closed atomic.Bool
}

func (h *CallbackHandle) matches(tables []string) bool {
	for _, t := range tables {
		if _, ok := h.tables[t]; ok {
			return true
		}
	}
	return false
}

// Close unsubscribes the callback. Safe to call more than once,
// including from within the callback itself.
func (h *CallbackHandle) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.n.mu.Lock()
	delete(h.n.callbackListeners, h)
	h.n.mu.Unlock()
}

// InstallCallback registers fn to be invoked synchronously, on the
// writer goroutine, whenever a committed transaction touches a table
// in tables. fn must not block and must not itself attempt to start a
// new write transaction (the writer mutex is held by the caller that
// triggered this notification).
func (n *Notifier) InstallCallback(tables []string, fn func(tables []string)) *CallbackHandle {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	h := &CallbackHandle{n: n, tables: set, fn: fn}
	n.mu.Lock()
	n.callbackListeners[h] = struct{}{}
	n.mu.Unlock()
	return h
}

// Notify delivers a change-set to every matching listener: stream
// listeners are bumped (coalescing if already dirty), callback
// listeners are invoked synchronously, in no defined order.
func (n *Notifier) Notify(tables []string) {
	if len(tables) == 0 {
		return
	}

	n.mu.Lock()
	streamSnapshot := make([]*StreamListener, 0, len(n.streamListeners))
	for l := range n.streamListeners {
		streamSnapshot = append(streamSnapshot, l)
	}
	callbackSnapshot := make([]*CallbackHandle, 0, len(n.callbackListeners))
	for h := range n.callbackListeners {
		callbackSnapshot = append(callbackSnapshot, h)
	}
	n.mu.Unlock()

	for _, l := range streamSnapshot {
		if l.matches(tables) {
			l.rev.Update(func(prev int) int { return prev + 1 })
		}
	}
	for _, h := range callbackSnapshot {
		if !h.closed.Load() && h.matches(tables) {
			h.fn(tables)
		}
	}
}
