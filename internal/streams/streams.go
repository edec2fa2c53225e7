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

// Package streams tracks refcounted sync-stream subscriptions held by
// user code. See spec.md §3 ("Sync Stream") and §9's note on cyclic
// ownership: a Tracker owns its Groups strongly, a Group holds only a
// name back to the Tracker (never the reverse-strong direction), and
// the single strong reference that drives the refcount is the
// user-facing *Subscription returned by Subscribe.
package streams

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Descriptor identifies a sync stream by name plus an optional
// parameters object. Two descriptors with the same name and
// structurally-equal parameters (key order does not matter) identify
// the same stream.
type Descriptor struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"parameters,omitempty"` // must encode a JSON object, or be nil
}

// Key is the canonical string identity of a Descriptor, suitable for
// use as a map key.
type Key string

// canonicalize re-marshals a JSON object with keys sorted, so that
// structurally-equal parameter objects produce identical byte strings
// regardless of original key order.
func canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(obj[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// KeyOf returns the canonical Key for a Descriptor. An error is only
// possible if Params is set but not a valid JSON object.
func KeyOf(d Descriptor) (Key, error) {
	canon, err := canonicalize(d.Params)
	if err != nil {
		return "", err
	}
	return Key(d.Name + "\x00" + string(canon)), nil
}

// Status is the runtime view of one active stream, mirrored into the
// sync-status snapshot.
type Status struct {
	Name                   string
	Params                 json.RawMessage
	Active                 bool // acknowledged by server
	IsDefault              bool // server marks this as auto-subscribe
	HasExplicitSubscription bool
	ExpiresAt              *time.Time
	LastSyncedAt           *time.Time
	Priority               *int // supplemental; see SPEC_FULL.md
	Progress               *Progress
}

// Progress is the per-stream download progress counters.
type Progress struct {
	Downloaded int64
	Total      int64
}

// group is the tracker's internal, refcounted record for one stream
// key. It is never exposed directly; callers only ever see a
// *Subscription.
type group struct {
	key        Key
	descriptor Descriptor

	mu       sync.Mutex
	refCount int
	timer    *time.Timer
}

// Subscription is the user-facing handle returned by Subscribe. It is
// the single strong reference that keeps a group's refcount above
// zero; dropping it (calling Close) is the only way the refcount can
// reach zero.
type Subscription struct {
	tracker *Tracker
	g       *group
	once    sync.Once
}

// Close releases this subscription's reference. When the last
// reference to a stream key is released, the tracker schedules the
// group's removal after the configured TTL (and, if connected,
// notifies onChange so the download actor can tell the server).
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.tracker.release(s.g)
	})
}

// Descriptor returns the stream this subscription refers to.
func (s *Subscription) Descriptor() Descriptor { return s.g.descriptor }

// Key returns the canonical key this subscription refers to.
func (s *Subscription) Key() Key { return s.g.key }

// Tracker owns every currently (or recently) subscribed stream key.
type Tracker struct {
	ttl      time.Duration
	onChange func(keys []Key)

	mu     sync.Mutex
	groups map[Key]*group
}

// NewTracker constructs a Tracker. ttl is how long a group survives
// after its last Subscription is closed before it is removed and
// onChange is invoked; a zero ttl removes immediately. onChange may be
// nil.
func NewTracker(ttl time.Duration, onChange func(keys []Key)) *Tracker {
	return &Tracker{ttl: ttl, onChange: onChange, groups: make(map[Key]*group)}
}

// Subscribe returns a Subscription for the given descriptor, creating
// a new group if this is the first reference to that stream key.
func (t *Tracker) Subscribe(d Descriptor) (*Subscription, error) {
	key, err := KeyOf(d)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	g, found := t.groups[key]
	if !found {
		g = &group{key: key, descriptor: d}
		t.groups[key] = g
	}
	t.mu.Unlock()

	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.refCount++
	newlyActive := g.refCount == 1
	g.mu.Unlock()

	if newlyActive {
		t.notifyChange()
	}

	return &Subscription{tracker: t, g: g}, nil
}

func (t *Tracker) release(g *group) {
	g.mu.Lock()
	g.refCount--
	if g.refCount < 0 {
		g.refCount = 0
	}
	empty := g.refCount == 0
	if empty {
		if t.ttl <= 0 {
			g.mu.Unlock()
			t.remove(g.key)
			t.notifyChange()
			return
		}
		g.timer = time.AfterFunc(t.ttl, func() { t.expire(g.key) })
	}
	g.mu.Unlock()
}

func (t *Tracker) expire(key Key) {
	t.mu.Lock()
	g, found := t.groups[key]
	t.mu.Unlock()
	if !found {
		return
	}
	g.mu.Lock()
	stillEmpty := g.refCount == 0
	g.mu.Unlock()
	if !stillEmpty {
		return
	}
	t.remove(key)
	t.notifyChange()
}

func (t *Tracker) remove(key Key) {
	t.mu.Lock()
	delete(t.groups, key)
	t.mu.Unlock()
}

func (t *Tracker) notifyChange() {
	if t.onChange == nil {
		return
	}
	t.onChange(t.ActiveKeys())
}

// ActiveKeys returns every key currently tracked (refcounted or
// within its post-release TTL window).
func (t *Tracker) ActiveKeys() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]Key, 0, len(t.groups))
	for k := range t.groups {
		keys = append(keys, k)
	}
	return keys
}

// Descriptors returns the Descriptor for every currently tracked key,
// used to build the `subscriptions` list of the `start` control event.
func (t *Tracker) Descriptors() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g.descriptor)
	}
	return out
}

// Len reports how many stream keys are currently tracked; used by
// tests asserting the refcount invariant from spec.md §8.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}
