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

// Package notify provides a generic, race-free "latest value plus
// wakeup channel" primitive. The table-change notifier's stream
// listeners hold their dirty revisions in a Var; the sync-status
// snapshots carry their own per-snapshot invalidation channel instead.
package notify

import "sync"

// A Var holds a value of type T along with a channel that is closed
// whenever the value changes. Callers obtain the current value and a
// channel to wait on via Get; after the channel closes, call Get again
// to obtain the new value and a fresh channel.
//
// A zero Var is usable; its initial value is the zero value of T.
type Var[T any] struct {
	mu      sync.Mutex
	value   T
	wakeup  chan struct{}
	inited  bool
}

// New constructs a Var with the given initial value.
func New[T any](initial T) *Var[T] {
	return &Var[T]{value: initial, wakeup: make(chan struct{}), inited: true}
}

func (v *Var[T]) init() {
	if !v.inited {
		v.wakeup = make(chan struct{})
		v.inited = true
	}
}

// Get returns the current value and a channel that will be closed the
// next time Set or Update is called. The channel must be re-fetched by calling
// Get again after it closes; it is single-use.
func (v *Var[T]) Get() (T, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.init()
	return v.value, v.wakeup
}

// Peek returns the current value without a wakeup channel.
func (v *Var[T]) Peek() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set installs a new value and wakes up any goroutine blocked on a
// channel previously returned by Get.
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.init()
	v.value = value
	close(v.wakeup)
	v.wakeup = make(chan struct{})
}

// Update atomically replaces the value using a mutator function that
// receives the previous value. It is the generic form of the
// read-modify-write pattern used by the status model's new_revision
// step.
func (v *Var[T]) Update(mutate func(prev T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.init()
	v.value = mutate(v.value)
	close(v.wakeup)
	v.wakeup = make(chan struct{})
	return v.value
}
