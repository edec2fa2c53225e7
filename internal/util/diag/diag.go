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

// Package diag provides a small registry of named health checks
// (each connection pool creates its own with New), used to expose pool and actor health to operational
// tooling without every subsystem needing its own ad-hoc status
// surface.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Pinger reports whether the component it represents is currently
// healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Diagnostics is a registry of named Pingers.
type Diagnostics struct {
	mu       sync.Mutex
	pingers  map[string]Pinger
}

// New constructs an empty Diagnostics registry.
func New() *Diagnostics {
	return &Diagnostics{pingers: make(map[string]Pinger)}
}

// Register adds a named Pinger. It returns an error if the name is
// already registered.
func (d *Diagnostics) Register(name string, p Pinger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.pingers[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.pingers[name] = p
	return nil
}

// Unregister removes a named Pinger, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pingers, name)
}

// Ping runs every registered Pinger and returns a map of name to error
// for those that failed. A nil/empty map means everything is healthy.
func (d *Diagnostics) Ping(ctx context.Context) map[string]error {
	d.mu.Lock()
	snapshot := make(map[string]Pinger, len(d.pingers))
	for name, p := range d.pingers {
		snapshot[name] = p
	}
	d.mu.Unlock()

	failures := make(map[string]error)
	for name, p := range snapshot {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
