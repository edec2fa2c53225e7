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

// Package stopper implements cooperative cancellation for the actors
// in this module. A *Context behaves like a context.Context, but adds
// a two-phase shutdown: Stopping() fires first, giving long-running
// loops a chance to wind down on their own terms (e.g. flush a
// sync iteration's final instructions); Stop() then waits for tracked
// goroutines to exit, falling back to hard cancellation after a
// timeout.
package stopper

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// A Context extends context.Context with cooperative shutdown.
type Context struct {
	context.Context

	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu struct {
		sync.Mutex
		firstErr error
	}
}

// WithContext returns a new *Context derived from parent. Canceling
// the parent also cancels the returned Context and closes Stopping().
func WithContext(parent context.Context) *Context {
	inner, cancel := context.WithCancel(parent)
	ret := &Context{
		Context:  inner,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	go func() {
		<-inner.Done()
		ret.stopOnce.Do(func() { close(ret.stopping) })
	}()
	return ret
}

// Stopping returns a channel that is closed when Stop is first called
// or when the parent context is canceled. Long-running loops should
// select on this channel to begin a graceful exit.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Go runs fn in a tracked goroutine. If fn returns a non-nil error
// that is not context.Canceled, it is recorded and retrievable via
// FirstErr() after Stop completes; the goroutine itself is otherwise
// unsupervised; panics are not recovered, matching the teacher's
// fail-fast posture for programming errors in actor loops.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil && err != context.Canceled {
			c.mu.Lock()
			if c.mu.firstErr == nil {
				c.mu.firstErr = err
			}
			c.mu.Unlock()
			log.WithError(err).Debug("tracked goroutine exited with error")
		}
	}()
}

// Stop signals Stopping(), then waits up to timeout for all tracked
// goroutines to exit before cancelling the underlying context as a
// last resort.
func (c *Context) Stop(timeout time.Duration) {
	c.stopOnce.Do(func() { close(c.stopping) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("stopper: timed out waiting for goroutines to exit, cancelling")
	}
	c.cancel()
}

// FirstErr returns the first non-nil, non-cancellation error reported
// by a goroutine started with Go, if any.
func (c *Context) FirstErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.firstErr
}
