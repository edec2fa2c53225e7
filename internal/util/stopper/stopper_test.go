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

package stopper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoppingFiresOnStop(t *testing.T) {
	c := WithContext(context.Background())
	select {
	case <-c.Stopping():
		t.Fatal("Stopping must not be closed before Stop is called")
	default:
	}

	c.Stop(time.Second)
	select {
	case <-c.Stopping():
	default:
		t.Fatal("Stopping must be closed once Stop is called")
	}
}

func TestStoppingFiresWhenParentCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := WithContext(parent)
	cancel()

	select {
	case <-c.Stopping():
	case <-time.After(time.Second):
		t.Fatal("Stopping must close when the parent context is cancelled")
	}
}

func TestGoWaitsForTrackedGoroutinesBeforeStopReturns(t *testing.T) {
	c := WithContext(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	c.Go(func() error {
		close(started)
		<-c.Stopping()
		<-release
		return nil
	})

	<-started
	stopped := make(chan struct{})
	go func() {
		c.Stop(time.Second)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the tracked goroutine exited")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the tracked goroutine exited")
	}
}

func TestStopCancelsContextAfterTimeout(t *testing.T) {
	c := WithContext(context.Background())
	c.Go(func() error {
		<-c.Done() // never returns on its own; only hard-cancel ends it
		return nil
	})

	c.Stop(10 * time.Millisecond)
	select {
	case <-c.Done():
	default:
		t.Fatal("Stop must hard-cancel after the timeout elapses")
	}
}

func TestFirstErrRecordsFirstNonCancelledError(t *testing.T) {
	c := WithContext(context.Background())
	boom := errors.New("boom")
	done := make(chan struct{})
	c.Go(func() error {
		defer close(done)
		return boom
	})
	<-done

	c.Stop(time.Second)
	require.Error(t, c.FirstErr())
	assert.Equal(t, boom, c.FirstErr())
}

func TestFirstErrIgnoresContextCancelled(t *testing.T) {
	c := WithContext(context.Background())
	done := make(chan struct{})
	c.Go(func() error {
		defer close(done)
		return context.Canceled
	})
	<-done

	c.Stop(time.Second)
	assert.NoError(t, c.FirstErr())
}
