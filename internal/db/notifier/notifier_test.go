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

package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamListenerWakesOnlyForWatchedTables(t *testing.T) {
	n := New()
	l := n.Watch([]string{"todos"})
	defer l.Close()

	n.Notify([]string{"lists"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Next(ctx), context.DeadlineExceeded, "unrelated table must not wake the listener")

	n.Notify([]string{"todos"})
	assert.NoError(t, l.Next(context.Background()))
}

func TestStreamListenerCoalescesMultipleNotifies(t *testing.T) {
	n := New()
	l := n.Watch([]string{"todos"})
	defer l.Close()

	n.Notify([]string{"todos"})
	n.Notify([]string{"todos"})
	n.Notify([]string{"todos"})

	require.NoError(t, l.Next(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Next(ctx), context.DeadlineExceeded, "three coalesced notifies must produce exactly one wakeup")
}

func TestStreamListenerCloseUnsubscribes(t *testing.T) {
	n := New()
	l := n.Watch([]string{"todos"})
	l.Close()
	l.Close() // must be safe to call twice

	assert.Empty(t, n.streamListeners)
}

func TestInstallCallbackInvokedSynchronouslyForMatchingTables(t *testing.T) {
	n := New()
	var got []string
	h := n.InstallCallback([]string{"todos"}, func(tables []string) { got = tables })
	defer h.Close()

	n.Notify([]string{"lists"})
	assert.Nil(t, got)

	n.Notify([]string{"todos", "lists"})
	assert.Equal(t, []string{"todos", "lists"}, got)
}

func TestCallbackHandleCloseIsIdempotentAndUnsubscribes(t *testing.T) {
	n := New()
	calls := 0
	h := n.InstallCallback([]string{"todos"}, func(tables []string) { calls++ })

	h.Close()
	h.Close()
	n.Notify([]string{"todos"})
	assert.Equal(t, 0, calls)
}

func TestCallbackMayCloseItselfMidDispatchWithoutDeadlock(t *testing.T) {
	n := New()
	var h *CallbackHandle
	calls := 0
	h = n.InstallCallback([]string{"todos"}, func(tables []string) {
		calls++
		h.Close()
	})

	n.Notify([]string{"todos"})
	n.Notify([]string{"todos"})
	assert.Equal(t, 1, calls, "self-close during dispatch must prevent a second invocation")
}

func TestNotifyWithNoTablesIsANoOp(t *testing.T) {
	n := New()
	calls := 0
	h := n.InstallCallback([]string{"todos"}, func(tables []string) { calls++ })
	defer h.Close()

	n.Notify(nil)
	assert.Equal(t, 0, calls)
}
