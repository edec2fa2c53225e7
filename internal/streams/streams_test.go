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

package streams

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOfIgnoresParameterKeyOrder(t *testing.T) {
	a := Descriptor{Name: "todos", Params: json.RawMessage(`{"a":1,"b":2}`)}
	b := Descriptor{Name: "todos", Params: json.RawMessage(`{"b":2,"a":1}`)}

	ka, err := KeyOf(a)
	require.NoError(t, err)
	kb, err := KeyOf(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestKeyOfDistinguishesDifferentParameters(t *testing.T) {
	a := Descriptor{Name: "todos", Params: json.RawMessage(`{"a":1}`)}
	b := Descriptor{Name: "todos", Params: json.RawMessage(`{"a":2}`)}

	ka, _ := KeyOf(a)
	kb, _ := KeyOf(b)
	assert.NotEqual(t, ka, kb)
}

func TestKeyOfRejectsNonObjectParameters(t *testing.T) {
	_, err := KeyOf(Descriptor{Name: "todos", Params: json.RawMessage(`[1,2,3]`)})
	assert.Error(t, err)
}

func TestTrackerSubscribeDedupesByKey(t *testing.T) {
	var changes int32
	tr := NewTracker(0, func(keys []Key) { atomic.AddInt32(&changes, 1) })

	sub1, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)
	sub2, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Len(), "two subscriptions to the same descriptor share one group")
	assert.Equal(t, int32(1), atomic.LoadInt32(&changes), "only the first subscriber transitions 0->1")

	sub1.Close()
	assert.Equal(t, 1, tr.Len(), "group survives while a second reference is still held")

	sub2.Close()
	assert.Equal(t, 0, tr.Len(), "group removed once the last reference is released (ttl=0)")
}

func TestTrackerZeroTTLRemovesImmediatelyAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var lastKeys []Key
	tr := NewTracker(0, func(keys []Key) {
		mu.Lock()
		lastKeys = keys
		mu.Unlock()
	})

	sub, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)
	sub.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, lastKeys, "onChange after the last release should see an empty active set")
}

func TestTrackerPositiveTTLDelaysRemoval(t *testing.T) {
	tr := NewTracker(50*time.Millisecond, nil)
	sub, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)
	sub.Close()

	assert.Equal(t, 1, tr.Len(), "group must survive until the TTL elapses")
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTrackerReSubscribeBeforeTTLCancelsExpiry(t *testing.T) {
	tr := NewTracker(30*time.Millisecond, nil)
	sub, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)
	sub.Close()

	sub2, err := tr.Subscribe(Descriptor{Name: "todos"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, tr.Len(), "re-subscribing before expiry must cancel the pending removal")
	sub2.Close()
}

func TestTrackerDescriptorsReflectsActiveGroups(t *testing.T) {
	tr := NewTracker(0, nil)
	sub, err := tr.Subscribe(Descriptor{Name: "todos", Params: json.RawMessage(`{"id":1}`)})
	require.NoError(t, err)
	defer sub.Close()

	descs := tr.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "todos", descs[0].Name)
}
