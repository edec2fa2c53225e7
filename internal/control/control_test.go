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

package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-go/internal/streams"
)

func TestToControlCallMapsEveryEventKind(t *testing.T) {
	cases := []struct {
		name    string
		ev      Event
		wantOp  string
		wantArg any
	}{
		{"start", Event{Kind: EventStart, Schema: json.RawMessage(`{"tables":[]}`)}, "start", `{"tables":[]}`},
		{"stop", Event{Kind: EventStop}, "stop", ""},
		{"text line", Event{Kind: EventTextLine, Text: `{"checkpoint":1}`}, "line_text", `{"checkpoint":1}`},
		{"binary line", Event{Kind: EventBinaryLine, Binary: []byte("abc")}, "line_binary", []byte("abc")},
		{"completed upload", Event{Kind: EventCompletedUpload}, "completed_upload", ""},
		{"connection established", Event{Kind: EventConnectionEstablished}, "connection", "established"},
		{"response stream end", Event{Kind: EventResponseStreamEnd}, "connection", "end"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, arg, err := tc.ev.toControlCall()
			require.NoError(t, err)
			assert.Equal(t, tc.wantOp, op)
			assert.Equal(t, tc.wantArg, arg)
		})
	}
}

func TestToControlCallEncodesSubscriptionsAsJSON(t *testing.T) {
	ev := Event{Kind: EventUpdateSubscriptions, Subscriptions: []streams.Descriptor{
		{Name: "todos"},
		{Name: "lists", Params: json.RawMessage(`{"owner":"me"}`)},
	}}
	op, arg, err := ev.toControlCall()
	require.NoError(t, err)
	assert.Equal(t, "update_subscriptions", op)
	assert.JSONEq(t, `[{"name":"todos"},{"name":"lists","parameters":{"owner":"me"}}]`, arg)
}

func TestToControlCallRejectsUnknownKind(t *testing.T) {
	_, _, err := Event{Kind: "bogus"}.toControlCall()
	assert.Error(t, err)
}

func TestDecodeInstructionsCoversEveryVariant(t *testing.T) {
	raw := []byte(`[
		{"LogLine": {"severity": "INFO", "line": "hello"}},
		{"UpdateSyncStatus": {"status": {"connected": true}}},
		{"EstablishSyncStream": {"request": {"buckets": []}}},
		{"FetchCredentials": {"did_expire": true}},
		{"CloseSyncStream": {"hide_disconnect": true}},
		{"FlushFileSystem": {}},
		{"DidCompleteSync": {}}
	]`)

	instrs, err := decodeInstructions(raw)
	require.NoError(t, err)
	require.Len(t, instrs, 7)

	assert.Equal(t, InstructionLogLine, instrs[0].Kind)
	assert.Equal(t, "INFO", instrs[0].LogLevel)
	assert.Equal(t, "hello", instrs[0].LogMessage)

	assert.Equal(t, InstructionUpdateSyncStatus, instrs[1].Kind)
	assert.JSONEq(t, `{"connected":true}`, string(instrs[1].SyncStatus))

	assert.Equal(t, InstructionEstablishSyncStream, instrs[2].Kind)
	assert.JSONEq(t, `{"buckets":[]}`, string(instrs[2].RequestBody))

	assert.Equal(t, InstructionFetchCredentials, instrs[3].Kind)
	assert.True(t, instrs[3].DidExpire)

	assert.Equal(t, InstructionCloseSyncStream, instrs[4].Kind)
	assert.True(t, instrs[4].HideDisconnect)

	assert.Equal(t, InstructionFlushFileSystem, instrs[5].Kind)
	assert.Equal(t, InstructionDidCompleteSync, instrs[6].Kind)
}

func TestDecodeInstructionsRejectsUnrecognizedVariant(t *testing.T) {
	_, err := decodeInstructions([]byte(`[{"SomethingElse": {}}]`))
	assert.Error(t, err)
}

func TestDecodeInstructionsRejectsMalformedJSON(t *testing.T) {
	_, err := decodeInstructions([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeInstructionsEmptyArrayYieldsEmptySlice(t *testing.T) {
	instrs, err := decodeInstructions([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, instrs)
}
