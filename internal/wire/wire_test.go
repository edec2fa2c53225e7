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

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForContentType(t *testing.T) {
	t.Run("bson subtype selects BSON", func(t *testing.T) {
		assert.Equal(t, FormatBSON, FormatForContentType("application/vnd.powersync.bson-stream"))
	})

	t.Run("bson subtype with charset parameter still selects BSON", func(t *testing.T) {
		assert.Equal(t, FormatBSON, FormatForContentType("application/vnd.powersync.bson-stream; charset=utf-8"))
	})

	t.Run("ndjson falls back to NDJSON", func(t *testing.T) {
		assert.Equal(t, FormatNDJSON, FormatForContentType("application/x-ndjson"))
	})

	t.Run("missing content-type falls back to NDJSON", func(t *testing.T) {
		assert.Equal(t, FormatNDJSON, FormatForContentType(""))
	})

	t.Run("unrelated content-type falls back to NDJSON", func(t *testing.T) {
		assert.Equal(t, FormatNDJSON, FormatForContentType("text/plain"))
	})
}

func TestReaderNDJSON(t *testing.T) {
	src := "{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n"
	r := NewReader(bytes.NewBufferString(src), FormatNDJSON)

	var lines []string
	for {
		frame, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, string(frame))
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, lines)
	assert.Equal(t, FormatNDJSON, r.Format())
}

func bsonFrame(payload string) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(4+len(payload)))
	copy(buf[4:], payload)
	return buf
}

func TestReaderBSONRoundTrip(t *testing.T) {
	f1 := bsonFrame("hello")
	f2 := bsonFrame("world!")
	var buf bytes.Buffer
	buf.Write(f1)
	buf.Write(f2)

	r := NewReader(&buf, FormatBSON)

	// Each frame comes back whole, length header included: a BSON
	// document begins with its own length, so concatenating the
	// frames Next returns must reproduce the input exactly.
	frame1, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, f1, frame1)

	frame2, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, f2, frame2)

	_, ok = r.Next()
	assert.False(t, ok)
	assert.NoError(t, r.Err())
}

func TestReaderBSONRejectsUndersizedFrame(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 4) // below minBSONFrameLen (5)

	r := NewReader(bytes.NewReader(buf), FormatBSON)
	_, ok := r.Next()
	assert.False(t, ok)
	assert.Error(t, r.Err())
}

func TestReaderBSONPrematureEOF(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 10) // claims 10 bytes, body truncated

	r := NewReader(bytes.NewReader(buf), FormatBSON)
	_, ok := r.Next()
	assert.False(t, ok)
	assert.Error(t, r.Err())
	assert.NotEqual(t, io.EOF, r.Err())
}

func TestReaderBSONCleanEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), FormatBSON)
	_, ok := r.Next()
	assert.False(t, ok)
	assert.NoError(t, r.Err())
}
