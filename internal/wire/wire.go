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

// Package wire splits a sync-stream HTTP response body into individual
// sync lines, in either of the two framings the service may choose:
// newline-delimited JSON text, or length-prefixed BSON documents. See
// spec.md §6 ("Wire protocol"). The engine never interprets a frame's
// contents, so this package only splits bytes; it does not decode BSON.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/powersync-ja/powersync-go/internal/pserrors"
)

// Format identifies which framing a Reader splits by.
type Format int

const (
	// FormatNDJSON splits on '\n'.
	FormatNDJSON Format = iota
	// FormatBSON splits on 32-bit little-endian length-prefixed frames.
	FormatBSON
)

// bsonContentSubtype is the response content-type subtype that selects
// BSON framing; every other content-type (including none) falls back
// to NDJSON. Per spec.md §9's Open Question decision, this check is
// always applied — there is no legacy "ignore content-type" mode.
const bsonContentSubtype = "vnd.powersync.bson-stream"

// FormatForContentType picks a Format for an HTTP response's
// Content-Type header value.
func FormatForContentType(contentType string) Format {
	for i := 0; i < len(contentType); i++ {
		if contentType[i] == ';' {
			contentType = contentType[:i]
			break
		}
	}
	if hasSubtype(contentType, bsonContentSubtype) {
		return FormatBSON
	}
	return FormatNDJSON
}

func hasSubtype(contentType, subtype string) bool {
	slash := -1
	for i := 0; i < len(contentType); i++ {
		if contentType[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 || slash+1 >= len(contentType) {
		return false
	}
	return contentType[slash+1:] == subtype
}

// minBSONFrameLen is the smallest legal BSON frame: the 4-byte length
// header plus at least one content byte, per spec.md §6.
const minBSONFrameLen = 5

// Reader splits r into frames according to format. Call Next
// repeatedly; it returns ok=false once r is exhausted or an error
// occurs, distinguishable via Err.
type Reader struct {
	format Format
	err    error

	// NDJSON
	scanner *bufio.Scanner

	// BSON
	src    io.Reader
	header [4]byte
}

// NewReader constructs a Reader over r, framed as format.
func NewReader(r io.Reader, format Format) *Reader {
	rd := &Reader{format: format}
	if format == FormatNDJSON {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		rd.scanner = sc
	} else {
		rd.src = r
	}
	return rd
}

// Format reports which framing this Reader was constructed with.
func (r *Reader) Format() Format { return r.format }

// Err returns the error that caused the most recent Next to return
// ok=false, or nil on a clean end of stream.
func (r *Reader) Err() error { return r.err }

// Next returns the next frame's raw bytes — a whole NDJSON line, or a
// whole BSON document including its own length header — or ok=false
// once the stream ends or an error occurs.
func (r *Reader) Next() (frame []byte, ok bool) {
	if r.err != nil {
		return nil, false
	}
	if r.format == FormatNDJSON {
		return r.nextLine()
	}
	return r.nextBSONFrame()
}

func (r *Reader) nextLine() ([]byte, bool) {
	if !r.scanner.Scan() {
		r.err = r.scanner.Err()
		return nil, false
	}
	return r.scanner.Bytes(), true
}

func (r *Reader) nextBSONFrame() ([]byte, bool) {
	if _, err := io.ReadFull(r.src, r.header[:]); err != nil {
		if err != io.EOF {
			r.err = pserrors.Wrap(pserrors.KindIO, err, "reading BSON frame length")
		}
		return nil, false
	}

	length := int(binary.LittleEndian.Uint32(r.header[:]))
	if length < minBSONFrameLen {
		r.err = pserrors.New(pserrors.KindIO, "BSON frame length %d below minimum %d", length, minBSONFrameLen)
		return nil, false
	}

	// A BSON document's own length header is its first four bytes, so
	// the frame handed back must include it: the document *is* the
	// framed bytes, and concatenating frames must reproduce the input.
	frame := make([]byte, length)
	copy(frame, r.header[:])
	if _, err := io.ReadFull(r.src, frame[4:]); err != nil {
		r.err = pserrors.Wrap(pserrors.KindIO, err, "reading BSON frame body (length %d)", length)
		return nil, false
	}
	return frame, true
}
