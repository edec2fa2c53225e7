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

package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/wire"
)

func TestNewClientRejectsNonAbsoluteEndpoint(t *testing.T) {
	_, err := NewClient("/not-absolute", nil)
	assert.Error(t, err)
}

func TestNewClientTrimsTrailingSlash(t *testing.T) {
	c, err := NewClient("https://example.com/sync/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/sync", c.Endpoint)
}

func TestOpenSyncStreamSendsExpectedRequestAndDetectsNDJSON(t *testing.T) {
	var gotAuth, gotAccept, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"checkpoint":1}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.OpenSyncStream(context.Background(), "tok123", []byte(`{"buckets":[]}`))
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, "Token tok123", gotAuth)
	assert.Contains(t, gotAccept, "bson-stream")
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"buckets":[]}`, gotBody)
	assert.Equal(t, wire.FormatNDJSON, resp.Lines.Format())

	frame, ok := resp.Lines.Next()
	require.True(t, ok)
	assert.JSONEq(t, `{"checkpoint":1}`, string(frame))
}

func TestOpenSyncStreamDetectsBSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.powersync.bson-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.OpenSyncStream(context.Background(), "tok", nil)
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, wire.FormatBSON, resp.Lines.Format())
}

func TestOpenSyncStreamMapsUnauthorizedToInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad token"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	_, err = c.OpenSyncStream(context.Background(), "tok", nil)
	require.Error(t, err)

	var perr *pserrors.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pserrors.KindInvalidCredentials, perr.Kind)
}

func TestOpenSyncStreamMapsOtherStatusesToUnexpectedStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	_, err = c.OpenSyncStream(context.Background(), "tok", nil)
	require.Error(t, err)

	var statusErr *pserrors.UnexpectedStatusCodeError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestFetchWriteCheckpointParsesOpID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/write-checkpoint2.json", r.URL.Path)
		assert.Equal(t, "abc-123", r.URL.Query().Get("client_id"))
		assert.Equal(t, "Token tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"write_checkpoint":"42"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	checkpoint, err := c.FetchWriteCheckpoint(context.Background(), "tok", "abc-123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), checkpoint)
}

func TestFetchWriteCheckpointMapsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	_, err = c.FetchWriteCheckpoint(context.Background(), "tok", "id")
	require.Error(t, err)

	var perr *pserrors.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pserrors.KindInvalidCredentials, perr.Kind)
}

func TestFetchWriteCheckpointRejectsUnparsableCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"write_checkpoint":"not-a-number"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	_, err = c.FetchWriteCheckpoint(context.Background(), "tok", "id")
	assert.Error(t, err)
}
