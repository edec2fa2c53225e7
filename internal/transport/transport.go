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

// Package transport issues the two HTTP calls the sync engine makes
// against a PowerSync service: opening the sync stream and polling
// for a write checkpoint. See spec.md §6.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/powersync-ja/powersync-go/internal/pserrors"
	"github.com/powersync-ja/powersync-go/internal/wire"
)

// acceptHeader prefers BSON framing but accepts NDJSON, matching the
// service's own quality-value negotiation.
const acceptHeader = "application/vnd.powersync.bson-stream;q=0.9, application/x-ndjson;q=0.8"

// Client issues requests against one PowerSync service endpoint.
type Client struct {
	HTTP     *http.Client
	Endpoint string
}

// NewClient constructs a Client. endpoint must be an absolute URL; a
// nil httpClient uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() {
		return nil, pserrors.Wrap(pserrors.KindInvalidEndpoint, err, "invalid sync endpoint %q", endpoint)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient, Endpoint: strings.TrimRight(endpoint, "/")}, nil
}

// StreamResponse is an open sync-stream HTTP response: the caller
// reads frames from Lines until it returns ok=false, then must Close
// the response body.
type StreamResponse struct {
	resp  *http.Response
	Lines *wire.Reader
}

// Close releases the underlying HTTP response body.
func (s *StreamResponse) Close() error {
	return s.resp.Body.Close()
}

// OpenSyncStream issues the `POST <endpoint>/sync/stream` request
// that starts a sync stream, with body as the raw JSON request the
// control adapter's EstablishSyncStream instruction supplied.
func (c *Client) OpenSyncStream(ctx context.Context, token string, body []byte) (*StreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/sync/stream", bytes.NewReader(body))
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindHTTP, err, "building sync stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, pserrors.Wrap(pserrors.KindHTTP, err, "opening sync stream")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		format := wire.FormatForContentType(resp.Header.Get("Content-Type"))
		return &StreamResponse{resp: resp, Lines: wire.NewReader(resp.Body, format)}, nil
	case http.StatusUnauthorized:
		defer resp.Body.Close()
		return nil, pserrors.Wrap(pserrors.KindInvalidCredentials, readBodyErr(resp), "sync service rejected credentials")
	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, pserrors.Wrap(pserrors.KindUnexpectedStatusCode,
			&pserrors.UnexpectedStatusCodeError{StatusCode: resp.StatusCode, Body: string(body)},
			"opening sync stream")
	}
}

type writeCheckpointEnvelope struct {
	Data struct {
		WriteCheckpoint string `json:"write_checkpoint"`
	} `json:"data"`
}

// FetchWriteCheckpoint issues the `GET
// <endpoint>/write-checkpoint2.json?client_id=<clientID>` request and
// returns the checkpoint's op id.
func (c *Client) FetchWriteCheckpoint(ctx context.Context, token, clientID string) (int64, error) {
	u := fmt.Sprintf("%s/write-checkpoint2.json?client_id=%s", c.Endpoint, url.QueryEscape(clientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, pserrors.Wrap(pserrors.KindHTTP, err, "building write-checkpoint request")
	}
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, pserrors.Wrap(pserrors.KindHTTP, err, "fetching write checkpoint")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return 0, pserrors.Wrap(pserrors.KindInvalidCredentials, readBodyErr(resp), "sync service rejected credentials")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, pserrors.Wrap(pserrors.KindUnexpectedStatusCode,
			&pserrors.UnexpectedStatusCodeError{StatusCode: resp.StatusCode, Body: string(body)},
			"fetching write checkpoint")
	}

	var env writeCheckpointEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, pserrors.Wrap(pserrors.KindIO, err, "decoding write-checkpoint response")
	}
	checkpoint, err := strconv.ParseInt(env.Data.WriteCheckpoint, 10, 64)
	if err != nil {
		return 0, pserrors.Wrap(pserrors.KindJSONConversion, err, "parsing write_checkpoint %q", env.Data.WriteCheckpoint)
	}
	return checkpoint, nil
}

func readBodyErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(body) == 0 {
		return nil
	}
	return errors.New(string(body))
}
