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

// Package metrics holds shared bucket definitions and the Prometheus
// collectors published by the sync actors, the CRUD queue reader, and
// the connection pool. The control-call collectors are recorded by the
// download actor around each control-extension adapter call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets covers sub-millisecond control calls up to
// multi-minute backfills.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300,
}

var (
	// ControlCallDurations tracks how long each powersync_control
	// invocation took, labeled by the op string (start/line_text/...).
	ControlCallDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powersync_control_call_duration_seconds",
		Help:    "duration of calls into the control-extension adapter",
		Buckets: LatencyBuckets,
	}, []string{"op"})

	// ControlCallErrors counts failed control-extension calls.
	ControlCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powersync_control_call_errors_total",
		Help: "the number of control-extension calls that returned an error",
	}, []string{"op"})

	// SyncLinesReceived counts sync lines read off the response stream.
	SyncLinesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_sync_lines_received_total",
		Help: "the number of sync lines (text or binary) received from the sync service",
	})

	// SyncBytesReceived counts raw bytes read off the response stream.
	SyncBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_sync_bytes_received_total",
		Help: "the number of bytes received from the sync service response stream",
	})

	// ReconnectsTotal counts download-actor reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_reconnects_total",
		Help: "the number of times the download actor re-established a sync stream",
	})

	// CrudQueueDepth reports the current number of pending ps_crud rows.
	CrudQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powersync_crud_queue_depth",
		Help: "the number of pending entries in the local CRUD queue",
	})

	// UploadDurations tracks connector.UploadData call latency.
	UploadDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "powersync_upload_duration_seconds",
		Help:    "duration of connector upload_data calls",
		Buckets: LatencyBuckets,
	})

	// UploadErrors counts failed uploads.
	UploadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_upload_errors_total",
		Help: "the number of upload attempts that returned an error",
	})

	// WriteCheckpointAdvances counts successful $local target_op advances.
	WriteCheckpointAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_write_checkpoint_advances_total",
		Help: "the number of times the local write checkpoint was advanced",
	})

	// TableUpdateNotifications counts writer-lease harvest broadcasts.
	TableUpdateNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powersync_table_update_notifications_total",
		Help: "the number of table-change broadcasts emitted after a writer lease",
	})
)
