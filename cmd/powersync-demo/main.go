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

// Command powersync-demo opens a local database, applies a small
// demo schema, and connects to a PowerSync service, logging every
// CRUD transaction it would otherwise hand off to a backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	powersync "github.com/powersync-ja/powersync-go"
)

// Config is the demo CLI's flag-bound configuration: Bind registers
// the flags and Preflight validates the parsed values.
type Config struct {
	DBPath     string
	Endpoint   string
	Token      string
	RetryDelay time.Duration
}

func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.DBPath, "db", "powersync-demo.db", "local SQLite database path")
	flags.StringVar(&c.Endpoint, "endpoint", "", "PowerSync service endpoint (required)")
	flags.StringVar(&c.Token, "token", "", "bearer token for the PowerSync service (required)")
	flags.DurationVar(&c.RetryDelay, "retryDelay", 5*time.Second, "delay between reconnect attempts")
}

func (c *Config) Preflight() error {
	if c.Endpoint == "" {
		return fmt.Errorf("--endpoint is required")
	}
	if c.Token == "" {
		return fmt.Errorf("--token is required")
	}
	return nil
}

// staticConnector issues a fixed token and logs every uploaded
// transaction instead of forwarding it to a real backend: a user's
// own backend API is out of scope for this engine, so the demo only
// exercises the upload path up to that boundary.
type staticConnector struct {
	endpoint string
	token    string
	log      *logrus.Entry
}

func (c *staticConnector) FetchCredentials(ctx context.Context, didExpire bool) (powersync.Credentials, error) {
	return powersync.Credentials{Endpoint: c.endpoint, Token: c.token}, nil
}

func (c *staticConnector) UploadData(ctx context.Context, tx *powersync.Transaction) error {
	for _, entry := range tx.Crud {
		c.log.WithFields(logrus.Fields{
			"op":    entry.Op,
			"table": entry.Table,
			"row":   entry.RowID,
		}).Info("would upload CRUD entry")
	}
	return nil
}

func demoSchema() powersync.Schema {
	return powersync.Schema{
		Tables: []powersync.Table{
			{
				Name: "todos",
				Columns: []powersync.Column{
					{Name: "description", Type: powersync.ColumnText},
					{Name: "completed", Type: powersync.ColumnInteger},
				},
				Options: powersync.TableOptions{
					TrackPreviousValues: powersync.TrackPreviousValuesAll,
					IgnoreEmptyUpdates:  true,
				},
			},
		},
	}
}

func main() {
	cfg := &Config{}
	flags := pflag.NewFlagSet("powersync-demo", pflag.ExitOnError)
	cfg.Bind(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("parsing flags")
	}
	if err := cfg.Preflight(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logEntry := logrus.NewEntry(logrus.StandardLogger())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := powersync.Open(ctx, powersync.Options{
		Path:       cfg.DBPath,
		RetryDelay: cfg.RetryDelay,
		Logger:     logEntry,
	})
	if err != nil {
		logEntry.WithError(err).Fatal("opening database")
	}
	defer db.Close(context.Background())

	schema := demoSchema()
	if err := db.ApplySchema(ctx, schema); err != nil {
		logEntry.WithError(err).Fatal("applying schema")
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		logEntry.WithError(err).Fatal("encoding schema")
	}

	sub, err := db.Subscribe(powersync.StreamDescriptor{Name: "todos"})
	if err != nil {
		logEntry.WithError(err).Fatal("subscribing to stream")
	}
	defer sub.Close()

	conn := &staticConnector{endpoint: cfg.Endpoint, token: cfg.Token, log: logEntry}
	if err := db.Connect(ctx, conn, powersync.SyncOptions{Schema: schemaJSON, IncludeDefaults: true}); err != nil {
		logEntry.WithError(err).Fatal("connecting")
	}

	logEntry.Info("powersync-demo running; press ctrl-c to stop")
	<-ctx.Done()
	logEntry.Info("shutting down")
}
