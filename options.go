// Copyright 2025 Edgeo SCADA
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

package slave

import (
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger          *slog.Logger
	maxConns        int
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	journalCapacity int
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:          slog.Default(),
		maxConns:        100,
		readTimeout:     30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		journalCapacity: DefaultJournalCapacity,
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithShutdownTimeout bounds how long Stop waits for connection handlers to
// drain before giving up on them.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.shutdownTimeout = d
	}
}

// WithJournalCapacity sets how many log entries the traffic journal retains.
func WithJournalCapacity(n int) ServerOption {
	return func(o *serverOptions) {
		o.journalCapacity = n
	}
}
