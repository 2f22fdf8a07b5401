// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"time"

	"github.com/brypt-io/brypt-go/internal/logger"
)

// Options is the node's option catalog as a single copy-on-write
// snapshot: SetOption installs a new *Options value atomically rather
// than mutating fields in place, so a handler mid-dispatch always sees
// a consistent set.
type Options struct {
	UseBootstraps           bool
	ConnectionTimeout       time.Duration
	ConnectionRetryInterval time.Duration
	// ConnectRetryThreshold is not itself part of the named option
	// table but is required by the dial-retry rule; it travels with
	// the rest of the catalog rather than as a separate, ungoverned value.
	ConnectRetryThreshold int
	LogLevel              logger.Level
	CoreThreads           int
	BasePath              string
	ConfigurationFilename string
	PeersFilename         string
	NetworkToken          string
}

// DefaultOptions returns the catalog's production defaults, matching
// config.setDefaults so a Service constructed without a loaded
// config.Config still starts with sane values.
func DefaultOptions() Options {
	return Options{
		UseBootstraps:           false,
		ConnectionTimeout:       5 * time.Second,
		ConnectionRetryInterval: 2 * time.Second,
		ConnectRetryThreshold:   3,
		LogLevel:                logger.InfoLevel,
		CoreThreads:             0, // resolved via ResolveCoreThreads at startup
		BasePath:                ".brypt",
		ConfigurationFilename:   "config.json",
		PeersFilename:           "peers.json",
	}
}

// clone returns a shallow copy, the unit SetOption installs.
func (o Options) clone() Options { return o }
