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

// Package metrics exposes the node's Prometheus surface: handshake,
// session, crypto and message counters plus the peer-lifecycle gauges
// the service orchestrator updates as proxies connect and disconnect.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brypt"

// Registry is the node's private Prometheus registry; it is not the
// global DefaultRegisterer so embedding hosts can run more than one
// Service in a process without metric name collisions.
var Registry = prometheus.NewRegistry()

var (
	// PeersConnected tracks the number of peers currently in the
	// connected[authorized] lifecycle state.
	PeersConnected = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "connected",
			Help:      "Peers currently connected and authorized",
		},
	)

	// PeersFlagged tracks peers in the sticky flagged state.
	PeersFlagged = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "flagged",
			Help:      "Peers currently flagged pending operator clearance",
		},
	)

	// InvalidFrames counts dropped frames per cause (decode error, replay, MAC failure).
	InvalidFrames = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "invalid_total",
			Help:      "Total number of inbound frames dropped",
		},
		[]string{"cause"},
	)

	// RequestsPending tracks outstanding entries in the request tracker.
	RequestsPending = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a reply or deadline",
		},
	)

	// RequestsCompleted counts completed requests by flavor and outcome.
	RequestsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "completed_total",
			Help:      "Total number of requests completed",
		},
		[]string{"flavor", "outcome"}, // directed/broadcast/sampled, response/error/timeout
	)
)
