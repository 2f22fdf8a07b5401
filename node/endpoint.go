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

// DeliveryCallback is invoked by an Endpoint once per inbound frame,
// with framing already stripped; the core provides framing, not the
// transport.
type DeliveryCallback func(conn any, frame []byte)

// CloseCallback is invoked by an Endpoint when a connection it owns
// drops, for any reason other than the core calling Close itself.
type CloseCallback func(conn any, cause DisconnectCause)

// Endpoint is the framed-I/O contract the core consumes. An
// implementation owns exactly one transport (TCP, WebSocket, ...) and
// knows nothing about routes, sessions or peers: it turns socket
// events into (conn, frame) deliveries and turns outbound frames into
// socket writes.
type Endpoint interface {
	// Protocol reports which Protocol constant this Endpoint serves.
	Protocol() Protocol

	// Bind starts listening at uri, delivering every accepted
	// connection's frames to onFrame and reporting drops to onClose.
	Bind(uri string, onFrame DeliveryCallback, onClose CloseCallback) error

	// Dial opens an outbound connection to uri, returning the opaque
	// handle the core will pass back into Send/Close.
	Dial(uri string, onFrame DeliveryCallback, onClose CloseCallback) (conn any, err error)

	// Send writes one length-prefixed frame to conn.
	Send(conn any, frame []byte) error

	// Close tears down conn from the core's side (no further
	// onClose callback fires for a core-initiated close).
	Close(conn any) error

	// Shutdown stops accepting new connections and closes the
	// listener opened by Bind, if any.
	Shutdown() error
}
