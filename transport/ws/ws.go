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

// Package ws is a reference node.Endpoint over gorilla/websocket,
// directly adapted from this lineage's WebSocket server/client pair:
// the same upgrade/connection-registry/read-loop shape, but carrying
// already-encoded brypt frames as binary WS messages instead of a
// SecureMessage/MessageHandler JSON envelope.
package ws

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brypt-io/brypt-go/brypterr"
	"github.com/brypt-io/brypt-go/node"
)

func listen(uri string) (net.Listener, error) {
	return net.Listen("tcp", uri)
}

// Endpoint is a node.Endpoint implementation over WebSocket
// connections, usable both as a Bind-side server and a Dial-side
// client.
type Endpoint struct {
	upgrader websocket.Upgrader

	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[*websocket.Conn]*sync.Mutex
	server *http.Server
}

// NewEndpoint constructs a WebSocket Endpoint with the given
// timeouts (30s dial, 60s read, 30s write if zero).
func NewEndpoint(dialTimeout, readTimeout, writeTimeout time.Duration) *Endpoint {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Endpoint{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialTimeout:  dialTimeout,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		conns:        make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Protocol reports node.ProtocolWebSocket.
func (e *Endpoint) Protocol() node.Protocol { return node.ProtocolWebSocket }

// Bind starts an HTTP server at uri (host:port) upgrading every
// request to a WebSocket connection.
func (e *Endpoint) Bind(uri string, onFrame node.DeliveryCallback, onClose node.CloseCallback) error {
	mux := http.NewServeMux()
	mux.Handle("/", e.upgradeHandler(onFrame, onClose))
	server := &http.Server{Addr: uri, Handler: mux}

	e.mu.Lock()
	e.server = server
	e.mu.Unlock()

	ln, err := listen(uri)
	if err != nil {
		return brypterr.Wrap(brypterr.BindingFailed, "listen on "+uri, err)
	}
	go func() { _ = server.Serve(ln) }()
	return nil
}

func (e *Endpoint) upgradeHandler(onFrame node.DeliveryCallback, onClose node.CloseCallback) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.track(conn)
		e.readLoop(conn, onFrame, onClose)
	})
}

// Dial opens an outbound WebSocket connection to uri
// (ws://host:port/path or wss://...).
func (e *Endpoint) Dial(uri string, onFrame node.DeliveryCallback, onClose node.CloseCallback) (any, error) {
	dialer := websocket.Dialer{HandshakeTimeout: e.dialTimeout}
	conn, _, err := dialer.Dial(uri, nil)
	if err != nil {
		return nil, brypterr.Wrap(brypterr.ConnectionFailed, "dial "+uri, err)
	}
	e.track(conn)
	go e.readLoop(conn, onFrame, onClose)
	return conn, nil
}

func (e *Endpoint) track(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn] = &sync.Mutex{}
}

func (e *Endpoint) untrack(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, conn)
}

func (e *Endpoint) writeLock(conn *websocket.Conn) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[conn]
}

// readLoop blocks the calling goroutine (the HTTP handler's, for an
// accepted connection; a dedicated goroutine, for a dialed one) until
// the connection drops.
func (e *Endpoint) readLoop(conn *websocket.Conn, onFrame node.DeliveryCallback, onClose node.CloseCallback) {
	defer func() {
		_ = conn.Close()
		e.untrack(conn)
	}()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(e.readTimeout)); err != nil {
			onClose(conn, node.CauseConnectionFailed)
			return
		}
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				onClose(conn, node.CauseConnectionFailed)
			} else {
				onClose(conn, node.CauseRemoteClosed)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		onFrame(conn, frame)
	}
}

// Send writes one binary WS message carrying frame.
func (e *Endpoint) Send(conn any, frame []byte) error {
	c, ok := conn.(*websocket.Conn)
	if !ok {
		return brypterr.New(brypterr.InvalidArgument, "conn is not a websocket.Conn")
	}
	lock := e.writeLock(c)
	if lock == nil {
		return brypterr.ErrNotConnected
	}
	lock.Lock()
	defer lock.Unlock()

	if err := c.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
		return brypterr.Wrap(brypterr.ConnectionFailed, "set write deadline", err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return brypterr.Wrap(brypterr.ConnectionFailed, "write frame", err)
	}
	return nil
}

// Close tears conn down from the core's side.
func (e *Endpoint) Close(conn any) error {
	c, ok := conn.(*websocket.Conn)
	if !ok {
		return brypterr.New(brypterr.InvalidArgument, "conn is not a websocket.Conn")
	}
	e.untrack(c)
	return c.Close()
}

// Shutdown stops the HTTP server, if any, and closes every tracked
// connection.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	server := e.server
	e.server = nil
	conns := make([]*websocket.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[*websocket.Conn]*sync.Mutex)
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.Close()
	}
	if server != nil {
		return server.Close()
	}
	return nil
}
