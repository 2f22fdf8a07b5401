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

// Package tcp is a reference node.Endpoint over raw TCP: each frame
// travels as a 4-byte big-endian length prefix followed by that many
// bytes of an already-encoded Parcel. It knows nothing about routes,
// sessions or peers — it only turns socket events into (conn, frame)
// deliveries and Send calls into socket writes, per the core's
// framing-agnostic Endpoint contract.
package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/brypt-io/brypt-go/brypterr"
	"github.com/brypt-io/brypt-go/node"
)

const (
	lengthPrefixSize = 4
	maxFrameSize     = 32 * 1024 * 1024
)

// Endpoint is a node.Endpoint implementation over net.Conn, grounded on
// the same connection-registry/read-loop shape as this lineage's
// WebSocket server, with a raw TCP listener/dialer in place of the HTTP
// upgrade.
type Endpoint struct {
	mu       sync.Mutex
	conns    map[net.Conn]*sync.Mutex // per-connection write lock
	listener net.Listener

	dialTimeout time.Duration

	closed bool
}

// NewEndpoint constructs a TCP Endpoint with the given outbound dial
// timeout (30s if zero).
func NewEndpoint(dialTimeout time.Duration) *Endpoint {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Endpoint{
		conns:       make(map[net.Conn]*sync.Mutex),
		dialTimeout: dialTimeout,
	}
}

// Protocol reports node.ProtocolTCP.
func (e *Endpoint) Protocol() node.Protocol { return node.ProtocolTCP }

// Bind starts a TCP listener at uri (host:port) and accepts connections
// until Shutdown is called.
func (e *Endpoint) Bind(uri string, onFrame node.DeliveryCallback, onClose node.CloseCallback) error {
	ln, err := net.Listen("tcp", uri)
	if err != nil {
		return brypterr.Wrap(brypterr.BindingFailed, "listen on "+uri, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	go e.acceptLoop(ln, onFrame, onClose)
	return nil
}

func (e *Endpoint) acceptLoop(ln net.Listener, onFrame node.DeliveryCallback, onClose node.CloseCallback) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		e.track(conn)
		go e.readLoop(conn, onFrame, onClose)
	}
}

// Dial opens an outbound TCP connection to uri (host:port).
func (e *Endpoint) Dial(uri string, onFrame node.DeliveryCallback, onClose node.CloseCallback) (any, error) {
	conn, err := net.DialTimeout("tcp", uri, e.dialTimeout)
	if err != nil {
		return nil, brypterr.Wrap(brypterr.ConnectionFailed, "dial "+uri, err)
	}
	e.track(conn)
	go e.readLoop(conn, onFrame, onClose)
	return conn, nil
}

func (e *Endpoint) track(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn] = &sync.Mutex{}
}

func (e *Endpoint) untrack(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, conn)
}

func (e *Endpoint) writeLock(conn net.Conn) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[conn]
}

func (e *Endpoint) readLoop(conn net.Conn, onFrame node.DeliveryCallback, onClose node.CloseCallback) {
	defer func() {
		_ = conn.Close()
		e.untrack(conn)
	}()

	header := make([]byte, lengthPrefixSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			onClose(conn, closeCause(err))
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size == 0 || size > maxFrameSize {
			onClose(conn, node.CauseNotSupported)
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			onClose(conn, closeCause(err))
			return
		}
		onFrame(conn, frame)
	}
}

func closeCause(err error) node.DisconnectCause {
	if err == io.EOF {
		return node.CauseRemoteClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return node.CauseTimeout
	}
	return node.CauseConnectionFailed
}

// Send writes one length-prefixed frame to conn.
func (e *Endpoint) Send(conn any, frame []byte) error {
	c, ok := conn.(net.Conn)
	if !ok {
		return brypterr.New(brypterr.InvalidArgument, "conn is not a net.Conn")
	}
	lock := e.writeLock(c)
	if lock == nil {
		return brypterr.ErrNotConnected
	}
	lock.Lock()
	defer lock.Unlock()

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := c.Write(header); err != nil {
		return brypterr.Wrap(brypterr.ConnectionFailed, "write frame header", err)
	}
	if _, err := c.Write(frame); err != nil {
		return brypterr.Wrap(brypterr.ConnectionFailed, "write frame body", err)
	}
	return nil
}

// Close tears conn down from the core's side; conn's read loop then
// fails its pending read and reports that through onClose.
func (e *Endpoint) Close(conn any) error {
	c, ok := conn.(net.Conn)
	if !ok {
		return brypterr.New(brypterr.InvalidArgument, "conn is not a net.Conn")
	}
	e.untrack(c)
	return c.Close()
}

// Shutdown stops accepting new connections and closes every tracked
// connection.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	e.closed = true
	ln := e.listener
	conns := make([]net.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[net.Conn]*sync.Mutex)
	e.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
