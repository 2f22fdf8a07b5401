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

package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brypt-io/brypt-go/node"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestEndpointProtocolIsTCP(t *testing.T) {
	e := NewEndpoint(0)
	assert.Equal(t, node.ProtocolTCP, e.Protocol())
}

func TestEndpointDialSendDeliversFrameToBoundOnFrame(t *testing.T) {
	addr := freeTCPAddr(t)
	server := NewEndpoint(0)
	defer server.Shutdown()

	received := make(chan []byte, 1)
	require.NoError(t, server.Bind(addr, func(conn any, frame []byte) {
		received <- frame
	}, func(conn any, cause node.DisconnectCause) {}))

	client := NewEndpoint(0)
	defer client.Shutdown()

	conn, err := client.Dial(addr, func(conn any, frame []byte) {}, func(conn any, cause node.DisconnectCause) {})
	require.NoError(t, err)

	require.NoError(t, client.Send(conn, []byte("hello frame")))

	select {
	case frame := <-received:
		assert.Equal(t, "hello frame", string(frame))
	case <-time.After(time.Second):
		t.Fatal("frame never arrived at the bound endpoint")
	}
}

func TestEndpointSendIsBidirectional(t *testing.T) {
	addr := freeTCPAddr(t)
	server := NewEndpoint(0)
	defer server.Shutdown()

	serverConns := make(chan any, 1)
	require.NoError(t, server.Bind(addr, func(conn any, frame []byte) {
		serverConns <- conn
	}, func(conn any, cause node.DisconnectCause) {}))

	client := NewEndpoint(0)
	defer client.Shutdown()
	clientReceived := make(chan []byte, 1)
	clientConn, err := client.Dial(addr, func(conn any, frame []byte) {
		clientReceived <- frame
	}, func(conn any, cause node.DisconnectCause) {})
	require.NoError(t, err)

	require.NoError(t, client.Send(clientConn, []byte("ping")))

	var serverConn any
	select {
	case serverConn = <-serverConns:
	case <-time.After(time.Second):
		t.Fatal("server never observed the accepted connection")
	}

	require.NoError(t, server.Send(serverConn, []byte("pong")))

	select {
	case frame := <-clientReceived:
		assert.Equal(t, "pong", string(frame))
	case <-time.After(time.Second):
		t.Fatal("client never received the server's reply frame")
	}
}

func TestEndpointCloseNotifiesRemoteSide(t *testing.T) {
	addr := freeTCPAddr(t)
	server := NewEndpoint(0)

	require.NoError(t, server.Bind(addr, func(conn any, frame []byte) {}, func(conn any, cause node.DisconnectCause) {}))

	client := NewEndpoint(0)
	clientClosed := make(chan node.DisconnectCause, 1)
	_, err := client.Dial(addr, func(conn any, frame []byte) {}, func(conn any, cause node.DisconnectCause) {
		clientClosed <- cause
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let the server's accept loop register the connection
	require.NoError(t, server.Shutdown())

	select {
	case <-clientClosed:
	case <-time.After(time.Second):
		t.Fatal("closing the server side never surfaced a close on the client side")
	}
	_ = client.Shutdown()
}

func TestEndpointSendOnUnknownConnFails(t *testing.T) {
	e := NewEndpoint(0)
	err := e.Send(struct{}{}, []byte("x"))
	assert.Error(t, err)
}
