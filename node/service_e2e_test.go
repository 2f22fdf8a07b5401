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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProtocol exercises the Endpoint contract over an in-process
// medium instead of a real socket, so the handshake/dispatch paths in
// Service can be driven end to end without a network.
const fakeProtocol Protocol = "fake-loopback"

// fakeProtocol2 gives a Service a second, independently-addressed
// endpoint, needed when a single Service plays responder on one link
// and initiator on another (a relay hop in a three-party flow).
const fakeProtocol2 Protocol = "fake-loopback-2"

type fakeRoute struct {
	onFrame DeliveryCallback
	onClose CloseCallback
}

// fakeNetwork is the shared medium a pair of fakeEndpoints dial/bind
// against, keyed by the uri passed to Bind.
type fakeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*fakeEndpoint
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{listeners: make(map[string]*fakeEndpoint)}
}

// fakeEndpoint is a node.Endpoint backed by fakeNetwork: Send/Close
// deliver directly into the counterpart's registered callbacks on a
// separate goroutine, mirroring a real transport's async read loop.
type fakeEndpoint struct {
	net      *fakeNetwork
	protocol Protocol

	mu         sync.Mutex
	boundFrame DeliveryCallback
	boundClose CloseCallback
	routes     map[any]fakeRoute
}

func newFakeEndpoint(net *fakeNetwork) *fakeEndpoint {
	return newFakeEndpointOn(net, fakeProtocol)
}

// newFakeEndpointOn builds a fakeEndpoint advertising protocol, for
// tests where one Service needs two independently-dialable endpoints
// (e.g. a relay hop that is a responder on one link and an initiator
// on another).
func newFakeEndpointOn(net *fakeNetwork, protocol Protocol) *fakeEndpoint {
	return &fakeEndpoint{net: net, protocol: protocol, routes: make(map[any]fakeRoute)}
}

func (e *fakeEndpoint) Protocol() Protocol { return e.protocol }

func (e *fakeEndpoint) Bind(uri string, onFrame DeliveryCallback, onClose CloseCallback) error {
	e.mu.Lock()
	e.boundFrame, e.boundClose = onFrame, onClose
	e.mu.Unlock()

	e.net.mu.Lock()
	e.net.listeners[uri] = e
	e.net.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) Dial(uri string, onFrame DeliveryCallback, onClose CloseCallback) (any, error) {
	e.net.mu.Lock()
	target, ok := e.net.listeners[uri]
	e.net.mu.Unlock()
	if !ok {
		return nil, fakeEndpointError{"no listener bound at " + uri}
	}

	handle := new(int)
	e.mu.Lock()
	e.routes[handle] = fakeRoute{onFrame: target.boundFrame, onClose: target.boundClose}
	e.mu.Unlock()

	target.mu.Lock()
	target.routes[handle] = fakeRoute{onFrame: onFrame, onClose: onClose}
	target.mu.Unlock()
	return handle, nil
}

func (e *fakeEndpoint) Send(conn any, frame []byte) error {
	e.mu.Lock()
	route, ok := e.routes[conn]
	e.mu.Unlock()
	if !ok {
		return fakeEndpointError{"unknown connection"}
	}
	go route.onFrame(conn, frame)
	return nil
}

func (e *fakeEndpoint) Close(conn any) error {
	e.mu.Lock()
	route, ok := e.routes[conn]
	delete(e.routes, conn)
	e.mu.Unlock()
	if ok && route.onClose != nil {
		go route.onClose(conn, CauseRemoteClosed)
	}
	return nil
}

func (e *fakeEndpoint) Shutdown() error {
	e.mu.Lock()
	e.routes = make(map[any]fakeRoute)
	e.mu.Unlock()
	return nil
}

type fakeEndpointError struct{ msg string }

func (e fakeEndpointError) Error() string { return "fake endpoint: " + e.msg }

// newPairedServices constructs two Services with fake endpoints
// attached but not yet started, so callers can register routes before
// Startup freezes the table.
func newPairedServices(t *testing.T) (initiator, responder *Service, net *fakeNetwork) {
	t.Helper()
	net = newFakeNetwork()

	initiator = NewService(mustIdentifier(t), DefaultOptions())
	responder = NewService(mustIdentifier(t), DefaultOptions())

	require.NoError(t, initiator.AttachEndpoint(newFakeEndpoint(net), "fake://initiator"))
	require.NoError(t, responder.AttachEndpoint(newFakeEndpoint(net), "fake://responder"))
	return initiator, responder, net
}

// startPairedServices builds on newPairedServices, starting both
// Services and completing the handshake between them, for tests that
// only need the builtin routes.
func startPairedServices(t *testing.T) (initiator, responder *Service, net *fakeNetwork) {
	t.Helper()
	initiator, responder, net = newPairedServices(t)
	requireStartedAndConnected(t, initiator, responder)
	return initiator, responder, net
}

func requireStartedAndConnected(t *testing.T, initiator, responder *Service) {
	t.Helper()
	require.NoError(t, initiator.Startup())
	require.NoError(t, responder.Startup())
	t.Cleanup(func() {
		_ = initiator.Shutdown()
		_ = responder.Shutdown()
	})

	require.NoError(t, initiator.Connect(Address{Protocol: fakeProtocol, URI: "fake://responder"}))

	require.Eventually(t, func() bool {
		return initiator.peers.Count() == 1 && responder.peers.Count() == 1
	}, time.Second, 2*time.Millisecond, "handshake did not complete")
}

func TestServiceHandshakeAuthorizesBothPeers(t *testing.T) {
	initiator, responder, _ := startPairedServices(t)

	respPeer, ok := responder.peers.Get(initiator.Identifier())
	require.True(t, ok)
	assert.True(t, respPeer.IsAuthorized())

	initPeer, ok := initiator.peers.Get(responder.Identifier())
	require.True(t, ok)
	assert.True(t, initPeer.IsAuthorized())
}

func TestServiceRequestBuiltinHeartbeatRoute(t *testing.T) {
	initiator, responder, _ := startPairedServices(t)

	done := make(chan struct{})
	var gotStatus uint16
	_, err := initiator.Request(responder.Identifier(), "/brypt/heartbeat", nil, time.Second, func(source Identifier, status uint16, payload []byte) {
		gotStatus = status
		close(done)
	}, func(source Identifier, err error) {
		t.Errorf("unexpected request error: %v", err)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat reply never arrived")
	}
	assert.Equal(t, StatusOK, gotStatus)
}

func TestServiceRequestBuiltinInformationRouteCarriesIdentifier(t *testing.T) {
	initiator, responder, _ := startPairedServices(t)

	done := make(chan struct{})
	var gotPayload []byte
	_, err := initiator.Request(responder.Identifier(), "/brypt/information", nil, time.Second, func(source Identifier, status uint16, payload []byte) {
		gotPayload = payload
		close(done)
	}, func(source Identifier, err error) {
		t.Errorf("unexpected request error: %v", err)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("information reply never arrived")
	}
	assert.Contains(t, string(gotPayload), responder.Identifier().String())
}

func TestServiceRequestCustomRouteEchoesPayload(t *testing.T) {
	initiator, responder, _ := newPairedServices(t)

	require.NoError(t, responder.Route("/echo", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		return next.Respond(StatusOK, append([]byte("echo:"), payload...))
	})))
	requireStartedAndConnected(t, initiator, responder)

	done := make(chan struct{})
	var gotPayload []byte
	var gotStatus uint16
	_, err := initiator.Request(responder.Identifier(), "/echo", []byte("ping"), time.Second, func(source Identifier, status uint16, payload []byte) {
		gotStatus, gotPayload = status, payload
		close(done)
	}, func(source Identifier, err error) {
		t.Errorf("unexpected request error: %v", err)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("echo reply never arrived")
	}
	assert.Equal(t, StatusOK, gotStatus)
	assert.Equal(t, "echo:ping", string(gotPayload))
}

func TestServiceNotifyDeliversFireAndForgetWithoutReply(t *testing.T) {
	initiator, responder, _ := newPairedServices(t)

	received := make(chan []byte, 1)
	require.NoError(t, responder.Route("/notice", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		received <- payload
		return nil
	})))
	requireStartedAndConnected(t, initiator, responder)

	require.NoError(t, initiator.Notify(responder.Identifier(), "/notice", []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("notify never reached the handler")
	}
}

func TestServiceRouteRejectsRegistrationAfterStartup(t *testing.T) {
	initiator, responder, _ := startPairedServices(t)
	_ = responder

	err := initiator.Route("/brand-new-route", HandlerFunc(func(Identifier, RequestKey, []byte, Next) error { return nil }))
	assert.Error(t, err, "routes must be frozen once the service is running")
}

// TestServiceSampleRequestReachesEveryPeerAtFullRatio drives
// Service.SampleRequest across several authorized peers with ratio 1,
// which SampleRecipients resolves to the whole authorized set, so
// every peer's handler fires and every reply is collected under one
// RequestKey.
func TestServiceSampleRequestReachesEveryPeerAtFullRatio(t *testing.T) {
	const responderCount = 3
	net := newFakeNetwork()
	initiator := NewService(mustIdentifier(t), DefaultOptions())
	require.NoError(t, initiator.AttachEndpoint(newFakeEndpoint(net), "fake://initiator"))

	responders := make([]*Service, responderCount)
	for i := range responders {
		r := NewService(mustIdentifier(t), DefaultOptions())
		require.NoError(t, r.Route("/sample", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
			return next.Respond(StatusOK, payload)
		})))
		uri := "fake://responder" + string(rune('a'+i))
		require.NoError(t, r.AttachEndpoint(newFakeEndpoint(net), uri))
		responders[i] = r
	}

	require.NoError(t, initiator.Startup())
	t.Cleanup(func() { _ = initiator.Shutdown() })
	for i, r := range responders {
		require.NoError(t, r.Startup())
		t.Cleanup(func() { _ = r.Shutdown() })
		uri := "fake://responder" + string(rune('a'+i))
		require.NoError(t, initiator.Connect(Address{Protocol: fakeProtocol, URI: uri}))
	}
	require.Eventually(t, func() bool {
		return initiator.peers.Count() == responderCount
	}, time.Second, 2*time.Millisecond, "handshakes did not complete")

	var mu sync.Mutex
	got := make(map[string]bool)
	done := make(chan struct{})
	_, err := initiator.SampleRequest("/sample", []byte("ping"), 1.0, time.Second, func(source Identifier, status uint16, payload []byte) {
		mu.Lock()
		got[source.String()] = true
		n := len(got)
		mu.Unlock()
		if n == responderCount {
			close(done)
		}
	}, func(source Identifier, err error) {
		t.Errorf("unexpected sample error from %s: %v", source, err)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not hear back from every sampled peer")
	}
	mu.Lock()
	assert.Len(t, got, responderCount)
	mu.Unlock()
}

// TestServiceRequestPartialReplyTimesOutOutstandingResponder covers a
// broadcast where one responder answers promptly and the other answers
// after the request's own deadline has already fired: the fast peer
// resolves via onResp, the slow one's outstanding slot is reported to
// onErr as a timeout, and its late reply arrives to a tracker entry
// that has already been removed.
func TestServiceRequestPartialReplyTimesOutOutstandingResponder(t *testing.T) {
	net := newFakeNetwork()
	initiator := NewService(mustIdentifier(t), DefaultOptions())
	require.NoError(t, initiator.AttachEndpoint(newFakeEndpoint(net), "fake://initiator"))

	fast := NewService(mustIdentifier(t), DefaultOptions())
	require.NoError(t, fast.Route("/slow-route", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		return next.Respond(StatusOK, []byte("fast-ack"))
	})))
	require.NoError(t, fast.AttachEndpoint(newFakeEndpoint(net), "fake://fast"))

	slow := NewService(mustIdentifier(t), DefaultOptions())
	require.NoError(t, slow.Route("/slow-route", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		time.Sleep(300 * time.Millisecond)
		return next.Respond(StatusOK, []byte("slow-ack"))
	})))
	require.NoError(t, slow.AttachEndpoint(newFakeEndpoint(net), "fake://slow"))

	for _, svc := range []*Service{initiator, fast, slow} {
		require.NoError(t, svc.Startup())
		t.Cleanup(func(s *Service) func() { return func() { _ = s.Shutdown() } }(svc))
	}
	require.NoError(t, initiator.Connect(Address{Protocol: fakeProtocol, URI: "fake://fast"}))
	require.NoError(t, initiator.Connect(Address{Protocol: fakeProtocol, URI: "fake://slow"}))
	require.Eventually(t, func() bool {
		return initiator.peers.Count() == 2
	}, time.Second, 2*time.Millisecond, "handshakes did not complete")

	var mu sync.Mutex
	var resolved, timedOut []Identifier
	allDone := make(chan struct{})
	_, err := initiator.BroadcastRequest("/slow-route", nil, 100*time.Millisecond, func(source Identifier, status uint16, payload []byte) {
		mu.Lock()
		resolved = append(resolved, source)
		mu.Unlock()
	}, func(source Identifier, err error) {
		mu.Lock()
		timedOut = append(timedOut, source)
		done := len(resolved)+len(timedOut) >= 2
		mu.Unlock()
		if done {
			close(allDone)
		}
	})
	require.NoError(t, err)

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast request never reached a terminal state for both peers")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	require.Len(t, timedOut, 1)
	assert.Equal(t, fast.Identifier(), resolved[0])
	assert.Equal(t, slow.Identifier(), timedOut[0])
}

// TestServiceDeferredReplyRelaysThirdPartyResponse drives the
// three-party deferred-reply flow: the middle Service's handler for
// A's inbound request defers via Next.Defer, issues its own Request
// to a third Service, and links the two with Service.Defer — so the
// third party's eventual reply is forwarded back to A as the
// resolution of A's original request, without A's Request ever seeing
// the middle hop's own onResp/onErr.
func TestServiceDeferredReplyRelaysThirdPartyResponse(t *testing.T) {
	netAB := newFakeNetwork()
	netBC := newFakeNetwork()

	a := NewService(mustIdentifier(t), DefaultOptions())
	b := NewService(mustIdentifier(t), DefaultOptions())
	c := NewService(mustIdentifier(t), DefaultOptions())

	require.NoError(t, a.AttachEndpoint(newFakeEndpointOn(netAB, fakeProtocol), "fake://a"))
	require.NoError(t, b.AttachEndpoint(newFakeEndpointOn(netAB, fakeProtocol), "fake://b"))
	require.NoError(t, b.AttachEndpoint(newFakeEndpointOn(netBC, fakeProtocol2), "fake://b-upstream"))
	require.NoError(t, c.AttachEndpoint(newFakeEndpointOn(netBC, fakeProtocol2), "fake://c"))

	require.NoError(t, c.Route("/work", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		return next.Respond(StatusOK, append([]byte("done:"), payload...))
	})))
	require.NoError(t, b.Route("/relay", HandlerFunc(func(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
		if err := next.Defer("relaying to third party", nil); err != nil {
			return err
		}
		downstream, err := b.Request(c.Identifier(), "/work", payload, time.Second,
			func(Identifier, uint16, []byte) {},
			func(Identifier, error) {},
		)
		if err != nil {
			return err
		}
		b.Defer(source, requestKey, downstream, "relaying to third party")
		return nil
	})))

	for _, svc := range []*Service{a, b, c} {
		require.NoError(t, svc.Startup())
		t.Cleanup(func(s *Service) func() { return func() { _ = s.Shutdown() } }(svc))
	}

	require.NoError(t, b.Connect(Address{Protocol: fakeProtocol2, URI: "fake://c"}))
	require.Eventually(t, func() bool {
		return b.peers.Count() == 1 && c.peers.Count() == 1
	}, time.Second, 2*time.Millisecond, "b/c handshake did not complete")

	require.NoError(t, a.Connect(Address{Protocol: fakeProtocol, URI: "fake://b"}))
	require.Eventually(t, func() bool {
		return a.peers.Count() == 1 && b.peers.Count() == 2
	}, time.Second, 2*time.Millisecond, "a/b handshake did not complete")

	done := make(chan struct{})
	var gotStatus uint16
	var gotPayload []byte
	_, err := a.Request(b.Identifier(), "/relay", []byte("hello"), time.Second, func(source Identifier, status uint16, payload []byte) {
		gotStatus, gotPayload = status, payload
		close(done)
	}, func(source Identifier, err error) {
		t.Errorf("unexpected request error: %v", err)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred reply never reached the original requester")
	}
	assert.Equal(t, StatusOK, gotStatus)
	assert.Equal(t, "done:hello", string(gotPayload))
}
