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
	"crypto/ed25519"
	"crypto/hmac"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brypt-io/brypt-go/brypterr"
	"github.com/brypt-io/brypt-go/internal/logger"
	"github.com/brypt-io/brypt-go/internal/metrics"
)

// State is the Service's coarse lifecycle phase.
type State int32

const (
	StateInitial State = iota
	StateConfigured
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// defaultRekeyByteBudget is the fixed per-epoch byte ceiling the
// background rekey sweep enforces. The option catalog does not name a
// byte-budget knob, so this lives as a runtime constant rather than a
// persisted option.
const defaultRekeyByteBudget = 1 << 30 // 1 GiB

const (
	rekeyCheckInterval = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
	defaultSampleRatio = 0.2
)

// pendingHandshake is the initiator-side bookkeeping for a dial that
// has not yet received its handshake reply.
type pendingHandshake struct {
	conn        any
	protocol    Protocol
	keypairs    map[string]KEMKeyPair
	initPayload []byte
	initNonce   []byte
	timer       *time.Timer
}

// Service is the brypt node runtime: it owns the peer table, the route
// dispatcher, the request tracker, the per-connection worker pool and
// every attached Endpoint, and drives the lifecycle state machine an
// embedding host starts up and shuts down.
type Service struct {
	mu    sync.RWMutex
	state State

	identifier Identifier

	opts atomic.Pointer[Options]

	suitesMu        sync.RWMutex
	supportedSuites []string

	peers   *PeerTable
	router  *Router
	pool    *Pool
	tracker *Tracker
	events  *eventBus
	rekey   *RekeyPolicy

	logMu sync.RWMutex
	log   logger.Logger

	endpointsMu sync.RWMutex
	endpoints   map[Protocol]Endpoint

	connsMu     sync.Mutex
	connPeer    map[any]Identifier
	connProto   map[any]Protocol
	pendingConn map[any]*pendingHandshake

	identityKeysMu sync.RWMutex
	identityKeys   map[string]ed25519.PublicKey // trust-on-first-use pin, keyed by peer Identifier text

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService constructs a Service in the initial state, identified by
// id, with opts as its starting option snapshot (DefaultOptions() if
// the caller has none of its own).
func NewService(id Identifier, opts Options) *Service {
	s := &Service{
		state:       StateInitial,
		identifier:  id,
		peers:       NewPeerTable(),
		router:      NewRouter(),
		tracker:     NewTracker(),
		events:      newEventBus(),
		rekey:       NewRekeyPolicy(),
		log:         logger.NewDefaultLogger(),
		endpoints:   make(map[Protocol]Endpoint),
		connPeer:     make(map[any]Identifier),
		connProto:    make(map[any]Protocol),
		pendingConn:  make(map[any]*pendingHandshake),
		identityKeys: make(map[string]ed25519.PublicKey),
		stopCh:       make(chan struct{}),
	}
	s.opts.Store(&opts)
	s.supportedSuites = preferredSuiteOrder()

	s.router.Route("/brypt/heartbeat", HandlerFunc(s.handleHeartbeat))
	s.router.Route("/brypt/information", HandlerFunc(s.handleInformation))
	s.router.Route("/brypt/bye", HandlerFunc(s.handleBye))

	s.state = StateConfigured
	return s
}

// preferredSuiteOrder returns the catalog's tier order, highest first,
// as the default negotiation preference until SetSupportedAlgorithms
// overrides it.
func preferredSuiteOrder() []string {
	return []string{"brypt-high", "brypt-medium", "brypt-low"}
}

// State reports the Service's current lifecycle phase.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the Service is accepting traffic.
func (s *Service) IsRunning() bool { return s.State() == StateRunning }

// Identifier returns this node's identity.
func (s *Service) Identifier() Identifier { return s.identifier }

func (s *Service) currentOptions() Options {
	return *s.opts.Load()
}

func (s *Service) logger() logger.Logger {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.log
}

// RegisterLogger installs l as the Service's logger, replacing the
// default stdout/JSON logger.
func (s *Service) RegisterLogger(l logger.Logger) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.log = l
}

// Subscribe registers fn to receive lifecycle/peer events, returning
// an unsubscribe function.
func (s *Service) Subscribe(fn Subscriber) func() {
	return s.events.Subscribe(fn)
}

// SetOption applies mutate to a clone of the current Options snapshot
// and installs it atomically; mutate must not retain opts beyond the
// call. Only permitted before the Service is running, mirroring
// Router.Freeze's "configuration settles before traffic flows" rule.
func (s *Service) SetOption(mutate func(opts *Options)) error {
	s.mu.RLock()
	running := s.state == StateRunning
	s.mu.RUnlock()
	if running {
		return brypterr.New(brypterr.AlreadyStarted, "options are frozen once the service is running")
	}
	next := s.currentOptions().clone()
	mutate(&next)
	s.opts.Store(&next)
	return nil
}

// GetOption returns the current Options snapshot.
func (s *Service) GetOption() Options { return s.currentOptions() }

// SetSupportedAlgorithms installs ids as the ordered cipher-suite
// preference used on the initiator side of the next handshake; ids
// must name suites present in the catalog.
func (s *Service) SetSupportedAlgorithms(ids []string) error {
	for _, id := range ids {
		if _, ok := LookupSuite(id); !ok {
			return brypterr.New(brypterr.NotSupported, "unknown cipher suite: "+id)
		}
	}
	s.suitesMu.Lock()
	s.supportedSuites = append([]string(nil), ids...)
	s.suitesMu.Unlock()
	return nil
}

func (s *Service) supportedAlgorithms() []string {
	s.suitesMu.RLock()
	defer s.suitesMu.RUnlock()
	return append([]string(nil), s.supportedSuites...)
}

// Route registers handler at path, logging a warning if it overrides
// one of the five reserved builtin routes.
func (s *Service) Route(path string, handler Handler) error {
	overridden, err := s.router.Route(path, handler)
	if err != nil {
		return err
	}
	if overridden {
		s.logger().Warn("route overrides a builtin handler", logger.String("route", path))
	}
	return nil
}

// Startup transitions configured → running: it loads bootstrap peers
// if configured to, freezes the route table, starts the background
// rekey sweep, and emits runtime_started.
func (s *Service) Startup() error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return brypterr.ErrAlreadyStarted
	}
	s.state = StateRunning
	s.mu.Unlock()

	opts := s.currentOptions()
	s.pool = NewPool(ResolveCoreThreads(opts.CoreThreads))
	s.router.Freeze()

	if opts.UseBootstraps {
		addrs, err := LoadBootstrapPeers(opts.BasePath, opts.PeersFilename)
		if err != nil {
			s.logger().Warn("failed to load bootstrap peers", logger.Error(err))
		}
		for _, addr := range addrs {
			if err := s.Connect(addr); err != nil {
				s.logger().Warn("bootstrap dial failed", logger.String("address", addr.String()), logger.Error(err))
			}
		}
	}

	s.wg.Add(1)
	go s.runRekeySweep()

	s.events.Emit(Event{Kind: EventRuntimeStarted})
	return nil
}

// Shutdown transitions running → stopped: it closes every attached
// Endpoint, disconnects every peer, drains the worker pool, and emits
// runtime_stopped exactly once.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return brypterr.ErrNotStarted
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.endpointsMu.Lock()
	for proto, ep := range s.endpoints {
		if err := ep.Shutdown(); err != nil {
			s.logger().Warn("endpoint shutdown failed", logger.String("protocol", string(proto)), logger.Error(err))
		}
	}
	s.endpoints = make(map[Protocol]Endpoint)
	s.endpointsMu.Unlock()

	for _, peer := range s.peers.Authorized() {
		s.teardownPeer(peer, CauseShutdown)
	}

	if s.pool != nil {
		s.pool.Shutdown()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.events.Emit(Event{Kind: EventRuntimeStopped})
	s.events.Close()
	return nil
}

func (s *Service) runRekeySweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(rekeyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, peer := range s.peers.Authorized() {
				session := peer.Session()
				if session == nil {
					continue
				}
				if s.rekey.ShouldRekey(peer.ID(), session, defaultRekeyByteBudget) {
					if err := s.initiateRekey(peer); err != nil {
						s.logger().Warn("rekey proposal failed", logger.String("peer", peer.ID().String()), logger.Error(err))
					}
				}
			}
		}
	}
}

// AttachEndpoint binds ep at uri under its own Protocol, so inbound
// connections are delivered to this Service.
func (s *Service) AttachEndpoint(ep Endpoint, uri string) error {
	protocol := ep.Protocol()
	if err := ep.Bind(uri, s.makeDeliveryCallback(protocol), s.makeCloseCallback(protocol)); err != nil {
		s.events.Emit(Event{Kind: EventBindingFailed, Protocol: protocol, Err: err})
		return brypterr.Wrap(brypterr.BindingFailed, "bind endpoint", err)
	}
	s.endpointsMu.Lock()
	s.endpoints[protocol] = ep
	s.endpointsMu.Unlock()
	s.events.Emit(Event{Kind: EventEndpointStarted, Protocol: protocol})
	return nil
}

// DetachEndpoint shuts down and removes the Endpoint serving protocol.
func (s *Service) DetachEndpoint(protocol Protocol) error {
	s.endpointsMu.Lock()
	ep, ok := s.endpoints[protocol]
	delete(s.endpoints, protocol)
	s.endpointsMu.Unlock()
	if !ok {
		return brypterr.New(brypterr.NotAvailable, "no endpoint attached for protocol "+string(protocol))
	}
	if err := ep.Shutdown(); err != nil {
		return err
	}
	s.events.Emit(Event{Kind: EventEndpointStopped, Protocol: protocol})
	return nil
}

func (s *Service) makeDeliveryCallback(protocol Protocol) DeliveryCallback {
	return func(conn any, frame []byte) { s.handleFrame(protocol, conn, frame) }
}

func (s *Service) makeCloseCallback(protocol Protocol) CloseCallback {
	return func(conn any, cause DisconnectCause) { s.handleClose(protocol, conn, cause) }
}

// Connect dials addr and sends the opening handshake message; the
// resulting Peer appears in the peer table once the reply verifies.
func (s *Service) Connect(addr Address) error {
	s.endpointsMu.RLock()
	ep, ok := s.endpoints[addr.Protocol]
	s.endpointsMu.RUnlock()
	if !ok {
		return brypterr.New(brypterr.NotAvailable, "no endpoint attached for protocol "+string(addr.Protocol))
	}

	conn, err := ep.Dial(addr.URI, s.makeDeliveryCallback(addr.Protocol), s.makeCloseCallback(addr.Protocol))
	if err != nil {
		return brypterr.Wrap(brypterr.ConnectionFailed, "dial "+addr.URI, err)
	}

	keypairs, publics, err := generateKEMKeypairs(s.supportedAlgorithms())
	if err != nil {
		_ = ep.Close(conn)
		return err
	}
	nonce, err := randomNonce(16)
	if err != nil {
		_ = ep.Close(conn)
		return err
	}

	init := handshakeInit{
		SupportedSuites: s.supportedAlgorithms(),
		KEMPublics:      publics,
		Nonce:           nonce,
		NetworkToken:    s.currentOptions().NetworkToken,
	}
	payload, err := marshalJSON(init)
	if err != nil {
		_ = ep.Close(conn)
		return err
	}

	parcel := &Parcel{
		Type:        ParcelHandshake,
		Flags:       FlagIsRequest,
		Source:      s.identifier,
		Destination: Broadcast,
		Route:       "/brypt/handshake",
		Payload:     payload,
	}
	frame, err := parcel.Encode()
	if err != nil {
		_ = ep.Close(conn)
		return err
	}

	pending := &pendingHandshake{conn: conn, protocol: addr.Protocol, keypairs: keypairs, initPayload: payload, initNonce: nonce}
	pending.timer = time.AfterFunc(handshakeTimeout, func() { s.expireHandshake(conn) })

	s.connsMu.Lock()
	s.pendingConn[conn] = pending
	s.connProto[conn] = addr.Protocol
	s.connsMu.Unlock()

	if err := ep.Send(conn, frame); err != nil {
		s.connsMu.Lock()
		delete(s.pendingConn, conn)
		delete(s.connProto, conn)
		s.connsMu.Unlock()
		_ = ep.Close(conn)
		return brypterr.Wrap(brypterr.ConnectionFailed, "send handshake init", err)
	}
	metrics.HandshakesInitiated.WithLabelValues("client").Inc()
	return nil
}

func (s *Service) expireHandshake(conn any) {
	s.connsMu.Lock()
	pending, ok := s.pendingConn[conn]
	delete(s.pendingConn, conn)
	s.connsMu.Unlock()
	if !ok {
		return
	}
	s.logger().Warn("handshake timed out", logger.String("protocol", string(pending.protocol)))
	metrics.HandshakesFailed.WithLabelValues("timeout").Inc()
	s.closeConn(pending.protocol, conn)
}

func (s *Service) closeConn(protocol Protocol, conn any) {
	s.endpointsMu.RLock()
	ep, ok := s.endpoints[protocol]
	s.endpointsMu.RUnlock()
	if ok {
		_ = ep.Close(conn)
	}
}

// Disconnect tears down the named peer's session and connection.
func (s *Service) Disconnect(id Identifier) error {
	peer, ok := s.peers.Get(id)
	if !ok {
		return brypterr.ErrNotConnected
	}
	s.teardownPeer(peer, CauseShutdown)
	return nil
}

func (s *Service) teardownPeer(peer *Peer, cause DisconnectCause) {
	handle := peer.ConnectionHandle()
	s.connsMu.Lock()
	proto, hasProto := s.connProto[handle]
	delete(s.connPeer, handle)
	delete(s.connProto, handle)
	s.connsMu.Unlock()

	peer.Disconnect(cause)
	s.peers.Remove(peer.ID())
	if s.pool != nil {
		s.pool.RemoveLane(peer.ID())
	}
	metrics.PeersConnected.Dec()
	if cause == CauseTimeout {
		metrics.SessionsExpired.Inc()
	}
	if hasProto {
		s.closeConn(proto, handle)
	}
	s.events.Emit(Event{Kind: EventPeerDisconnected, PeerID: peer.ID(), Cause: cause})
}

func (s *Service) handleClose(protocol Protocol, conn any, cause DisconnectCause) {
	s.connsMu.Lock()
	id, known := s.connPeer[conn]
	delete(s.pendingConn, conn)
	s.connsMu.Unlock()
	if !known {
		return
	}
	if peer, ok := s.peers.Get(id); ok {
		s.teardownPeer(peer, cause)
	}
}

func (s *Service) endpointForPeer(peer *Peer) Endpoint {
	handle := peer.ConnectionHandle()
	s.connsMu.Lock()
	proto, ok := s.connProto[handle]
	s.connsMu.Unlock()
	if !ok {
		return nil
	}
	s.endpointsMu.RLock()
	defer s.endpointsMu.RUnlock()
	return s.endpoints[proto]
}

// sendToPeer seals application/control parcels under the peer's active
// session, encodes the frame and hands it to the attached Endpoint.
func (s *Service) sendToPeer(peer *Peer, p *Parcel) error {
	if p.Type != ParcelHandshake {
		session := peer.Session()
		if session == nil {
			return brypterr.ErrNotConnected
		}
		if err := SealParcel(session, p); err != nil {
			return err
		}
	}
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	ep := s.endpointForPeer(peer)
	if ep == nil {
		return brypterr.New(brypterr.NotConnected, "peer has no attached endpoint")
	}
	if err := ep.Send(peer.ConnectionHandle(), frame); err != nil {
		return err
	}
	peer.RecordSent(1)
	return nil
}

// handleFrame is every Endpoint's DeliveryCallback. Handshake frames
// travel unencrypted and are routed to onHandshakeFrame directly,
// since the peer they belong to does not exist in the table yet and
// the generic path below needs a known peer to find a session.
func (s *Service) handleFrame(protocol Protocol, conn any, frame []byte) {
	if len(frame) < 3 {
		metrics.InvalidFrames.WithLabelValues("short_frame").Inc()
		return
	}
	ptype := ParcelType(frame[1])

	if ptype == ParcelHandshake {
		parcel, err := DecodeParcel(frame, 0)
		if err != nil {
			metrics.InvalidFrames.WithLabelValues("decode_error").Inc()
			return
		}
		s.onHandshakeFrame(protocol, conn, parcel)
		return
	}

	s.connsMu.Lock()
	id, known := s.connPeer[conn]
	s.connsMu.Unlock()
	if !known {
		metrics.InvalidFrames.WithLabelValues("unauthenticated_frame").Inc()
		return
	}
	peer, ok := s.peers.Get(id)
	if !ok {
		metrics.InvalidFrames.WithLabelValues("unknown_peer").Inc()
		return
	}
	session := peer.Session()
	if session == nil {
		metrics.InvalidFrames.WithLabelValues("no_session").Inc()
		return
	}

	flags := Flags(frame[2])
	macSize := 0
	if flags.has(FlagIsEncrypted) {
		macSize = TrailerSize(session.Suite())
	}
	parcel, err := DecodeParcel(frame, macSize)
	if err != nil {
		metrics.InvalidFrames.WithLabelValues("decode_error").Inc()
		return
	}

	if flags.has(FlagIsEncrypted) {
		plaintext, err := OpenParcel(session, parcel)
		if err != nil {
			metrics.InvalidFrames.WithLabelValues("mac_failure").Inc()
			if session.ShouldFlag() {
				peer.Flag()
				metrics.PeersFlagged.Inc()
			}
			return
		}
		parcel.Payload = plaintext
	}
	peer.RecordReceived(1)

	if err := s.pool.Submit(id, func() { s.dispatchInbound(peer, parcel) }); err != nil {
		metrics.InvalidFrames.WithLabelValues("pool_closed").Inc()
	}
}

func (s *Service) dispatchInbound(peer *Peer, parcel *Parcel) {
	started := time.Now()
	defer func() { metrics.MessageProcessingDuration.Observe(time.Since(started).Seconds()) }()
	metrics.MessageSize.Observe(float64(len(parcel.Payload)))

	// Rekey negotiation travels as a control parcel addressed to the
	// reserved /brypt/rekey route on both legs (proposal and reply); it
	// must be intercepted before the generic reply-resolution branch
	// below, since a rekeyReply also carries FlagIsReply but was never
	// registered with the request tracker.
	if parcel.Type == ParcelControl && parcel.Route == "/brypt/rekey" {
		s.handleRekeyFrame(peer, parcel)
		return
	}

	if parcel.IsReply() {
		s.tracker.Resolve(parcel.Source, parcel.RequestKey, parcel.StatusCode, parcel.Payload)
		metrics.RequestsPending.Set(float64(s.tracker.Pending()))
		metrics.MessagesProcessed.WithLabelValues(parcel.Type.String(), "success").Inc()
		return
	}

	status, replyPayload, fireAndForget, deferral, err := s.router.Dispatch(parcel.Route, parcel.Source, parcel.RequestKey, parcel.Payload)
	if err != nil {
		s.logger().Error("route dispatch failed", logger.String("route", parcel.Route), logger.Error(err))
		metrics.MessagesProcessed.WithLabelValues(parcel.Type.String(), "failure").Inc()
		return
	}
	metrics.MessagesProcessed.WithLabelValues(parcel.Type.String(), "success").Inc()

	switch {
	case fireAndForget != nil:
		// Fire-and-forget local re-route: the secondary handler's own
		// outcome, if any, is discarded rather than replied to the
		// original requester.
		_, _, _, _, _ = s.router.Dispatch(fireAndForget.route, parcel.Source, RequestKey{}, fireAndForget.payload)
		return
	case deferral != nil:
		// The handler itself already registered the deferred slot (via
		// Tracker.Defer, using the requestKey it was handed) and will
		// resolve it from its own downstream response callback; there
		// is nothing left for the dispatch loop to do.
		return
	}

	if parcel.IsRequest() {
		reply := &Parcel{
			Type:        ParcelApplication,
			Flags:       FlagIsReply,
			Source:      s.identifier,
			Destination: parcel.Source,
			Route:       parcel.Route,
			RequestKey:  parcel.RequestKey,
			StatusCode:  status,
			Payload:     replyPayload,
		}
		if err := s.sendToPeer(peer, reply); err != nil {
			s.logger().Warn("failed to send reply", logger.String("route", parcel.Route), logger.Error(err))
		}
	}
}

// --- handshake processing ---

func (s *Service) onHandshakeFrame(protocol Protocol, conn any, parcel *Parcel) {
	if parcel.IsRequest() {
		s.respondToHandshakeInit(protocol, conn, parcel)
		return
	}
	if parcel.IsReply() {
		s.completeHandshakeInitiator(conn, parcel)
		return
	}
}

func (s *Service) respondToHandshakeInit(protocol Protocol, conn any, parcel *Parcel) {
	metrics.HandshakesInitiated.WithLabelValues("server").Inc()
	started := time.Now()
	defer func() { metrics.HandshakeDuration.WithLabelValues("process").Observe(time.Since(started).Seconds()) }()

	var in handshakeInit
	if err := unmarshalJSON(parcel.Payload, &in); err != nil {
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	token := s.currentOptions().NetworkToken
	if token != "" && token != in.NetworkToken {
		s.logger().Warn("handshake rejected: network token mismatch", logger.String("peer", parcel.Source.String()))
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	suite, err := SelectSuite(in.SupportedSuites, s.supportedAlgorithms())
	if err != nil {
		s.logger().Warn("handshake rejected: no common cipher suite", logger.String("peer", parcel.Source.String()))
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	peerPublic, ok := in.KEMPublics[suite.ID]
	if !ok {
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}
	ciphertext, secret, err := suite.KEM.Encapsulate(peerPublic)
	if err != nil {
		s.logger().Warn("handshake encapsulation failed", logger.Error(err))
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("network").Inc()
		return
	}

	session, err := NewSession(suite, secret, parcel.Source, false)
	if err != nil {
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	responderNonce, err := randomNonce(16)
	if err != nil {
		s.closeConn(protocol, conn)
		return
	}
	transcript := handshakeTranscript(parcel.Payload, suite.ID, ciphertext, in.Nonce, responderNonce)
	mac := session.TranscriptMAC(transcript)

	out := handshakeReply{ChosenSuite: suite.ID, KEMCiphertext: ciphertext, Nonce: responderNonce, MAC: mac}
	if signer := s.identifier.Signer(); signer != nil {
		signStarted := time.Now()
		sig, err := signer.Sign(transcript)
		metrics.CryptoOperationDuration.WithLabelValues("sign", "ed25519").Observe(time.Since(signStarted).Seconds())
		if err != nil {
			metrics.CryptoErrors.WithLabelValues("sign").Inc()
			s.logger().Warn("handshake transcript signing failed", logger.Error(err))
		} else if pub, ok := signer.PublicKey().(ed25519.PublicKey); ok {
			metrics.CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
			out.IdentityPublicKey = pub
			out.Signature = sig
		}
	}

	replyPayload, err := marshalJSON(out)
	if err != nil {
		s.closeConn(protocol, conn)
		return
	}
	reply := &Parcel{
		Type:        ParcelHandshake,
		Flags:       FlagIsReply,
		Source:      s.identifier,
		Destination: parcel.Source,
		Route:       "/brypt/handshake",
		Payload:     replyPayload,
	}
	frame, err := reply.Encode()
	if err != nil {
		s.closeConn(protocol, conn)
		return
	}

	s.endpointsMu.RLock()
	ep, ok := s.endpoints[protocol]
	s.endpointsMu.RUnlock()
	if !ok || ep.Send(conn, frame) != nil {
		s.closeConn(protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("network").Inc()
		return
	}

	s.promotePeer(protocol, conn, parcel.Source, session)
}

func (s *Service) completeHandshakeInitiator(conn any, parcel *Parcel) {
	s.connsMu.Lock()
	pending, ok := s.pendingConn[conn]
	delete(s.pendingConn, conn)
	s.connsMu.Unlock()
	if !ok {
		return
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}
	started := time.Now()
	defer func() { metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(started).Seconds()) }()

	var reply handshakeReply
	if err := unmarshalJSON(parcel.Payload, &reply); err != nil {
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	suite, ok := LookupSuite(reply.ChosenSuite)
	if !ok {
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}
	kp, ok := pending.keypairs[reply.ChosenSuite]
	if !ok {
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}
	secret, err := kp.Decapsulate(reply.KEMCiphertext)
	if err != nil {
		s.logger().Warn("handshake decapsulation failed", logger.Error(err))
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	session, err := NewSession(suite, secret, s.identifier, true)
	if err != nil {
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	transcript := handshakeTranscript(pending.initPayload, suite.ID, reply.KEMCiphertext, pending.initNonce, reply.Nonce)
	expected := session.TranscriptMAC(transcript)
	if !hmac.Equal(expected, reply.MAC) {
		s.logger().Warn("handshake transcript MAC mismatch", logger.String("peer", parcel.Source.String()))
		s.closeConn(pending.protocol, conn)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return
	}

	if len(reply.Signature) > 0 && len(reply.IdentityPublicKey) > 0 {
		if !s.verifyIdentitySignature(parcel.Source, reply.IdentityPublicKey, transcript, reply.Signature) {
			s.logger().Warn("handshake identity signature rejected", logger.String("peer", parcel.Source.String()))
			s.closeConn(pending.protocol, conn)
			metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
			return
		}
	}

	s.promotePeer(pending.protocol, conn, parcel.Source, session)
}

// verifyIdentitySignature checks a responder's advertised Ed25519
// public key against this Service's trust-on-first-use pin for id,
// then verifies the transcript signature against it. The first
// connection from a given persistent identifier pins its public key;
// every later connection must present the same key, so a compromised
// session secret alone cannot impersonate a previously-seen identity.
func (s *Service) verifyIdentitySignature(id Identifier, advertised, transcript, signature []byte) bool {
	verifyStarted := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("verify", "ed25519").Observe(time.Since(verifyStarted).Seconds())
	}()
	key := id.String()
	s.identityKeysMu.Lock()
	pinned, known := s.identityKeys[key]
	if !known {
		pinned = append(ed25519.PublicKey(nil), advertised...)
		s.identityKeys[key] = pinned
	}
	s.identityKeysMu.Unlock()

	if !hmac.Equal(pinned, advertised) {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		return false
	}
	ok := ed25519.Verify(pinned, transcript, signature)
	if ok {
		metrics.CryptoOperations.WithLabelValues("verify", "ed25519").Inc()
	} else {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
	}
	return ok
}

// promotePeer installs an authorized Peer for id once a handshake
// round has verified, shared by both the initiator and responder
// completion paths.
func (s *Service) promotePeer(protocol Protocol, conn any, id Identifier, session *Session) {
	peer := NewPeer(id, nil)
	peer.MarkConnected(conn)
	if err := peer.Authorize(session); err != nil {
		s.closeConn(protocol, conn)
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return
	}
	s.peers.Put(peer)

	s.connsMu.Lock()
	s.connPeer[conn] = id
	s.connProto[conn] = protocol
	s.connsMu.Unlock()

	metrics.PeersConnected.Inc()
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	s.events.Emit(Event{Kind: EventPeerConnected, PeerID: id, Protocol: protocol})
}

// --- rekey processing ---

func (s *Service) initiateRekey(peer *Peer) error {
	session := peer.Session()
	if session == nil {
		return brypterr.ErrNotConnected
	}
	suite := session.Suite()
	kp, err := suite.KEM.GenerateKeyPair()
	if err != nil {
		return err
	}
	nonce, err := randomNonce(16)
	if err != nil {
		return err
	}
	payload, err := marshalJSON(rekeyInit{KEMPublic: kp.PublicBytes(), Nonce: nonce})
	if err != nil {
		return err
	}
	peer.SetPendingRekey(kp)

	parcel := &Parcel{
		Type:        ParcelControl,
		Flags:       FlagIsRequest,
		Source:      s.identifier,
		Destination: peer.ID(),
		Route:       "/brypt/rekey",
		Payload:     payload,
	}
	return s.sendToPeer(peer, parcel)
}

func (s *Service) handleRekeyFrame(peer *Peer, parcel *Parcel) {
	session := peer.Session()
	if session == nil {
		return
	}

	if parcel.IsRequest() {
		var in rekeyInit
		if err := unmarshalJSON(parcel.Payload, &in); err != nil {
			return
		}
		suite := session.Suite()
		ciphertext, secret, err := suite.KEM.Encapsulate(in.KEMPublic)
		if err != nil {
			s.logger().Warn("rekey encapsulation failed", logger.Error(err))
			return
		}
		nonce, err := randomNonce(16)
		if err != nil {
			return
		}
		replyPayload, err := marshalJSON(rekeyReply{KEMCiphertext: ciphertext, Nonce: nonce})
		if err != nil {
			return
		}
		reply := &Parcel{
			Type:        ParcelControl,
			Flags:       FlagIsReply,
			Source:      s.identifier,
			Destination: peer.ID(),
			Route:       "/brypt/rekey",
			Payload:     replyPayload,
		}
		// Sent under the still-active pre-rekey epoch; the peer has not
		// rekeyed locally yet and would fail to decrypt a new-epoch frame.
		if err := s.sendToPeer(peer, reply); err != nil {
			s.logger().Warn("failed to send rekey reply", logger.Error(err))
			return
		}
		from, to, err := session.Rekey(secret)
		if err != nil {
			s.logger().Warn("rekey install failed", logger.Error(err))
			return
		}
		s.rekey.RecordRekey(peer.ID(), from, to, "responder_accepted")
		return
	}

	if parcel.IsReply() {
		kp := peer.TakePendingRekey()
		if kp == nil {
			return
		}
		var reply rekeyReply
		if err := unmarshalJSON(parcel.Payload, &reply); err != nil {
			return
		}
		secret, err := kp.Decapsulate(reply.KEMCiphertext)
		if err != nil {
			s.logger().Warn("rekey decapsulation failed", logger.Error(err))
			return
		}
		from, to, err := session.Rekey(secret)
		if err != nil {
			s.logger().Warn("rekey install failed", logger.Error(err))
			return
		}
		s.rekey.RecordRekey(peer.ID(), from, to, "initiator_budget")
	}
}

// --- builtin route handlers ---

func (s *Service) handleHeartbeat(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
	return next.Respond(StatusOK, nil)
}

func (s *Service) handleInformation(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
	info := fmt.Sprintf(`{"identifier":%q,"peers":%d,"state":%q}`, s.identifier.String(), s.peers.Count(), s.State().String())
	return next.Respond(StatusOK, []byte(info))
}

func (s *Service) handleBye(source Identifier, requestKey RequestKey, payload []byte, next Next) error {
	if peer, ok := s.peers.Get(source); ok {
		go s.teardownPeer(peer, CauseRemoteClosed)
	}
	return next.Respond(StatusOK, nil)
}

// --- outbound request/notify surface ---

// Request issues a directed request to id, resolving via onResp/onErr
// — unless this request is itself the downstream half of a deferred
// reply, in which case its outcome is routed to the original requester
// instead and onResp/onErr are never called.
func (s *Service) Request(id Identifier, route string, payload []byte, deadline time.Duration, onResp ResponseCallback, onErr ErrorCallback) (RequestKey, error) {
	peer, ok := s.peers.Get(id)
	if !ok || !peer.IsAuthorized() {
		return RequestKey{}, brypterr.ErrNotConnected
	}
	var key RequestKey
	wrappedResp, wrappedErr := s.wrapRequestCallbacks(FlavorDirected, &key, onResp, onErr)
	k, err := s.tracker.Begin(FlavorDirected, []Identifier{id}, deadline, wrappedResp, wrappedErr)
	if err != nil {
		return RequestKey{}, err
	}
	key = k
	metrics.RequestsPending.Set(float64(s.tracker.Pending()))
	parcel := &Parcel{Type: ParcelApplication, Flags: FlagIsRequest, Source: s.identifier, Destination: id, Route: route, RequestKey: key, Payload: payload}
	if err := s.sendToPeer(peer, parcel); err != nil {
		s.tracker.Cancel(key, err)
		return RequestKey{}, err
	}
	return key, nil
}

// BroadcastRequest issues route to every currently authorized peer,
// fixing the recipient set at issue time.
func (s *Service) BroadcastRequest(route string, payload []byte, deadline time.Duration, onResp ResponseCallback, onErr ErrorCallback) (RequestKey, error) {
	authorized := s.peers.Authorized()
	ids := make([]Identifier, len(authorized))
	for i, p := range authorized {
		ids[i] = p.ID()
	}
	var key RequestKey
	wrappedResp, wrappedErr := s.wrapRequestCallbacks(FlavorBroadcast, &key, onResp, onErr)
	k, err := s.tracker.Begin(FlavorBroadcast, ids, deadline, wrappedResp, wrappedErr)
	if err != nil {
		return RequestKey{}, err
	}
	key = k
	metrics.RequestsPending.Set(float64(s.tracker.Pending()))
	for _, peer := range authorized {
		parcel := &Parcel{Type: ParcelApplication, Flags: FlagIsRequest | FlagIsBroadcast, Source: s.identifier, Destination: peer.ID(), Route: route, RequestKey: key, Payload: payload}
		if err := s.sendToPeer(peer, parcel); err != nil {
			s.logger().Warn("broadcast send failed", logger.String("peer", peer.ID().String()), logger.Error(err))
		}
	}
	return key, nil
}

// SampleRequest issues route to a Bernoulli sample of authorized peers
// at ratio (defaultSampleRatio if ratio<=0).
func (s *Service) SampleRequest(route string, payload []byte, ratio float64, deadline time.Duration, onResp ResponseCallback, onErr ErrorCallback) (RequestKey, error) {
	if ratio <= 0 {
		ratio = defaultSampleRatio
	}
	sampled, err := SampleRecipients(s.peers.Authorized(), ratio)
	if err != nil {
		return RequestKey{}, err
	}
	ids := make([]Identifier, len(sampled))
	for i, p := range sampled {
		ids[i] = p.ID()
	}
	var key RequestKey
	wrappedResp, wrappedErr := s.wrapRequestCallbacks(FlavorSampled, &key, onResp, onErr)
	k, err := s.tracker.Begin(FlavorSampled, ids, deadline, wrappedResp, wrappedErr)
	if err != nil {
		return RequestKey{}, err
	}
	key = k
	metrics.RequestsPending.Set(float64(s.tracker.Pending()))
	for _, peer := range sampled {
		parcel := &Parcel{Type: ParcelApplication, Flags: FlagIsRequest, Source: s.identifier, Destination: peer.ID(), Route: route, RequestKey: key, Payload: payload}
		if err := s.sendToPeer(peer, parcel); err != nil {
			s.logger().Warn("sampled send failed", logger.String("peer", peer.ID().String()), logger.Error(err))
		}
	}
	return key, nil
}

// Defer registers a deferred reply slot: a Handler that calls
// Next.Defer must also call this, naming the inbound request it is
// deferring (source, original — both handed to it by Router.Dispatch)
// and the downstream RequestKey it just received from Request. The
// downstream request's eventual outcome then resolves the original
// inbound request directly, bypassing that Request call's own
// onResp/onErr.
func (s *Service) Defer(source Identifier, original, downstream RequestKey, notice string) {
	s.tracker.Defer(source, original, downstream, notice)
}

// wrapRequestCallbacks wires a Request-family call's user-supplied
// callbacks behind the deferred-reply check: if key turns out to be
// the downstream half of a deferred slot, the outcome is forwarded to
// the original requester instead of to onResp/onErr. key is written by
// the caller immediately after Begin returns, before either wrapped
// callback can fire.
func (s *Service) wrapRequestCallbacks(flavor RequestFlavor, key *RequestKey, onResp ResponseCallback, onErr ErrorCallback) (ResponseCallback, ErrorCallback) {
	wrappedResp := func(source Identifier, status uint16, payload []byte) {
		resolved, _ := s.tracker.ResolveDeferred(*key, status, payload, s.resolveDeferredReply)
		metrics.RequestsCompleted.WithLabelValues(string(flavor), "response").Inc()
		if !resolved && onResp != nil {
			onResp(source, status, payload)
		}
	}
	wrappedErr := func(source Identifier, err error) {
		resolved, _ := s.tracker.ResolveDeferred(*key, StatusUpstreamFailure, []byte(err.Error()), s.resolveDeferredReply)
		outcome := "error"
		if brypterr.CodeOf(err) == brypterr.Timeout {
			outcome = "timeout"
		}
		metrics.RequestsCompleted.WithLabelValues(string(flavor), outcome).Inc()
		if !resolved && onErr != nil {
			onErr(source, err)
		}
	}
	return wrappedResp, wrappedErr
}

// resolveDeferredReply sends a deferred slot's resolved outcome to the
// peer that issued the original inbound request.
func (s *Service) resolveDeferredReply(source Identifier, original RequestKey, status uint16, payload []byte) {
	peer, ok := s.peers.Get(source)
	if !ok {
		return
	}
	reply := &Parcel{
		Type:        ParcelApplication,
		Flags:       FlagIsReply,
		Source:      s.identifier,
		Destination: source,
		RequestKey:  original,
		StatusCode:  status,
		Payload:     payload,
	}
	if err := s.sendToPeer(peer, reply); err != nil {
		s.logger().Warn("failed to send deferred reply", logger.String("peer", source.String()), logger.Error(err))
	}
}

// Notify sends a fire-and-forget message to id: no RequestKey, no
// reply expected, no tracker entry.
func (s *Service) Notify(id Identifier, route string, payload []byte) error {
	peer, ok := s.peers.Get(id)
	if !ok || !peer.IsAuthorized() {
		return brypterr.ErrNotConnected
	}
	parcel := &Parcel{Type: ParcelApplication, Source: s.identifier, Destination: id, Route: route, Payload: payload}
	return s.sendToPeer(peer, parcel)
}

// BroadcastNotify sends a fire-and-forget message to every currently
// authorized peer.
func (s *Service) BroadcastNotify(route string, payload []byte) error {
	for _, peer := range s.peers.Authorized() {
		parcel := &Parcel{Type: ParcelApplication, Flags: FlagIsBroadcast, Source: s.identifier, Destination: peer.ID(), Route: route, Payload: payload}
		if err := s.sendToPeer(peer, parcel); err != nil {
			s.logger().Warn("broadcast notify failed", logger.String("peer", peer.ID().String()), logger.Error(err))
		}
	}
	return nil
}

