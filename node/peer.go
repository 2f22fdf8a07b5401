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
	"sync/atomic"

	"github.com/brypt-io/brypt-go/brypterr"
)

// ConnectionState is the proxy's transport-level phase.
type ConnectionState int

const (
	ConnectionResolving ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
)

// AuthorizationState is the proxy's handshake/authorization phase.
type AuthorizationState int

const (
	Unauthorized AuthorizationState = iota
	Authorized
	Flagged
)

// DisconnectCause explains why a peer left the connected state, used
// on the peer_disconnected event.
type DisconnectCause string

const (
	CauseConnectionFailed DisconnectCause = "connection_failed"
	CauseTimeout          DisconnectCause = "timeout"
	CauseNotSupported     DisconnectCause = "not_supported"
	CauseShutdown         DisconnectCause = "shutdown_requested"
	CauseRemoteClosed     DisconnectCause = "remote_closed"
	CauseMACAbuse         DisconnectCause = "mac_abuse"
)

// PeerStats are the atomic counters that survive a disconnect until
// the proxy itself is removed from the peer table.
type PeerStats struct {
	Sent     uint64
	Received uint64
}

// Peer is the connection/authorization state machine and owns the
// peer's Session. Exactly one Peer per Identifier lives in
// the Service's peer table at a time.
type Peer struct {
	mu sync.RWMutex

	id        Identifier
	addresses []Address

	connState ConnectionState
	authState AuthorizationState

	session *Session

	connectionHandle any // opaque handle owned by the attached Endpoint

	sent     uint64
	received uint64

	retries int

	pendingRekey KEMKeyPair // set while this side awaits a rekey reply
}

// NewPeer constructs a Peer in the resolving state for the given
// identifier and candidate addresses.
func NewPeer(id Identifier, addresses []Address) *Peer {
	return &Peer{
		id:        id,
		addresses: addresses,
		connState: ConnectionResolving,
		authState: Unauthorized,
	}
}

// ID returns the peer's identifier.
func (p *Peer) ID() Identifier { return p.id }

// Addresses returns the peer's candidate remote addresses.
func (p *Peer) Addresses() []Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Address(nil), p.addresses...)
}

// ConnectionState returns the current connection phase.
func (p *Peer) ConnectionState() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connState
}

// AuthorizationState returns the current authorization phase.
func (p *Peer) AuthorizationState() AuthorizationState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authState
}

// IsAuthorized reports the invariant directly: authorized implies
// an active session over a connected transport.
func (p *Peer) IsAuthorized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authState == Authorized && p.connState == ConnectionConnected && p.session != nil && p.session.Lifetime() == SessionActive
}

// MarkConnected transitions resolving → connected[unauthorized] on a
// successful dial/accept, recording the Endpoint's connection handle.
func (p *Peer) MarkConnected(handle any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connState = ConnectionConnected
	p.connectionHandle = handle
	p.retries = 0
}

// ConnectionHandle returns the opaque handle the attached Endpoint
// uses to address this peer (e.g. a socket or connection ID).
func (p *Peer) ConnectionHandle() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectionHandle
}

// AdvanceRetry increments the dial-retry counter and reports whether
// the caller has exhausted ConnectRetryThreshold.
func (p *Peer) AdvanceRetry(threshold int) (exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries++
	return p.retries >= threshold
}

// Authorize installs an active Session and transitions to
// connected[authorized] once the handshake transcript MAC has
// verified.
func (p *Peer) Authorize(session *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connState != ConnectionConnected {
		return brypterr.New(brypterr.NotConnected, "cannot authorize a peer that is not connected")
	}
	p.session = session
	p.authState = Authorized
	return nil
}

// Flag moves the peer to the sticky flagged state, revoking authorization
// until an operator calls Unflag. Deliberately conservative: clearance
// requires an explicit operator action rather than a cooldown timer.
func (p *Peer) Flag() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authState = Flagged
}

// Unflag is the only way to clear a flagged peer.
func (p *Peer) Unflag() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authState == Flagged {
		p.authState = Unauthorized
	}
}

// Disconnect tears down the session (if any) and transitions to
// disconnected; stats are preserved on the proxy until it is removed
// from the peer table.
func (p *Peer) Disconnect(cause DisconnectCause) DisconnectCause {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.TearDown()
	}
	p.connState = ConnectionDisconnected
	if p.authState != Flagged {
		p.authState = Unauthorized
	}
	return cause
}

// Session returns the peer's current Session, or nil before a
// handshake has completed.
func (p *Peer) Session() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// SetPendingRekey records the ephemeral KEM key pair this side
// generated while proposing a rekey, so the eventual reply can be
// decapsulated against it.
func (p *Peer) SetPendingRekey(kp KEMKeyPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingRekey = kp
}

// TakePendingRekey returns and clears the in-flight rekey key pair, or
// nil if no rekey is outstanding on this side.
func (p *Peer) TakePendingRekey() KEMKeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp := p.pendingRekey
	p.pendingRekey = nil
	return kp
}

// Stats returns a snapshot of the peer's send/receive counters.
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		Sent:     atomic.LoadUint64(&p.sent),
		Received: atomic.LoadUint64(&p.received),
	}
}

// RecordSent increments the sent counter by n bytes/frames.
func (p *Peer) RecordSent(n uint64) { atomic.AddUint64(&p.sent, n) }

// RecordReceived increments the received counter by n bytes/frames.
func (p *Peer) RecordReceived(n uint64) { atomic.AddUint64(&p.received, n) }

// PeerTable is the read-mostly identifier→proxy map guarded by a
// reader-writer lock: writes occur only on connect/disconnect.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerTable constructs an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Put inserts or replaces the proxy for id.
func (t *PeerTable) Put(peer *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peer.ID().String()] = peer
}

// Get looks up the proxy for id.
func (t *PeerTable) Get(id Identifier) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id.String()]
	return p, ok
}

// Remove deletes the proxy for id.
func (t *PeerTable) Remove(id Identifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id.String())
}

// Authorized returns every proxy currently authorized, the set used
// to fix broadcast/sampled request recipients at issue time.
func (t *PeerTable) Authorized() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.IsAuthorized() {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of proxies in the table, regardless of
// state.
func (t *PeerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
